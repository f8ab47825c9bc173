// Package publisher provides domain.Publisher implementations.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/cwygoda/typesetter/internal/domain"
)

// NATS publishes progress events on "<prefix>.<job id>" with core NATS
// publish, so delivery is at most once.
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// NewNATS wraps an open connection.
func NewNATS(conn *nats.Conn, prefix string) *NATS {
	if prefix == "" {
		prefix = "typesetter.progress"
	}
	return &NATS{conn: conn, prefix: prefix}
}

// Subject returns the subject events for jobID are published on.
func (p *NATS) Subject(jobID int64) string {
	return fmt.Sprintf("%s.%d", p.prefix, jobID)
}

func (p *NATS) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev.JobID), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
