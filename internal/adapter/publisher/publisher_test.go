package publisher

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/typesetter/internal/domain"
)

type recordingPublisher struct {
	events []domain.ProgressEvent
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, ev domain.ProgressEvent) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestLog_Publish(t *testing.T) {
	var buf bytes.Buffer
	p := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))

	err := p.Publish(context.Background(), domain.ProgressEvent{
		JobID:    42,
		Step:     domain.StepCompiling,
		Progress: 65,
		Message:  "attempt 1",
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "job.progress")
	assert.Contains(t, out, "job_id=42")
	assert.Contains(t, out, "step=compiling")
	assert.Contains(t, out, "progress=65")
	assert.Contains(t, out, `message="attempt 1"`)
}

func TestMulti_Publish(t *testing.T) {
	ok := &recordingPublisher{}
	failing := &recordingPublisher{err: errors.New("down")}
	m := Multi{failing, ok}

	ev := domain.ProgressEvent{JobID: 1, Step: domain.StepParsing, Progress: 5}
	err := m.Publish(context.Background(), ev)

	assert.ErrorContains(t, err, "down")
	assert.Equal(t, []domain.ProgressEvent{ev}, ok.events, "later publishers still receive the event")
	assert.Len(t, failing.events, 1)

	assert.NoError(t, Multi{ok}.Publish(context.Background(), ev))
}

func TestNATS_Subject(t *testing.T) {
	assert.Equal(t, "typesetter.progress.7", NewNATS(nil, "").Subject(7))
	assert.Equal(t, "books.events.7", NewNATS(nil, "books.events").Subject(7))
}
