package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/typesetter/internal/domain"
)

func TestSign(t *testing.T) {
	got := Sign("2026-01-02T03:04:05Z", []byte("{}"), "s3cret")
	assert.Len(t, got, 64)
	assert.Equal(t, got, Sign("2026-01-02T03:04:05Z", []byte("{}"), "s3cret"))
	assert.NotEqual(t, got, Sign("2026-01-02T03:04:05Z", []byte("{}"), "other"))
}

func TestWebhook_NotifyCompleted(t *testing.T) {
	var (
		gotBody []byte
		gotTS   string
		gotSig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotTS = r.Header.Get("X-Timestamp")
		gotSig = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "s3cret", time.Second)
	wh.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	job := &domain.Job{
		ID:        9,
		ProjectID: "book",
		OutputKey: "jobs/9/output.pdf",
		PageCount: 12,
		Quality:   domain.QualityGood,
		Warnings:  []string{"no embedded fonts found"},
	}
	require.NoError(t, wh.NotifyCompleted(context.Background(), job))

	assert.Equal(t, "2026-01-02T03:04:05Z", gotTS)
	assert.Equal(t, Sign(gotTS, gotBody, "s3cret"), gotSig)

	var p payload
	require.NoError(t, json.Unmarshal(gotBody, &p))
	assert.Equal(t, "job.completed", p.Event)
	assert.Equal(t, int64(9), p.JobID)
	assert.Equal(t, 12, p.PageCount)
	assert.Equal(t, domain.QualityGood, p.Quality)
}

func TestWebhook_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Signature") != "" {
			t.Errorf("unsigned webhook sent a signature")
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, "", time.Second).NotifyCompleted(context.Background(), &domain.Job{ID: 1})
	assert.ErrorContains(t, err, "status 502")

	assert.NoError(t, Noop{}.NotifyCompleted(context.Background(), &domain.Job{ID: 1}))
}
