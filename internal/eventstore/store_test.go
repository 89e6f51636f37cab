package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-grammar/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.BeginRequest(ctx, "req", "a.wav"); err != nil {
		t.Fatalf("ephemeral begin should be a no-op: %v", err)
	}
	if _, err := es.GetRequest(ctx, "req"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no rows from ephemeral store, got %v", err)
	}
}

func TestRequestTimeline(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	id := "req-123"
	if err := es.BeginRequest(ctx, id, "talk.webm"); err != nil {
		t.Fatalf("begin request: %v", err)
	}
	for _, evt := range []Event{
		{RequestID: id, Stage: "normalize", State: "normalized", DurationMS: 120},
		{RequestID: id, Stage: "score", State: "scored", Detail: "3.10"},
		{RequestID: id, Stage: "transcribe", State: "transcription_failed", Detail: "model missing"},
	} {
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	score := 3.1
	if err := es.CompleteRequest(ctx, id, "completed", &score); err != nil {
		t.Fatalf("complete request: %v", err)
	}

	events, err := es.ListRequestEvents(ctx, id, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Stage != "normalize" || events[0].DurationMS != 120 || events[2].Detail != "model missing" {
		t.Fatalf("unexpected events: %+v", events)
	}

	req, err := es.GetRequest(ctx, id)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != "completed" || !req.Score.Valid || req.Score.Float64 != 3.1 || req.Filename != "talk.webm" {
		t.Fatalf("unexpected request row: %+v", req)
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxRequests: 1}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginRequest(ctx, "old-request", "a.wav"); err != nil {
		t.Fatalf("begin request: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{RequestID: "old-request", Stage: "normalize", State: "normalized"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"mid-request", "new-request"} {
		if err := es.BeginRequest(ctx, id, "b.wav"); err != nil {
			t.Fatalf("begin request: %v", err)
		}
		es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 1, 0, time.UTC) }
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListRequestEvents(ctx, "old-request", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old request pruned")
	}
	if _, err := es.GetRequest(ctx, "mid-request"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected request beyond max count pruned, got %v", err)
	}
	if _, err := es.GetRequest(ctx, "new-request"); err != nil {
		t.Fatalf("expected newest request kept: %v", err)
	}
}
