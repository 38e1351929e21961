package history

import (
	"context"
	"testing"
	"time"

	"funding-arb-bot/internal/config"

	"go.uber.org/zap"
)

func TestNewDisabledWithoutDSN(t *testing.T) {
	w, err := New(config.HistoryConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("empty dsn must not error: %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil writer for empty dsn")
	}
}

func TestNilWriterIsSafe(t *testing.T) {
	var w *Writer
	w.Start(context.Background())
	w.EnqueueLifecycle(LifecycleEvent{BotID: "bot-1", Time: time.Now().UTC()})
	w.EnqueueFunding(FundingEvent{UserID: "user-1", Time: time.Now().UTC()})
	events, err := w.FundingEventsSince(context.Background(), "user-1", time.Time{})
	if err != nil || events != nil {
		t.Fatalf("nil writer reads must be empty, got %v / %v", events, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("nil writer close: %v", err)
	}
}
