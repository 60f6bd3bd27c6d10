package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hbq0405/emby-toolkit-sub001/internal/settings"
	"github.com/hbq0405/emby-toolkit-sub001/internal/testutil"
)

func newTestService(t *testing.T, limit int) (*Service, *time.Time) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	t.Cleanup(tdb.Close)

	clock := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	svc := NewService(settings.NewStore(tdb.Conn), limit, tdb.Logger)
	svc.now = func() time.Time { return clock }
	return svc, &clock
}

func TestConsumeDecrementsToExhaustion(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 2)

	remaining, err := svc.Remaining(ctx)
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("Expected initial quota 2, got %d", remaining)
	}

	for i := 0; i < 2; i++ {
		if err := svc.Consume(ctx); err != nil {
			t.Fatalf("Consume %d failed: %v", i, err)
		}
	}
	if err := svc.Consume(ctx); !errors.Is(err, ErrExhausted) {
		t.Errorf("Expected ErrExhausted, got %v", err)
	}
}

func TestQuotaResetsOnRollover(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t, 1)

	if err := svc.Consume(ctx); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if err := svc.Consume(ctx); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Expected exhaustion, got %v", err)
	}

	*clock = clock.AddDate(0, 0, 1)
	remaining, err := svc.Remaining(ctx)
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining != 1 {
		t.Errorf("Expected reset to 1 after rollover, got %d", remaining)
	}
}
