package quota

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cfxhq/router/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveLimit(t *testing.T) {
	c := NewChecker(store.NewMemoryStore(), 1000, discardLogger())

	override := 250
	tests := []struct {
		name   string
		limits store.UserLimits
		want   int
	}{
		{"override wins over plan", store.UserLimits{Plan: planPro, DailyLimit: &override}, 250},
		{"starter plan", store.UserLimits{Plan: planStarter}, limitStarter},
		{"pro plan", store.UserLimits{Plan: planPro}, limitPro},
		{"agency plan", store.UserLimits{Plan: planAgency}, limitAgency},
		{"unknown plan falls back to default", store.UserLimits{Plan: "nonexistent"}, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.resolveLimit(tt.limits); got != tt.want {
				t.Errorf("resolveLimit() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	st := store.NewMemoryStore()
	c := NewChecker(st, 3, discardLogger())
	userID := uuid.New()

	for i := 1; i <= 3; i++ {
		d := c.Check(t.Context(), userID, store.UserLimits{})
		if !d.Allowed {
			t.Fatalf("request %d: Allowed = false, want true", i)
		}
	}
}

func TestCheckExceedsLimit(t *testing.T) {
	st := store.NewMemoryStore()
	c := NewChecker(st, 1, discardLogger())
	userID := uuid.New()

	first := c.Check(t.Context(), userID, store.UserLimits{})
	if !first.Allowed || first.Remaining != 0 {
		t.Fatalf("first request = %+v, want allowed with remaining 0", first)
	}

	second := c.Check(t.Context(), userID, store.UserLimits{})
	if second.Allowed {
		t.Errorf("second request Allowed = true, want false")
	}
	if second.Remaining != 0 {
		t.Errorf("second request Remaining = %d, want 0", second.Remaining)
	}
}

func TestCheckFailsOpenOnStoreUnavailable(t *testing.T) {
	st := store.NewMemoryStore()
	st.Unavailable = true
	c := NewChecker(st, 1000, discardLogger())

	d := c.Check(t.Context(), uuid.New(), store.UserLimits{})
	if !d.Allowed {
		t.Errorf("Allowed = false, want true (fail-open)")
	}
	if d.Remaining != d.Limit-1 {
		t.Errorf("Remaining = %d, want limit-1 = %d", d.Remaining, d.Limit-1)
	}
}

func TestCheckResetEpochIsStartOfNextUTCDay(t *testing.T) {
	st := store.NewMemoryStore()
	c := NewChecker(st, 1000, discardLogger())
	c.now = func() time.Time {
		return time.Date(2026, 7, 31, 15, 30, 0, 0, time.UTC)
	}

	d := c.Check(t.Context(), uuid.New(), store.UserLimits{})
	wantReset := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Unix()
	if d.ResetEpoch != wantReset {
		t.Errorf("ResetEpoch = %d, want %d", d.ResetEpoch, wantReset)
	}
}
