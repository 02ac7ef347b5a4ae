package alerting

import (
	"context"
	"testing"
	"time"
)

func TestDedupeAlerter_SuppressesRepeats(t *testing.T) {
	mock := NewMockAlerter()
	dedupe := NewDedupeAlerter(mock, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := dedupe.Alert(ctx, SeverityWarning, "broker heartbeat failed", "attempt", i); err != nil {
			t.Fatalf("Alert() error = %v", err)
		}
	}

	if mock.Count() != 1 {
		t.Errorf("forwarded %d alerts, want 1", mock.Count())
	}
}

func TestDedupeAlerter_DistinctMessagesPass(t *testing.T) {
	mock := NewMockAlerter()
	dedupe := NewDedupeAlerter(mock, time.Minute, nil)
	ctx := context.Background()

	_ = dedupe.Alert(ctx, SeverityWarning, "broker heartbeat failed")
	_ = dedupe.Alert(ctx, SeverityWarning, "daily loss limit approached")
	_ = dedupe.Alert(ctx, SeverityCritical, "broker heartbeat failed")

	if mock.Count() != 3 {
		t.Errorf("forwarded %d alerts, want 3", mock.Count())
	}
}

func TestDedupeAlerter_WindowExpires(t *testing.T) {
	mock := NewMockAlerter()
	dedupe := NewDedupeAlerter(mock, 20*time.Millisecond, nil)
	ctx := context.Background()

	_ = dedupe.Alert(ctx, SeverityWarning, "broker heartbeat failed")
	_ = dedupe.Alert(ctx, SeverityWarning, "broker heartbeat failed")
	time.Sleep(30 * time.Millisecond)
	_ = dedupe.Alert(ctx, SeverityWarning, "broker heartbeat failed")

	if mock.Count() != 2 {
		t.Errorf("forwarded %d alerts, want 2", mock.Count())
	}
}

func TestDedupeAlerter_ZeroWindowForwardsAll(t *testing.T) {
	mock := NewMockAlerter()
	dedupe := NewDedupeAlerter(mock, 0, nil)
	ctx := context.Background()

	_ = dedupe.Alert(ctx, SeverityInfo, "same")
	_ = dedupe.Alert(ctx, SeverityInfo, "same")

	if mock.Count() != 2 {
		t.Errorf("forwarded %d alerts, want 2", mock.Count())
	}
}

func TestDedupeAlerter_Name(t *testing.T) {
	dedupe := NewDedupeAlerter(NewMockAlerter(), time.Minute, nil)
	if got := dedupe.Name(); got != "dedupe(mock)" {
		t.Errorf("Name() = %q, want dedupe(mock)", got)
	}
}
