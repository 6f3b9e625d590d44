package whatsmeow

import (
	"testing"
	"time"
)

func TestReconnectBackoff503DoublesBase(t *testing.T) {
	// Base delay for attempt 2 is 4s; 503 doubles it, so the delay must be at least 8s.
	delay := reconnectBackoff(2, "503")
	if delay < 8*time.Second {
		t.Fatalf("expected delay >= 8s for code=503 attempt=2, got %v", delay)
	}
}

func TestReconnectBackoff408HalvesAndFloors(t *testing.T) {
	// Base delay for attempt 1 is 2s; 408 halves it to 1s, at or under the 2s base.
	delay := reconnectBackoff(1, "408")
	if delay > 2*time.Second {
		t.Fatalf("expected delay <= 2s for code=408 attempt=1, got %v", delay)
	}
	if delay < 1*time.Second {
		t.Fatalf("expected the 1s floor to apply, got %v", delay)
	}
}

func TestReconnectBackoffAuthCodesFloorAtThreeSeconds(t *testing.T) {
	for _, code := range []string{"428", "401", "403"} {
		delay := reconnectBackoff(1, code)
		if delay < 3*time.Second {
			t.Fatalf("expected >= 3s floor for code=%s attempt=1, got %v", code, delay)
		}
	}
}

func TestReconnectBackoffUnknownCodeUsesBaseSchedule(t *testing.T) {
	if d := reconnectBackoff(1, "unknown"); d != 2*time.Second {
		t.Fatalf("expected base delay of 2s for an unrecognized code, got %v", d)
	}
	if d := reconnectBackoff(5, "unknown"); d != 30*time.Second {
		t.Fatalf("expected base delay of 30s for attempt 5, got %v", d)
	}
}

func TestReconnectBackoffClampsAtLastScheduleEntry(t *testing.T) {
	if d := reconnectBackoff(100, ""); d != 30*time.Second {
		t.Fatalf("expected attempts beyond the table to reuse the last entry, got %v", d)
	}
}
