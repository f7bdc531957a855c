package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestControlMessage_RoundTrip(t *testing.T) {
	orig := ControlMessage{
		MessageID: 42,
		Timestamp: time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC),
		ModeIndex: 2,
		State:     StateRunning,
		Duty:      Duty{Enable: true, On: 60 * time.Second, Off: 120 * time.Second},
	}

	body, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got ControlMessage
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != orig {
		t.Fatalf("round trip mismatch:\n  sent %+v\n  got  %+v", orig, got)
	}
}

func TestControlMessage_NewerOrdering(t *testing.T) {
	older := ControlMessage{MessageID: 10}
	newer := ControlMessage{MessageID: 11}
	if !newer.Newer(older) {
		t.Fatal("expected id 11 to be newer than 10")
	}
	if older.Newer(newer) {
		t.Fatal("expected id 10 not to be newer than 11")
	}
	if older.Newer(older) {
		t.Fatal("equal ids must not be considered newer")
	}
}
