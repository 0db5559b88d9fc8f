package models

import (
	"testing"
	"time"
)

func TestSessionStateMachine_InitialState(t *testing.T) {
	sm := NewSessionStateMachine()
	if sm.Current() != SessionDisconnected {
		t.Fatalf("initial state should be Disconnected, got %s", sm.Current())
	}
}

func TestSessionStateMachine_HappyPath(t *testing.T) {
	sm := NewSessionStateMachine()

	steps := []SessionState{SessionConnecting, SessionConnected}
	for _, to := range steps {
		if err := sm.Transition(to); err != nil {
			t.Fatalf("transition to %s failed: %v", to, err)
		}
	}
	if sm.Current() != SessionConnected {
		t.Fatalf("expected Connected, got %s", sm.Current())
	}
}

func TestSessionStateMachine_RejectsUnlistedEdge(t *testing.T) {
	sm := NewSessionStateMachine()
	if err := sm.Transition(SessionConnected); err == nil {
		t.Fatal("Disconnected -> Connected is not a listed edge and should fail")
	}
	if sm.Current() != SessionDisconnected {
		t.Fatalf("state should be unchanged after a rejected transition, got %s", sm.Current())
	}
}

// TestSessionStateMachine_S6Recovery implements scenario S6 from the spec:
// after Connected, two heartbeat misses move to Reconnecting; one reconnect
// succeeds, returning to Connected with reconnect counter == 1.
func TestSessionStateMachine_S6Recovery(t *testing.T) {
	sm := NewSessionStateMachine()
	must(t, sm.Transition(SessionConnecting))
	must(t, sm.Transition(SessionConnected))

	must(t, sm.Transition(SessionReconnecting)) // heartbeat_miss
	must(t, sm.Transition(SessionConnected))    // reconnect_ok

	snap := sm.Snapshot()
	if snap.State != SessionConnected {
		t.Fatalf("expected Connected after recovery, got %s", snap.State)
	}
	if snap.ReconnectCount != 1 {
		t.Fatalf("expected reconnect counter 1, got %d", snap.ReconnectCount)
	}
}

func TestSessionStateMachine_ErrorRequiresExplicitConnect(t *testing.T) {
	sm := NewSessionStateMachine()
	must(t, sm.Transition(SessionConnecting))
	must(t, sm.Transition(SessionConnected))
	must(t, sm.Transition(SessionReconnecting))
	must(t, sm.Transition(SessionError))

	if err := sm.Transition(SessionReconnecting); err == nil {
		t.Fatal("Error state must only be left via connect()")
	}
	must(t, sm.Transition(SessionConnecting))
	if sm.Current() != SessionConnecting {
		t.Fatalf("expected Connecting, got %s", sm.Current())
	}
}

func TestSessionStateMachine_Metrics(t *testing.T) {
	sm := NewSessionStateMachine()
	now := time.Now().UTC()
	sm.RecordHeartbeat(now)
	sm.RecordError("boom")
	sm.RecordRequest(now)

	snap := sm.Snapshot()
	if snap.LastHeartbeat != now {
		t.Fatalf("heartbeat not recorded")
	}
	if snap.ErrorCount != 1 || snap.LastError != "boom" {
		t.Fatalf("error not recorded correctly: %+v", snap)
	}
	if snap.RequestCount != 1 {
		t.Fatalf("request not recorded")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
