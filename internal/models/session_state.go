package models

import (
	"fmt"
	"sync"
	"time"
)

// SessionState is the tagged enum for the Brokerage Session Manager's
// connection state machine.
type SessionState string

// Session states, per the specification's state diagram.
const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionReconnecting SessionState = "reconnecting"
	SessionError        SessionState = "error"
)

// sessionTransition names one edge of the session state graph.
type sessionTransition struct {
	From, To SessionState
	Cause    string
}

// validSessionTransitions enumerates every edge the session is allowed to
// walk. Any transition not listed here is rejected.
var validSessionTransitions = []sessionTransition{
	{SessionDisconnected, SessionConnecting, "connect"},
	{SessionConnecting, SessionConnected, "connect_ok"},
	{SessionConnecting, SessionError, "connect_failed"},
	{SessionConnected, SessionDisconnected, "disconnect"},
	{SessionConnected, SessionReconnecting, "heartbeat_miss"},
	{SessionReconnecting, SessionConnected, "reconnect_ok"},
	{SessionReconnecting, SessionError, "reconnect_exhausted"},
	{SessionError, SessionConnecting, "connect"},
}

var sessionTransitionLookup map[SessionState]map[SessionState]string

func init() {
	sessionTransitionLookup = make(map[SessionState]map[SessionState]string)
	for _, t := range validSessionTransitions {
		if sessionTransitionLookup[t.From] == nil {
			sessionTransitionLookup[t.From] = make(map[SessionState]string)
		}
		sessionTransitionLookup[t.From][t.To] = t.Cause
	}
}

// SessionMetrics snapshots the observable state of a session for reporting.
type SessionMetrics struct {
	State            SessionState
	LastHeartbeat    time.Time
	ReconnectCount   int
	ErrorCount       int
	RequestCount     int
	LastError        string
	ConnectedSince   time.Time
	LastRequestAt    time.Time
}

// SessionStateMachine is a reentrant-safe finite state machine for the
// session's connection lifecycle. It is owned exclusively by the Session
// Manager; callers observe it through Snapshot.
type SessionStateMachine struct {
	mu             sync.Mutex
	current        SessionState
	previous       SessionState
	transitionedAt time.Time
	lastHeartbeat  time.Time
	connectedSince time.Time
	reconnectCount int
	errorCount     int
	requestCount   int
	lastError      string
	lastRequestAt  time.Time
}

// NewSessionStateMachine creates a state machine initialized to Disconnected,
// per the specification's defined initial state.
func NewSessionStateMachine() *SessionStateMachine {
	return &SessionStateMachine{
		current:        SessionDisconnected,
		previous:       SessionDisconnected,
		transitionedAt: time.Now().UTC(),
	}
}

// Current returns the current state.
func (sm *SessionStateMachine) Current() SessionState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// Transition attempts to move to `to`. It fails if the edge (current, to) is
// not in the allowed graph; no state is ever reached via an unlisted edge.
func (sm *SessionStateMachine) Transition(to SessionState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.transitionLocked(to)
}

func (sm *SessionStateMachine) transitionLocked(to SessionState) error {
	edges, ok := sessionTransitionLookup[sm.current]
	if !ok {
		return fmt.Errorf("%w: no edges from state %s", ErrInvariantViolation, sm.current)
	}
	if _, ok := edges[to]; !ok {
		return fmt.Errorf("invalid session transition from %s to %s", sm.current, to)
	}
	sm.previous = sm.current
	sm.current = to
	sm.transitionedAt = time.Now().UTC()
	if to == SessionConnected {
		if sm.connectedSince.IsZero() {
			sm.connectedSince = sm.transitionedAt
		}
		if sm.previous == SessionReconnecting {
			sm.reconnectCount++
		}
	}
	return nil
}

// RecordHeartbeat updates the last successful heartbeat timestamp.
func (sm *SessionStateMachine) RecordHeartbeat(t time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.lastHeartbeat = t
}

// RecordError increments the cumulative error count and stores the message.
func (sm *SessionStateMachine) RecordError(msg string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.errorCount++
	sm.lastError = msg
}

// RecordRequest increments the cumulative request count and timestamps it.
func (sm *SessionStateMachine) RecordRequest(at time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.requestCount++
	sm.lastRequestAt = at
}

// Snapshot returns a point-in-time copy of the session metrics.
func (sm *SessionStateMachine) Snapshot() SessionMetrics {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return SessionMetrics{
		State:          sm.current,
		LastHeartbeat:  sm.lastHeartbeat,
		ReconnectCount: sm.reconnectCount,
		ErrorCount:     sm.errorCount,
		RequestCount:   sm.requestCount,
		LastError:      sm.lastError,
		ConnectedSince: sm.connectedSince,
		LastRequestAt:  sm.lastRequestAt,
	}
}

// IsHealthy reports whether the session is in the Connected state.
func (sm *SessionStateMachine) IsHealthy() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current == SessionConnected
}
