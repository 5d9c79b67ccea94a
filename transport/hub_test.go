package transport

import "testing"

func TestRoomKey(t *testing.T) {
	if got := roomKey("ws1"); got != "workspace:ws1" {
		t.Fatalf("roomKey() = %s, want workspace:ws1", got)
	}
}

func TestEmitUnknownSocketIsNoop(t *testing.T) {
	h := NewWSHub(nil)
	// Must not panic when the socket isn't registered.
	h.Emit("missing", Message{Type: "terminal-output", Data: "x"})
}

func TestEmitRoomUnknownWorkspaceIsNoop(t *testing.T) {
	h := NewWSHub(nil)
	h.EmitRoom("missing-ws", Message{Type: "terminal-killed"})
}

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{Type: "resize", Cols: 80, Rows: 24}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got Message
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got != msg {
		t.Fatalf("round trip = %+v, want %+v", got, msg)
	}
}

func TestMessageRoundTripWithRecoveredState(t *testing.T) {
	msg := Message{
		Type:          "terminal-recovered",
		WorkspaceID:   "ws1",
		SessionID:     "s1",
		RecoveryToken: "tok",
		RecoveredState: &RecoveredState{
			CurrentDir:   "/home/claude",
			EnvVars:      map[string]string{"FOO": "bar"},
			TerminalSize: TerminalSize{Cols: 80, Rows: 30},
		},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got Message
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.RecoveredState == nil || got.RecoveredState.CurrentDir != "/home/claude" {
		t.Fatalf("round trip recoveredState = %+v, want CurrentDir=/home/claude", got.RecoveredState)
	}
	if got.RecoveredState.TerminalSize.Cols != 80 {
		t.Fatalf("round trip terminalSize.cols = %d, want 80", got.RecoveredState.TerminalSize.Cols)
	}
}
