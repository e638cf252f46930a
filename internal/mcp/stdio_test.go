package mcp

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoScript is a subprocess that answers every stdin line with a
// JSON-RPC response carrying the request's ID.
const echoScript = `
while read -r line; do
	id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
	if [ -n "$id" ]; then
		printf '{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}\n' "$id"
	fi
done
`

func newTestStdio(t *testing.T, script string) *StdioTransport {
	t.Helper()
	tr := NewStdioTransport(StdioConfig{
		Command: "sh",
		Args:    []string{"-c", script},
		Logger:  testLogger(),
	})
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestStdioSend(t *testing.T) {
	tr := newTestStdio(t, echoScript)

	resp, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 1 {
		t.Errorf("ID = %d, want 1", resp.ID)
	}
	if resp.Error != nil {
		t.Errorf("unexpected error: %v", resp.Error)
	}
}

func TestStdioSendSequential(t *testing.T) {
	tr := newTestStdio(t, echoScript)

	for id := int64(1); id <= 3; id++ {
		resp, err := tr.Send(context.Background(), NewRequest(id, "ping", nil))
		if err != nil {
			t.Fatalf("Send %d: %v", id, err)
		}
		if resp.ID != id {
			t.Errorf("ID = %d, want %d", resp.ID, id)
		}
	}
}

func TestStdioSkipsNotificationsBeforeResponse(t *testing.T) {
	// The server emits a notification and an unrelated line first;
	// Send must keep reading until the matching ID.
	script := `
read -r line
printf '{"jsonrpc":"2.0","method":"notifications/progress","params":{}}\n'
printf 'not json at all\n'
printf '{"jsonrpc":"2.0","id":7,"result":{}}\n'
`
	tr := newTestStdio(t, script)

	resp, err := tr.Send(context.Background(), NewRequest(7, "tools/list", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 7 {
		t.Errorf("ID = %d, want 7", resp.ID)
	}
}

func TestStdioNotify(t *testing.T) {
	tr := newTestStdio(t, echoScript)

	if err := tr.Notify(context.Background(), NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	// The process must still answer requests afterwards.
	resp, err := tr.Send(context.Background(), NewRequest(2, "ping", nil))
	if err != nil {
		t.Fatalf("Send after Notify: %v", err)
	}
	if resp.ID != 2 {
		t.Errorf("ID = %d, want 2", resp.ID)
	}
}

func TestStdioSendContextCancel(t *testing.T) {
	// A server that never answers; cancellation must unblock Send.
	tr := newTestStdio(t, `cat >/dev/null`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := tr.Send(ctx, NewRequest(1, "ping", nil))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if ctx.Err() == nil {
		t.Error("context should have expired")
	}
}

func TestStdioSendStartFailure(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{
		Command: "/nonexistent/binary",
		Logger:  testLogger(),
	})

	if _, err := tr.Send(context.Background(), NewRequest(1, "ping", nil)); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestStdioSendExitedProcess(t *testing.T) {
	// The process exits after the first exchange; the next Send must
	// surface an I/O error rather than hang.
	script := `
read -r line
printf '{"jsonrpc":"2.0","id":1,"result":{}}\n'
`
	tr := newTestStdio(t, script)

	if _, err := tr.Send(context.Background(), NewRequest(1, "ping", nil)); err != nil {
		t.Fatalf("first Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := tr.Send(ctx, NewRequest(2, "ping", nil)); err == nil {
		t.Fatal("expected error after process exit, got nil")
	}
}

func TestStdioCloseUnstarted(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "sh", Logger: testLogger()})
	if err := tr.Close(); err != nil {
		t.Errorf("Close on unstarted transport: %v", err)
	}
}

func TestStdioCloseStopsProcess(t *testing.T) {
	tr := newTestStdio(t, echoScript)

	if _, err := tr.Send(context.Background(), NewRequest(1, "ping", nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if tr.proc != nil {
		t.Error("process handle should be nil after Close")
	}
}
