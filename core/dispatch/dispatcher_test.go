package dispatch

import (
	"context"
	"testing"
	"time"

	"fleetcore/core/codec"
	"fleetcore/core/session"
	"fleetcore/core/store"
)

type drainingSender struct {
	frames chan []byte
}

func newDrainingSender() *drainingSender { return &drainingSender{frames: make(chan []byte, 64)} }
func (d *drainingSender) Send(frame []byte) error {
	d.frames <- frame
	return nil
}
func (d *drainingSender) Close() error { return nil }

func TestSubmitUndeliverableWhenNodeNotConnected(t *testing.T) {
	s := store.NewMemoryStore()
	reg := session.NewRegistry(make(chan session.ChangeEvent, 1))
	d := NewDispatcher(s, reg)

	rec, err := d.Submit(context.Background(), "node-ghost", "echo hi", 10)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.Status != store.CommandUndeliverable {
		t.Fatalf("status = %s, want undeliverable", rec.Status)
	}

	got, err := s.GetCommand(context.Background(), rec.CommandID)
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if got.Status != store.CommandUndeliverable {
		t.Fatalf("persisted status = %s, want undeliverable", got.Status)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Fatalf("persisted record = %+v, want started_at/completed_at both nil (undeliverable never ran)", got)
	}
}

func TestSubmitDeliversToConnectedNode(t *testing.T) {
	s := store.NewMemoryStore()
	reg := session.NewRegistry(make(chan session.ChangeEvent, 1))
	d := NewDispatcher(s, reg)

	sender := newDrainingSender()
	sess := reg.AttachAgent("node-001", "addr", sender)

	rec, err := d.Submit(context.Background(), "node-001", "echo hi", 10)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.Status != store.CommandPending {
		t.Fatalf("status = %s, want pending", rec.Status)
	}

	select {
	case frame := <-sess.Outbound():
		env, err := codec.Decode(frame)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if env.Type != codec.TypeExecuteCommand {
			t.Fatalf("type = %s, want %s", env.Type, codec.TypeExecuteCommand)
		}
	case <-time.After(time.Second):
		t.Fatal("expected execute_command to reach the node's outbound queue")
	}
}

func TestHandleResultResolvesWaiterAndTransitions(t *testing.T) {
	s := store.NewMemoryStore()
	reg := session.NewRegistry(make(chan session.ChangeEvent, 1))
	d := NewDispatcher(s, reg)
	reg.AttachAgent("node-001", "addr", newDrainingSender())

	rec, _ := d.Submit(context.Background(), "node-001", "echo hi", 10)
	d.HandleStarted(context.Background(), rec.CommandID)

	status, result, ok := waitAsync(t, d, rec.CommandID, func() {
		time.Sleep(20 * time.Millisecond)
		d.HandleResult(context.Background(), rec.CommandID, store.CommandResult{ExitCode: 0, Stdout: "hi"})
	})
	if !ok {
		t.Fatal("expected the waiter to resolve")
	}
	if status != store.CommandSuccess {
		t.Fatalf("status = %s, want success", status)
	}
	if result.Stdout != "hi" {
		t.Fatalf("stdout = %s, want hi", result.Stdout)
	}

	got, _ := s.GetCommand(context.Background(), rec.CommandID)
	if got.Status != store.CommandSuccess || got.CompletedAt == nil {
		t.Fatal("expected the persisted record to reach a terminal success state")
	}
}

func TestHandleResultFailsOnNonZeroExit(t *testing.T) {
	s := store.NewMemoryStore()
	reg := session.NewRegistry(make(chan session.ChangeEvent, 1))
	d := NewDispatcher(s, reg)
	reg.AttachAgent("node-001", "addr", newDrainingSender())
	rec, _ := d.Submit(context.Background(), "node-001", "false", 10)

	status, _, ok := waitAsync(t, d, rec.CommandID, func() {
		time.Sleep(20 * time.Millisecond)
		d.HandleResult(context.Background(), rec.CommandID, store.CommandResult{ExitCode: 1})
	})
	if !ok || status != store.CommandFailed {
		t.Fatalf("status = %s ok=%v, want failed/true", status, ok)
	}
}

func TestLateResultAfterResolutionIsDiscarded(t *testing.T) {
	s := store.NewMemoryStore()
	reg := session.NewRegistry(make(chan session.ChangeEvent, 1))
	d := NewDispatcher(s, reg)
	reg.AttachAgent("node-001", "addr", newDrainingSender())
	rec, _ := d.Submit(context.Background(), "node-001", "echo hi", 10)

	d.HandleResult(context.Background(), rec.CommandID, store.CommandResult{ExitCode: 0})
	// Second, late result for an already-terminal command.
	d.HandleResult(context.Background(), rec.CommandID, store.CommandResult{ExitCode: 1, Stderr: "late"})

	got, _ := s.GetCommand(context.Background(), rec.CommandID)
	if got.Status != store.CommandSuccess {
		t.Fatalf("status = %s, want success (late result must not overwrite)", got.Status)
	}
}

func TestTimeoutResolvesWaiterWithSyntheticResult(t *testing.T) {
	s := store.NewMemoryStore()
	reg := session.NewRegistry(make(chan session.ChangeEvent, 1))
	d := NewDispatcher(s, reg)
	reg.AttachAgent("node-001", "addr", newDrainingSender())

	rec, err := d.Submit(context.Background(), "node-001", "sleep 999", 1)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status, result, ok := d.Wait(context.Background(), rec.CommandID)
	if !ok {
		t.Fatal("expected the waiter to eventually resolve via timeout")
	}
	if status != store.CommandTimeout {
		t.Fatalf("status = %s, want timeout", status)
	}
	if result.ExitCode != -1 {
		t.Fatalf("exit_code = %d, want -1", result.ExitCode)
	}
}

// waitAsync triggers the given resolver concurrently with Wait so the
// test doesn't race the dispatcher's own internal locking.
func waitAsync(t *testing.T, d *Dispatcher, commandID string, resolve func()) (string, store.CommandResult, bool) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		resolve()
		close(done)
	}()
	status, result, ok := d.Wait(context.Background(), commandID)
	<-done
	return status, result, ok
}
