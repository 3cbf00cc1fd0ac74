package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	name  string
	err   error
	sent  int
	title string
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	f.sent++
	f.title = title
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func TestNotifyFiltersEvents(t *testing.T) {
	s := &fakeSender{name: "telegram"}
	n := NewNotifier([]Sender{s}, []string{"position_closed"}, testLogger())
	ctx := context.Background()

	if err := n.Notify(ctx, "position_opened", "t", "m"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if s.sent != 0 {
		t.Fatal("filtered event was delivered")
	}

	if err := n.Notify(ctx, "position_closed", "closed", "m"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if s.sent != 1 || s.title != "closed" {
		t.Fatalf("sent = %d title = %q, want one delivery", s.sent, s.title)
	}
}

func TestNotifyEmptyFilterAllowsEverything(t *testing.T) {
	s := &fakeSender{name: "discord"}
	n := NewNotifier([]Sender{s}, nil, testLogger())

	if err := n.Notify(context.Background(), "anything", "t", "m"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if s.sent != 1 {
		t.Fatal("event dropped with no filter configured")
	}
}

func TestNotifyAllBypassesFilter(t *testing.T) {
	s := &fakeSender{name: "telegram"}
	n := NewNotifier([]Sender{s}, []string{"position_closed"}, testLogger())

	if err := n.NotifyAll(context.Background(), "breaker open", "m"); err != nil {
		t.Fatalf("NotifyAll: %v", err)
	}
	if s.sent != 1 {
		t.Fatal("NotifyAll respected the event filter")
	}
}

func TestDispatchContinuesPastFailures(t *testing.T) {
	boom := errors.New("api down")
	bad := &fakeSender{name: "telegram", err: boom}
	good := &fakeSender{name: "discord"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.NotifyAll(context.Background(), "t", "m")
	if err == nil {
		t.Fatal("failure swallowed")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the sender failure in the chain", err)
	}
	if good.sent != 1 {
		t.Fatal("later sender skipped after an earlier failure")
	}
}

func TestNotifierWithoutSenders(t *testing.T) {
	n := NewNotifier(nil, nil, testLogger())
	if err := n.NotifyAll(context.Background(), "t", "m"); err != nil {
		t.Fatalf("NotifyAll: %v", err)
	}
}
