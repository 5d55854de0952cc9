package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/wstts/gateway/internal/logx"
	"github.com/wstts/gateway/internal/session"
)

func TestLedgerAppendAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(context.Background(), path, logx.Default())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	hook := l.Hook()
	hook("s1", session.StateIdle, session.StateRunning, "first text_delta")
	hook("s1", session.StateRunning, session.StateDraining, "text_end")

	got, err := l.ListSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 recorded transitions, got %d", len(got))
	}
	if got[0].To != string(session.StateRunning) || got[1].To != string(session.StateDraining) {
		t.Fatalf("expected transitions in insertion order, got %+v", got)
	}
}

func TestLedgerDisabledWithEmptyPath(t *testing.T) {
	l, err := Open(context.Background(), "", logx.Default())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	hook := l.Hook()
	hook("s1", session.StateIdle, session.StateRunning, "first text_delta")

	got, err := l.ListSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got != nil {
		t.Fatalf("expected a disabled ledger to record nothing, got %+v", got)
	}
}
