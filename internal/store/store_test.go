package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/yomogiu/codex-cli-renderer/internal/events"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(MemoryPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func intPtr(v int) *int { return &v }

// =============================================================================
// Runs
// =============================================================================

func TestSaveAndGetRun(t *testing.T) {
	store := newTestStore(t)
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := store.SaveRun(&Run{
		RunID:     "run-1",
		SessionID: "s1",
		RepoPath:  "/repo",
		Pid:       42,
		Status:    "running",
		StartedAt: started,
		UpdatedAt: started,
	})
	if err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := store.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.SessionID != "s1" || got.RepoPath != "/repo" || got.Pid != 42 || got.Status != "running" {
		t.Errorf("unexpected run: %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.ExitCode != nil {
		t.Errorf("ExitCode = %v, want nil", *got.ExitCode)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetRun("missing")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestSaveRunRequiresID(t *testing.T) {
	store := newTestStore(t)
	if err := store.SaveRun(&Run{SessionID: "s1"}); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestSaveRunMergesUpdate(t *testing.T) {
	store := newTestStore(t)
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)

	store.SaveRun(&Run{RunID: "r", SessionID: "s", RepoPath: "/repo", Pid: 7, Status: "running", StartedAt: started, UpdatedAt: started})
	err := store.SaveRun(&Run{RunID: "r", SessionID: "s", Status: "error", StartedAt: finished, UpdatedAt: finished, ExitCode: intPtr(3)})
	if err != nil {
		t.Fatalf("SaveRun update: %v", err)
	}

	got, _ := store.GetRun("r")
	if got.Status != "error" {
		t.Errorf("Status = %q, want error", got.Status)
	}
	if got.RepoPath != "/repo" || got.Pid != 7 {
		t.Errorf("update overwrote stored fields: %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt changed to %v", got.StartedAt)
	}
	if !got.UpdatedAt.Equal(finished) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, finished)
	}
	if got.ExitCode == nil || *got.ExitCode != 3 {
		t.Errorf("ExitCode = %v, want 3", got.ExitCode)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		store.SaveRun(&Run{RunID: fmt.Sprintf("a%d", i), SessionID: "a", Status: "done", StartedAt: at, UpdatedAt: at})
	}
	store.SaveRun(&Run{RunID: "b0", SessionID: "b", Status: "running", StartedAt: base, UpdatedAt: base})

	runs, err := store.ListRuns("a", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].RunID != "a2" || runs[2].RunID != "a0" {
		t.Errorf("unexpected order: %s, %s, %s", runs[0].RunID, runs[1].RunID, runs[2].RunID)
	}

	limited, _ := store.ListRuns("a", 1)
	if len(limited) != 1 || limited[0].RunID != "a2" {
		t.Errorf("limit 1 returned %v", limited)
	}

	all, _ := store.ListRuns("", 0)
	if len(all) != 4 {
		t.Errorf("expected 4 runs across sessions, got %d", len(all))
	}
}

// =============================================================================
// Event history
// =============================================================================

func TestRecentEventsOrderAndLimit(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		err := store.AppendEvent(events.Event{
			Type:      events.TypeCodexEvent,
			SessionID: "s1",
			EventType: "event",
			Message:   fmt.Sprintf("m%d", i),
		})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	store.AppendEvent(events.Event{Type: events.TypeCodexEvent, SessionID: "other", Message: "x"})

	got, err := store.RecentEvents("s1", 2)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Message != "m3" || got[1].Message != "m4" {
		t.Errorf("expected [m3 m4], got [%s %s]", got[0].Message, got[1].Message)
	}

	all, _ := store.RecentEvents("s1", 0)
	if len(all) != 5 {
		t.Errorf("expected 5 events, got %d", len(all))
	}

	none, err := store.RecentEvents("nobody", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", none)
	}
}

func TestEventRetention(t *testing.T) {
	store := newTestStore(t)
	store.maxEventsPerSession = 10

	for i := 0; i < 25; i++ {
		store.AppendEvent(events.Event{Type: events.TypeRunOutput, SessionID: "s", Message: fmt.Sprintf("%d", i)})
	}
	store.AppendEvent(events.Event{Type: events.TypeRunOutput, SessionID: "t", Message: "keep"})

	n, err := store.CountEvents("s")
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 10 {
		t.Fatalf("expected 10 retained events, got %d", n)
	}
	got, _ := store.RecentEvents("s", 0)
	if got[0].Message != "15" || got[9].Message != "24" {
		t.Errorf("retained wrong window: first=%s last=%s", got[0].Message, got[9].Message)
	}
	if n, _ := store.CountEvents("t"); n != 1 {
		t.Errorf("other session trimmed: %d", n)
	}
}

func TestEventPayloadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	store.AppendEvent(events.Event{
		Type:      events.TypeCodexEvent,
		SessionID: "s",
		RunID:     "r",
		Payload:   map[string]any{"method": "turn", "n": 1.0},
	})

	got, _ := store.RecentEvents("s", 1)
	payload, ok := got[0].Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type %T", got[0].Payload)
	}
	if payload["method"] != "turn" || got[0].RunID != "r" {
		t.Errorf("unexpected event: %+v", got[0])
	}
}

func TestFileDatabaseReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	now := time.Now()
	store.SaveRun(&Run{RunID: "r", SessionID: "s", Status: "done", StartedAt: now, UpdatedAt: now})
	store.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, _ := reopened.GetRun("r")
	if got == nil || got.Status != "done" {
		t.Fatalf("run not persisted: %+v", got)
	}
}

// =============================================================================
// Sink
// =============================================================================

func TestSinkRecordsRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	sink := NewSink(store)
	defer sink.Close()

	start := events.Timestamp(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	end := events.Timestamp(time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC))

	sink.Emit(events.Event{Type: events.TypeSessionUpdate, SessionID: "s", RunID: "r", Status: "running", RepoPath: "/repo", Pid: 9, Timestamp: start})
	sink.Emit(events.Event{Type: events.TypeRunStatus, SessionID: "s", RunID: "r", Status: "running", Timestamp: start})
	sink.Emit(events.Event{Type: events.TypeRunOutput, SessionID: "s", RunID: "r", Message: "hello", Timestamp: start})
	sink.Emit(events.Event{Type: events.TypeSessionUpdate, SessionID: "s", RunID: "r", Status: "done", LastExitCode: intPtr(0), Timestamp: end})
	sink.Flush()

	run, err := store.GetRun("r")
	if err != nil || run == nil {
		t.Fatalf("GetRun: %v, %v", run, err)
	}
	if run.Status != "done" || run.Pid != 9 || run.RepoPath != "/repo" {
		t.Errorf("unexpected run: %+v", run)
	}
	if run.ExitCode == nil || *run.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", run.ExitCode)
	}

	history, _ := store.RecentEvents("s", 0)
	if len(history) != 1 || history[0].Message != "hello" {
		t.Errorf("expected only the output event in history, got %+v", history)
	}
}

func TestSinkIgnoresUpdatesWithoutRun(t *testing.T) {
	store := newTestStore(t)
	sink := NewSink(store)
	defer sink.Close()

	sink.Emit(events.Event{Type: events.TypeSessionUpdate, SessionID: "s", Status: "idle"})
	sink.Flush()

	runs, _ := store.ListRuns("", 0)
	if len(runs) != 0 {
		t.Fatalf("expected no runs, got %d", len(runs))
	}
}

func TestSinkCloseDrainsQueue(t *testing.T) {
	store := newTestStore(t)
	sink := NewSink(store)

	for i := 0; i < 20; i++ {
		sink.Emit(events.Event{Type: events.TypeCodexEvent, SessionID: "s", Message: fmt.Sprintf("%d", i)})
	}
	sink.Close()
	sink.Close()

	if n, _ := store.CountEvents("s"); n != 20 {
		t.Fatalf("expected 20 events after close, got %d", n)
	}
	if sink.Dropped() != 0 {
		t.Fatalf("unexpected drops: %d", sink.Dropped())
	}
}

func TestSinkNeverDropsStatusUpdates(t *testing.T) {
	store := newTestStore(t)
	sink := newSink(store, 1)

	sink.Emit(events.Event{Type: events.TypeRunOutput, SessionID: "s", RunID: "r", Message: "first"})
	sink.Emit(events.Event{Type: events.TypeRunOutput, SessionID: "s", RunID: "r", Message: "overflow"})
	if sink.Dropped() != 1 {
		t.Fatalf("expected the overflowing output to be dropped, got %d drops", sink.Dropped())
	}

	emitted := make(chan struct{})
	go func() {
		sink.Emit(events.Event{Type: events.TypeSessionUpdate, SessionID: "s", RunID: "r", Status: "done", Timestamp: events.Timestamp(time.Now())})
		close(emitted)
	}()

	select {
	case <-emitted:
		t.Fatal("status update returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	go sink.run()
	select {
	case <-emitted:
	case <-time.After(5 * time.Second):
		t.Fatal("status update still blocked after the queue drained")
	}
	sink.Close()

	if sink.Dropped() != 1 {
		t.Fatalf("status update was counted as dropped: %d", sink.Dropped())
	}
	run, err := store.GetRun("r")
	if err != nil || run == nil || run.Status != "done" {
		t.Fatalf("status update not recorded: %+v, %v", run, err)
	}
}
