package journal

import (
	"errors"
	"os"
	"testing"

	"github.com/broomva/aiOS/internal/model"
	"github.com/broomva/aiOS/internal/workspace"
)

func newTestJournal(t *testing.T) (*Journal, model.SessionID) {
	t.Helper()
	layout := workspace.NewLayout(t.TempDir())
	session := model.NewSessionID()
	if err := layout.Initialize(session); err != nil {
		t.Fatalf("initialize workspace: %v", err)
	}
	j := Open(layout)
	if err := j.OpenSession(session); err != nil {
		t.Fatalf("open session: %v", err)
	}
	return j, session
}

func appendN(t *testing.T, j *Journal, session model.SessionID, branch model.BranchID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := j.Append(session, branch, model.KindHeartbeat, model.HeartbeatPayload{Tick: uint64(i)}, ""); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestAppendAssignsContiguousSequences(t *testing.T) {
	j, session := newTestJournal(t)

	for i := 1; i <= 5; i++ {
		record, err := j.Append(session, model.MainBranch, model.KindTickStarted, model.TickStartedPayload{Tick: uint64(i)}, "")
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if record.Sequence != uint64(i) {
			t.Fatalf("sequence = %d, want %d", record.Sequence, i)
		}
	}

	head, err := j.Head(session, model.MainBranch)
	if err != nil {
		t.Fatal(err)
	}
	if head != 5 {
		t.Fatalf("head = %d, want 5", head)
	}
}

func TestReadReturnsContiguousSlice(t *testing.T) {
	j, session := newTestJournal(t)
	appendN(t, j, session, model.MainBranch, 10)

	records, err := j.Read(session, model.MainBranch, 4, 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len = %d, want 3", len(records))
	}
	for i, record := range records {
		if record.Sequence != uint64(4+i) {
			t.Fatalf("records[%d].Sequence = %d", i, record.Sequence)
		}
	}

	// Past the head: empty, not an error.
	records, err = j.Read(session, model.MainBranch, 11, 10)
	if err != nil {
		t.Fatalf("read past head: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty read past head, got %d", len(records))
	}
}

func TestAppendRejectsUnknownBranchAndSession(t *testing.T) {
	j, session := newTestJournal(t)

	if _, err := j.Append(session, "nope", model.KindHeartbeat, nil, ""); !errors.Is(err, model.ErrBranchNotFound) {
		t.Fatalf("expected ErrBranchNotFound, got %v", err)
	}
	if _, err := j.Append("missing-session", model.MainBranch, model.KindHeartbeat, nil, ""); !errors.Is(err, model.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestForkAndBranchIsolation(t *testing.T) {
	j, session := newTestJournal(t)
	appendN(t, j, session, model.MainBranch, 10)

	info, err := j.Fork(session, model.MainBranch, 10, "alt", model.CheckpointPayload{
		CheckpointID: model.NewCheckpointID(),
	})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if info.Parent != model.MainBranch || info.ForkAt != 10 {
		t.Fatalf("fork info: %+v", info)
	}

	// Child numbering restarts at 1 with a fork-carrying checkpoint.
	altRecords, err := j.Read(session, "alt", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(altRecords) != 1 || altRecords[0].Kind != model.KindCheckpoint || altRecords[0].Sequence != 1 {
		t.Fatalf("alt first event: %+v", altRecords)
	}
	var cp model.CheckpointPayload
	if err := altRecords[0].DecodePayload(&cp); err != nil {
		t.Fatal(err)
	}
	if cp.ForkOf == nil || cp.ForkOf.Branch != model.MainBranch || cp.ForkOf.Sequence != 10 {
		t.Fatalf("fork checkpoint provenance: %+v", cp.ForkOf)
	}

	// Writes on alt never appear on main.
	if _, err := j.Append(session, "alt", model.KindFileWrite, model.FileWritePayload{Path: "a.txt"}, ""); err != nil {
		t.Fatal(err)
	}
	mainRecords, err := j.Read(session, model.MainBranch, 11, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(mainRecords) != 0 {
		t.Fatalf("branch isolation violated: %d records on main past 10", len(mainRecords))
	}
}

func TestForkValidation(t *testing.T) {
	j, session := newTestJournal(t)
	appendN(t, j, session, model.MainBranch, 3)

	if _, err := j.Fork(session, model.MainBranch, 99, "late", model.CheckpointPayload{}); !errors.Is(err, model.ErrInvalidIntent) {
		t.Fatalf("fork past head: %v", err)
	}
	if _, err := j.Fork(session, model.MainBranch, 1, "../bad", model.CheckpointPayload{}); !errors.Is(err, model.ErrInvalidIntent) {
		t.Fatalf("unsafe branch name: %v", err)
	}
	if _, err := j.Fork(session, model.MainBranch, 1, "dup", model.CheckpointPayload{}); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Fork(session, model.MainBranch, 1, "dup", model.CheckpointPayload{}); !errors.Is(err, model.ErrInvalidIntent) {
		t.Fatalf("duplicate branch: %v", err)
	}
}

func TestAbandonedBranchIsClosed(t *testing.T) {
	j, session := newTestJournal(t)
	appendN(t, j, session, model.MainBranch, 2)

	if _, err := j.Fork(session, model.MainBranch, 2, "scratch", model.CheckpointPayload{}); err != nil {
		t.Fatal(err)
	}
	if err := j.Abandon(session, "scratch"); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	if _, err := j.Append(session, "scratch", model.KindHeartbeat, nil, ""); !errors.Is(err, model.ErrBranchClosed) {
		t.Fatalf("append to abandoned branch: %v", err)
	}
	if _, err := j.Fork(session, "scratch", 1, "child", model.CheckpointPayload{}); !errors.Is(err, model.ErrBranchClosed) {
		t.Fatalf("fork from abandoned branch: %v", err)
	}
	if err := j.Abandon(session, model.MainBranch); !errors.Is(err, model.ErrInvalidIntent) {
		t.Fatalf("abandon main: %v", err)
	}
}

func TestMergeMarksSourceReadOnly(t *testing.T) {
	j, session := newTestJournal(t)
	appendN(t, j, session, model.MainBranch, 2)

	if _, err := j.Fork(session, model.MainBranch, 2, "feature", model.CheckpointPayload{}); err != nil {
		t.Fatal(err)
	}
	appendN(t, j, session, "feature", 3)

	if err := j.Merge(session, "feature", model.MainBranch, model.CheckpointPayload{}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	// Source becomes read-only.
	if _, err := j.Append(session, "feature", model.KindHeartbeat, nil, ""); !errors.Is(err, model.ErrBranchClosed) {
		t.Fatalf("append to merged branch: %v", err)
	}
	// Double merge rejected.
	if err := j.Merge(session, "feature", model.MainBranch, model.CheckpointPayload{}); !errors.Is(err, model.ErrBranchClosed) {
		t.Fatalf("double merge: %v", err)
	}

	// Target got a merge-referencing checkpoint.
	head, _ := j.Head(session, model.MainBranch)
	records, err := j.Read(session, model.MainBranch, head, 1)
	if err != nil {
		t.Fatal(err)
	}
	var cp model.CheckpointPayload
	if err := records[0].DecodePayload(&cp); err != nil {
		t.Fatal(err)
	}
	if cp.MergedFrom == nil || cp.MergedFrom.Branch != "feature" {
		t.Fatalf("merge checkpoint provenance: %+v", cp.MergedFrom)
	}
}

func TestMergeRequiresDescendant(t *testing.T) {
	j, session := newTestJournal(t)
	appendN(t, j, session, model.MainBranch, 1)

	if _, err := j.Fork(session, model.MainBranch, 1, "a", model.CheckpointPayload{}); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Fork(session, model.MainBranch, 1, "b", model.CheckpointPayload{}); err != nil {
		t.Fatal(err)
	}

	// Siblings are not descendants of each other.
	if err := j.Merge(session, "a", "b", model.CheckpointPayload{}); !errors.Is(err, model.ErrInvalidIntent) {
		t.Fatalf("sibling merge: %v", err)
	}
	// main is not a descendant of a.
	if err := j.Merge(session, model.MainBranch, "a", model.CheckpointPayload{}); !errors.Is(err, model.ErrInvalidIntent) {
		t.Fatalf("reverse merge: %v", err)
	}
}

func TestReopenRebuildsHeadAndTruncatesCorruption(t *testing.T) {
	layout := workspace.NewLayout(t.TempDir())
	session := model.NewSessionID()
	if err := layout.Initialize(session); err != nil {
		t.Fatal(err)
	}

	j := Open(layout)
	if err := j.OpenSession(session); err != nil {
		t.Fatal(err)
	}
	appendN(t, j, session, model.MainBranch, 4)

	// Simulate a torn tail write.
	path := layout.BranchLogPath(session, model.MainBranch)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := file.WriteString(`{"session_id":"torn`); err != nil {
		t.Fatal(err)
	}
	_ = file.Close()

	fresh := Open(layout)
	if err := fresh.OpenSession(session); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	head, err := fresh.Head(session, model.MainBranch)
	if err != nil {
		t.Fatal(err)
	}
	if head != 4 {
		t.Fatalf("head after recovery = %d, want 4", head)
	}

	// The log is writable again and continues the sequence.
	record, err := fresh.Append(session, model.MainBranch, model.KindHeartbeat, nil, "")
	if err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if record.Sequence != 5 {
		t.Fatalf("sequence after recovery = %d, want 5", record.Sequence)
	}
}
