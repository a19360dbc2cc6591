// Package journal implements the per-session, per-branch, append-only event
// log: monotonic sequence assignment under writer locks, checksum-verified
// reads, branch fork/merge, and a live broadcast hub with gap-free backfill.
package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/broomva/aiOS/internal/logger"
	"github.com/broomva/aiOS/internal/metrics"
	"github.com/broomva/aiOS/internal/model"
	"github.com/broomva/aiOS/internal/workspace"
)

// Journal owns every branch log under the kernel root. The journal — never
// the caller — assigns sequences: duplicate writes are impossible because
// the head is read, advanced, and persisted under the same per-branch lock.
type Journal struct {
	layout   workspace.Layout
	monoBase time.Time

	mu       sync.Mutex
	sessions map[model.SessionID]*sessionLog
}

type sessionLog struct {
	mu       sync.Mutex
	branches map[model.BranchID]*branchLog
}

type branchLog struct {
	mu   sync.Mutex
	info model.BranchInfo
	path string
	head uint64
	// offsets[seq-1] is the byte offset of that sequence's line.
	offsets     []int64
	size        int64
	subscribers []*Subscription
}

// Open returns a journal rooted at the given layout.
func Open(layout workspace.Layout) *Journal {
	return &Journal{
		layout:   layout,
		monoBase: time.Now(),
		sessions: make(map[model.SessionID]*sessionLog),
	}
}

// OpenSession loads (or creates) the branch registry for a session and
// rebuilds each branch's head and offset index by scanning its log. Scans
// halt at the first corrupt record; the log is truncated back to the last
// valid record, which is the recovery behavior for torn tail writes.
func (j *Journal) OpenSession(session model.SessionID) error {
	j.mu.Lock()
	if _, ok := j.sessions[session]; ok {
		j.mu.Unlock()
		return nil
	}
	slog := &sessionLog{branches: make(map[model.BranchID]*branchLog)}
	j.sessions[session] = slog
	j.mu.Unlock()

	registryPath := j.layout.BranchesPath(session)
	registry := map[model.BranchID]model.BranchInfo{}
	if _, err := os.Stat(registryPath); err == nil {
		if err := workspace.LoadJSON(registryPath, &registry); err != nil {
			return err
		}
	} else {
		registry[model.MainBranch] = model.BranchInfo{
			BranchID: model.MainBranch,
			Status:   model.BranchOpen,
		}
		if err := workspace.SaveJSON(registryPath, registry); err != nil {
			return err
		}
	}

	for id, info := range registry {
		b := &branchLog{info: info, path: j.layout.BranchLogPath(session, id)}
		if err := b.rebuild(); err != nil {
			return fmt.Errorf("failed to rebuild branch %s: %w", id, err)
		}
		slog.branches[id] = b
	}
	return nil
}

// rebuild scans the log file, verifying checksums and sequence continuity,
// and truncates after the last valid record if corruption is found.
func (b *branchLog) rebuild() error {
	file, err := os.Open(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrIOFailure, err)
	}
	defer func() { _ = file.Close() }()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			break
		}
		record, decodeErr := model.DecodeLine(line)
		if decodeErr != nil || record.Sequence != b.head+1 {
			logger.Slog().Warn("journal corruption detected, truncating",
				"branch", b.info.BranchID, "offset", offset, "error", decodeErr)
			_ = file.Close()
			if truncErr := os.Truncate(b.path, offset); truncErr != nil {
				return fmt.Errorf("%w: truncate after corruption: %v", model.ErrIOFailure, truncErr)
			}
			b.size = offset
			return nil
		}
		b.offsets = append(b.offsets, offset)
		b.head = record.Sequence
		offset += int64(len(line))
		if err != nil {
			break
		}
	}
	b.size = offset
	return nil
}

func (j *Journal) session(session model.SessionID) (*sessionLog, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	slog, ok := j.sessions[session]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, session)
	}
	return slog, nil
}

func (s *sessionLog) branch(branch model.BranchID) (*branchLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[branch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrBranchNotFound, branch)
	}
	return b, nil
}

// Append assigns the next sequence, persists the record durably, and
// publishes it to live subscribers. Rejects writes to non-open branches.
func (j *Journal) Append(session model.SessionID, branch model.BranchID, kind model.EventKind, payload any, causation string) (model.EventRecord, error) {
	var zero model.EventRecord

	slog, err := j.session(session)
	if err != nil {
		return zero, err
	}
	b, err := slog.branch(branch)
	if err != nil {
		return zero, err
	}

	raw, err := model.MarshalPayload(payload)
	if err != nil {
		return zero, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.info.Status != model.BranchOpen {
		return zero, fmt.Errorf("%w: %s is %s", model.ErrBranchClosed, branch, b.info.Status)
	}

	record := model.EventRecord{
		SessionID:   session,
		BranchID:    branch,
		Sequence:    b.head + 1,
		TSWall:      time.Now().UTC(),
		TSMono:      time.Since(j.monoBase).Nanoseconds(),
		Kind:        kind,
		Payload:     raw,
		CausationID: causation,
	}

	line, err := model.EncodeLine(record)
	if err != nil {
		return zero, err
	}

	file, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zero, fmt.Errorf("%w: open log: %v", model.ErrIOFailure, err)
	}
	if _, err := file.Write(line); err != nil {
		_ = file.Close()
		return zero, fmt.Errorf("%w: append: %v", model.ErrIOFailure, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return zero, fmt.Errorf("%w: fsync: %v", model.ErrIOFailure, err)
	}
	if err := file.Close(); err != nil {
		return zero, fmt.Errorf("%w: close: %v", model.ErrIOFailure, err)
	}

	b.offsets = append(b.offsets, b.size)
	b.size += int64(len(line))
	b.head = record.Sequence

	metrics.EventsAppended.WithLabelValues(string(kind)).Inc()
	b.publishLocked(record)
	return record, nil
}

// Read returns a contiguous slice of records starting at fromSequence, up
// to limit, in ascending order. Returns empty when fromSequence exceeds the
// branch head.
func (j *Journal) Read(session model.SessionID, branch model.BranchID, fromSequence uint64, limit int) ([]model.EventRecord, error) {
	slog, err := j.session(session)
	if err != nil {
		return nil, err
	}
	b, err := slog.branch(branch)
	if err != nil {
		return nil, err
	}

	if fromSequence < 1 {
		fromSequence = 1
	}

	b.mu.Lock()
	head := b.head
	var start int64 = -1
	if fromSequence <= head {
		start = b.offsets[fromSequence-1]
	}
	b.mu.Unlock()

	if start < 0 || limit == 0 {
		return nil, nil
	}

	file, err := os.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open log: %v", model.ErrIOFailure, err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: seek: %v", model.ErrIOFailure, err)
	}

	reader := bufio.NewReader(file)
	var out []model.EventRecord
	expected := fromSequence
	for expected <= head && (limit < 0 || len(out) < limit) {
		line, err := reader.ReadBytes('\n')
		if len(line) == 0 {
			break
		}
		record, decodeErr := model.DecodeLine(line)
		if decodeErr != nil {
			return out, fmt.Errorf("read halted at sequence %d: %w", expected, decodeErr)
		}
		if record.Sequence != expected {
			return out, fmt.Errorf("%w: sequence %d where %d expected", model.ErrCorruptRecord, record.Sequence, expected)
		}
		out = append(out, record)
		expected++
		if err != nil {
			break
		}
	}
	return out, nil
}

// Head returns the branch's latest assigned sequence.
func (j *Journal) Head(session model.SessionID, branch model.BranchID) (uint64, error) {
	slog, err := j.session(session)
	if err != nil {
		return 0, err
	}
	b, err := slog.branch(branch)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, nil
}

// Branches lists the session's branch registry.
func (j *Journal) Branches(session model.SessionID) ([]model.BranchInfo, error) {
	slog, err := j.session(session)
	if err != nil {
		return nil, err
	}
	slog.mu.Lock()
	defer slog.mu.Unlock()
	out := make([]model.BranchInfo, 0, len(slog.branches))
	for _, b := range slog.branches {
		b.mu.Lock()
		out = append(out, b.info)
		b.mu.Unlock()
	}
	return out, nil
}

// BranchInfo returns one branch's registry entry.
func (j *Journal) BranchInfo(session model.SessionID, branch model.BranchID) (model.BranchInfo, error) {
	slog, err := j.session(session)
	if err != nil {
		return model.BranchInfo{}, err
	}
	b, err := slog.branch(branch)
	if err != nil {
		return model.BranchInfo{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info, nil
}

func (j *Journal) saveRegistry(session model.SessionID, slog *sessionLog) error {
	slog.mu.Lock()
	registry := make(map[model.BranchID]model.BranchInfo, len(slog.branches))
	for id, b := range slog.branches {
		b.mu.Lock()
		registry[id] = b.info
		b.mu.Unlock()
	}
	slog.mu.Unlock()
	return workspace.SaveJSON(j.layout.BranchesPath(session), registry)
}

// Fork creates a new branch whose fork point is atSequence on the parent.
// The child's numbering restarts at 1; its first event is a fork-marking
// Checkpoint built from the supplied payload.
func (j *Journal) Fork(session model.SessionID, parent model.BranchID, atSequence uint64, newBranch model.BranchID, checkpoint model.CheckpointPayload) (model.BranchInfo, error) {
	var zero model.BranchInfo

	if err := workspace.ValidateBranchID(newBranch.String()); err != nil {
		return zero, fmt.Errorf("%w: %v", model.ErrInvalidIntent, err)
	}

	slog, err := j.session(session)
	if err != nil {
		return zero, err
	}
	parentLog, err := slog.branch(parent)
	if err != nil {
		return zero, err
	}

	parentLog.mu.Lock()
	parentHead := parentLog.head
	parentStatus := parentLog.info.Status
	parentLog.mu.Unlock()

	if parentStatus == model.BranchAbandoned {
		return zero, fmt.Errorf("%w: cannot fork abandoned branch %s", model.ErrBranchClosed, parent)
	}
	if atSequence > parentHead {
		return zero, fmt.Errorf("%w: fork point %d exceeds parent head %d", model.ErrInvalidIntent, atSequence, parentHead)
	}

	info := model.BranchInfo{
		BranchID: newBranch,
		Parent:   parent,
		ForkAt:   atSequence,
		Status:   model.BranchOpen,
	}

	slog.mu.Lock()
	if _, exists := slog.branches[newBranch]; exists {
		slog.mu.Unlock()
		return zero, fmt.Errorf("%w: branch %s already exists", model.ErrInvalidIntent, newBranch)
	}
	slog.branches[newBranch] = &branchLog{info: info, path: j.layout.BranchLogPath(session, newBranch)}
	slog.mu.Unlock()

	if err := j.saveRegistry(session, slog); err != nil {
		return zero, err
	}

	checkpoint.ForkOf = &model.EventRef{Branch: parent, Sequence: atSequence}
	if _, err := j.Append(session, newBranch, model.KindCheckpoint, checkpoint, ""); err != nil {
		return zero, err
	}
	return info, nil
}

// Merge marks source as merged and appends a merge-referencing Checkpoint
// to target. Source must be an open descendant of target.
func (j *Journal) Merge(session model.SessionID, source, target model.BranchID, checkpoint model.CheckpointPayload) error {
	if source == target {
		return fmt.Errorf("%w: cannot merge a branch into itself", model.ErrInvalidIntent)
	}

	slog, err := j.session(session)
	if err != nil {
		return err
	}
	sourceLog, err := slog.branch(source)
	if err != nil {
		return err
	}
	if _, err := slog.branch(target); err != nil {
		return err
	}

	if !j.isDescendant(slog, source, target) {
		return fmt.Errorf("%w: %s is not a descendant of %s", model.ErrInvalidIntent, source, target)
	}

	sourceLog.mu.Lock()
	if sourceLog.info.Status == model.BranchMerged {
		sourceLog.mu.Unlock()
		return fmt.Errorf("%w: %s already merged", model.ErrBranchClosed, source)
	}
	if sourceLog.info.Status != model.BranchOpen {
		sourceLog.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", model.ErrBranchClosed, source, sourceLog.info.Status)
	}
	sourceHead := sourceLog.head
	sourceLog.info.Status = model.BranchMerged
	sourceLog.mu.Unlock()

	if err := j.saveRegistry(session, slog); err != nil {
		return err
	}

	checkpoint.MergedFrom = &model.EventRef{Branch: source, Sequence: sourceHead}
	_, err = j.Append(session, target, model.KindCheckpoint, checkpoint, "")
	return err
}

// Abandon closes a branch without merging it. Abandoned branches are
// read-only and cannot be forked from.
func (j *Journal) Abandon(session model.SessionID, branch model.BranchID) error {
	if branch == model.MainBranch {
		return fmt.Errorf("%w: main branch cannot be abandoned", model.ErrInvalidIntent)
	}
	slog, err := j.session(session)
	if err != nil {
		return err
	}
	b, err := slog.branch(branch)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.info.Status != model.BranchOpen {
		status := b.info.Status
		b.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", model.ErrBranchClosed, branch, status)
	}
	b.info.Status = model.BranchAbandoned
	b.mu.Unlock()

	return j.saveRegistry(session, slog)
}

// isDescendant walks the parent chain from source looking for target.
func (j *Journal) isDescendant(slog *sessionLog, source, target model.BranchID) bool {
	slog.mu.Lock()
	defer slog.mu.Unlock()
	current := source
	for i := 0; i < len(slog.branches)+1; i++ {
		b, ok := slog.branches[current]
		if !ok {
			return false
		}
		if b.info.Parent == target {
			return true
		}
		if b.info.Parent == "" {
			return false
		}
		current = b.info.Parent
	}
	return false
}
