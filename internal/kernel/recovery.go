package kernel

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/broomva/aiOS/internal/logger"
	"github.com/broomva/aiOS/internal/metrics"
	"github.com/broomva/aiOS/internal/model"
	"github.com/broomva/aiOS/internal/policy"
	"github.com/broomva/aiOS/internal/tool"
	"github.com/broomva/aiOS/internal/workspace"
)

// Restore reloads every session found under the workspace root. Called on
// startup before the runtime accepts ticks.
func (r *Runtime) Restore() (int, error) {
	sessions, err := r.sessionDirs()
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, session := range sessions {
		if err := r.RestoreSession(session); err != nil {
			logger.Slog().Error("failed to restore session", "session_id", session, "error", err)
			continue
		}
		restored++
	}
	return restored, nil
}

// RestoreSession rebuilds one session from its journal: state from the last
// Checkpoint forward, aborted-tick detection, workspace reconciliation, and
// re-queueing of calls still suspended on approvals. Tool side effects in
// the journal are authoritative; the workspace is made to match them.
func (r *Runtime) RestoreSession(session model.SessionID) error {
	r.mu.Lock()
	if _, loaded := r.sessions[session]; loaded {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	var manifest model.SessionManifest
	if err := workspace.LoadJSON(r.layout.ManifestPath(session), &manifest); err != nil {
		return err
	}
	if err := r.journal.OpenSession(session); err != nil {
		return err
	}
	r.engine.SetSessionRules(session, policy.RulesFromManifest(manifest))

	records, err := r.journal.Read(session, model.MainBranch, 1, -1)
	if err != nil {
		return err
	}

	replay, err := replayMain(records)
	if err != nil {
		return err
	}

	if err := r.reconcileWorkspace(session); err != nil {
		return err
	}

	queue, err := r.rebuildSuspendedCalls(session, records)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &sessionState{
		manifest:    manifest,
		branch:      model.MainBranch,
		mode:        replay.mode,
		state:       replay.state,
		tick:        replay.tick,
		queue:       queue,
		lastEventAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
	if state.state.Budget == (model.BudgetState{}) {
		state.state = model.NewStateVector(manifest.Budget)
	}

	r.mu.Lock()
	r.sessions[session] = state
	r.mu.Unlock()
	metrics.ActiveSessions.Inc()

	if _, err := r.journal.Append(session, model.MainBranch, model.KindSessionResumed,
		model.SessionResumedPayload{AbortedTick: replay.abortedTick}, ""); err != nil {
		return err
	}

	logger.Slog().Info("session restored",
		"session_id", session, "tick", state.tick, "aborted_tick", replay.abortedTick)
	return nil
}

type replayResult struct {
	state       model.AgentStateVector
	mode        model.OperatingMode
	tick        uint64
	abortedTick bool
}

// replayMain folds the main branch into the runtime state: the last
// Checkpoint is the base, later StateEstimated records refine it, and a
// TickStarted with no following Heartbeat marks an aborted tick.
func replayMain(records []model.EventRecord) (replayResult, error) {
	result := replayResult{mode: model.ModeExplore}

	var lastTickStartedSeq, lastHeartbeatSeq uint64
	var lastTickNumber uint64

	for _, record := range records {
		switch record.Kind {
		case model.KindCheckpoint:
			var payload model.CheckpointPayload
			if err := record.DecodePayload(&payload); err != nil {
				return result, fmt.Errorf("bad checkpoint at %s: %w", record.Ref(), err)
			}
			result.state = payload.State
			result.mode = payload.Mode
		case model.KindStateEstimated:
			var payload model.StateEstimatedPayload
			if err := record.DecodePayload(&payload); err != nil {
				return result, fmt.Errorf("bad state estimate at %s: %w", record.Ref(), err)
			}
			result.state = payload.State
			result.mode = payload.Mode
		case model.KindTickStarted:
			var payload model.TickStartedPayload
			if err := record.DecodePayload(&payload); err != nil {
				return result, fmt.Errorf("bad tick start at %s: %w", record.Ref(), err)
			}
			lastTickStartedSeq = record.Sequence
			lastTickNumber = payload.Tick
		case model.KindHeartbeat:
			lastHeartbeatSeq = record.Sequence
		}
	}

	result.abortedTick = lastTickStartedSeq > lastHeartbeatSeq
	if result.abortedTick && lastTickNumber > 0 {
		// The interrupted tick is retried under the same number.
		result.tick = lastTickNumber - 1
	} else {
		result.tick = lastTickNumber
	}
	return result, nil
}

// reconcileWorkspace replays file mutation events across every branch and
// rewrites any divergent file so the workspace matches the journal.
func (r *Runtime) reconcileWorkspace(session model.SessionID) error {
	branches, err := r.journal.Branches(session)
	if err != nil {
		return err
	}

	for _, branch := range branches {
		records, err := r.journal.Read(session, branch.BranchID, 1, -1)
		if err != nil {
			return err
		}

		type fileState struct {
			content []byte
			sha256  string
			deleted bool
		}
		files := make(map[string]*fileState)

		for _, record := range records {
			switch record.Kind {
			case model.KindFileWrite:
				var payload model.FileWritePayload
				if err := record.DecodePayload(&payload); err != nil {
					return err
				}
				files[payload.Path] = &fileState{content: payload.Content, sha256: payload.SHA256}
			case model.KindFileDelete:
				var payload model.FileDeletePayload
				if err := record.DecodePayload(&payload); err != nil {
					return err
				}
				files[payload.Path] = &fileState{deleted: true}
			case model.KindFileRename:
				var payload model.FileRenamePayload
				if err := record.DecodePayload(&payload); err != nil {
					return err
				}
				if from, ok := files[payload.From]; ok {
					files[payload.To] = from
				} else {
					files[payload.To] = &fileState{}
				}
				files[payload.From] = &fileState{deleted: true}
			}
		}

		root := r.layout.SessionRoot(session)
		for path, final := range files {
			absolute, err := workspace.ContainedPath(root, path)
			if err != nil {
				logger.Slog().Warn("skipping unreconcilable path", "path", path, "error", err)
				continue
			}
			if final.deleted {
				if _, statErr := os.Stat(absolute); statErr == nil {
					if err := os.Remove(absolute); err != nil {
						return fmt.Errorf("%w: reconcile delete %s: %v", model.ErrIOFailure, path, err)
					}
				}
				continue
			}
			if final.sha256 == "" {
				continue
			}
			current, readErr := os.ReadFile(absolute)
			if readErr == nil {
				sum := sha256.Sum256(current)
				if hex.EncodeToString(sum[:]) == final.sha256 {
					continue
				}
				if bytes.Equal(current, final.content) {
					continue
				}
			}
			if len(final.content) == 0 && readErr == nil {
				// Content was not journaled; the on-disk copy is all we have.
				continue
			}
			if err := writeReconciled(absolute, final.content); err != nil {
				return err
			}
			logger.Slog().Info("reconciled divergent file", "session_id", session, "path", path)
		}
	}
	return nil
}

func writeReconciled(absolute string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(absolute), 0o755); err != nil {
		return fmt.Errorf("%w: %v", model.ErrIOFailure, err)
	}
	if err := os.WriteFile(absolute, content, 0o644); err != nil {
		return fmt.Errorf("%w: %v", model.ErrIOFailure, err)
	}
	return nil
}

// rebuildSuspendedCalls re-queues requests whose approval tickets are still
// open: an ApprovalRequired with no matching resolution or terminal event.
func (r *Runtime) rebuildSuspendedCalls(session model.SessionID, records []model.EventRecord) ([]*queuedCall, error) {
	calls := make(map[model.ToolRunID]model.ToolCall)
	type openTicket struct {
		ticketID model.TicketID
		runID    model.ToolRunID
	}
	open := make(map[model.TicketID]openTicket)
	ticketByRun := make(map[model.ToolRunID]model.TicketID)

	for _, record := range records {
		switch record.Kind {
		case model.KindToolRequested:
			var payload model.ToolRequestedPayload
			if err := record.DecodePayload(&payload); err != nil {
				return nil, err
			}
			calls[payload.RunID] = payload.Call
		case model.KindApprovalRequired:
			var payload model.ApprovalRequiredPayload
			if err := record.DecodePayload(&payload); err != nil {
				return nil, err
			}
			open[payload.TicketID] = openTicket{ticketID: payload.TicketID, runID: payload.RunID}
			ticketByRun[payload.RunID] = payload.TicketID
		case model.KindApprovalResolved:
			var payload model.ApprovalResolvedPayload
			if err := record.DecodePayload(&payload); err != nil {
				return nil, err
			}
			delete(open, payload.TicketID)
		case model.KindToolCompleted:
			var payload model.ToolCompletedPayload
			if err := record.DecodePayload(&payload); err != nil {
				return nil, err
			}
			if ticketID, ok := ticketByRun[payload.RunID]; ok {
				delete(open, ticketID)
			}
		case model.KindToolFailed:
			var payload model.ToolFailedPayload
			if err := record.DecodePayload(&payload); err != nil {
				return nil, err
			}
			if ticketID, ok := ticketByRun[payload.RunID]; ok {
				delete(open, ticketID)
			}
		}
	}

	var queue []*queuedCall
	for _, entry := range open {
		call, ok := calls[entry.runID]
		if !ok {
			continue
		}
		ticket, err := r.engine.Approvals().Get(entry.ticketID)
		if err != nil {
			logger.Slog().Warn("open approval in journal missing from store",
				"session_id", session, "ticket_id", entry.ticketID, "error", err)
			continue
		}
		if ticket.Status != model.ApprovalPending && ticket.Status != model.ApprovalGranted {
			continue
		}
		queue = append(queue, &queuedCall{
			branch: ticket.BranchID,
			call:   call,
			pending: &tool.PendingCall{
				RunID:    entry.runID,
				Call:     call,
				TicketID: entry.ticketID,
				Intent:   ticket.Intent,
			},
			granted: ticket.Status == model.ApprovalGranted,
		})
	}
	return queue, nil
}
