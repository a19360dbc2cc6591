package kernel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/broomva/aiOS/internal/logger"
	"github.com/broomva/aiOS/internal/memory"
	"github.com/broomva/aiOS/internal/metrics"
	"github.com/broomva/aiOS/internal/model"
	"github.com/broomva/aiOS/internal/tool"
	"github.com/broomva/aiOS/internal/workspace"
)

// TickOutcome reports one tick advance to the embedding host.
type TickOutcome struct {
	SessionID    model.SessionID        `json:"session_id"`
	Tick         uint64                 `json:"tick"`
	Mode         model.OperatingMode    `json:"mode"`
	State        model.AgentStateVector `json:"state"`
	Branch       model.BranchID         `json:"branch"`
	LastSequence uint64                 `json:"last_sequence"`
	ToolStatus   tool.Status            `json:"tool_status,omitempty"`
}

// sandboxOriginReasons are the failure reasons that count as runtime errors
// for the error controller. Policy denials and lookup misses are final for
// the request but are not agent malfunctions.
var sandboxOriginReasons = map[model.FailureReason]bool{
	model.ReasonSandboxViolation: true,
	model.ReasonTimedOut:         true,
	model.ReasonCancelled:        true,
	model.ReasonIOFailure:        true,
}

// Tick advances a session by one pass through the state machine:
// Sense → Estimate → Gate → Execute → Commit → Reflect → Heartbeat.
// Only one tick per session runs at a time; a journal append failure aborts
// the tick and parks the session in Recover.
func (r *Runtime) Tick(session model.SessionID) (TickOutcome, error) {
	state, err := r.session(session)
	if err != nil {
		return TickOutcome{}, err
	}

	r.locks.Lock(session.String())
	defer r.locks.Unlock(session.String())

	if state.suspended {
		return r.outcome(session, state, tool.Status("")), nil
	}

	started := time.Now()
	outcome, err := r.tickLocked(session, state)
	if err != nil {
		state.mode = model.ModeRecover
		logger.Slog().Error("tick aborted", "session_id", session, "error", err)
		return TickOutcome{}, err
	}
	metrics.TickDuration.Observe(time.Since(started).Seconds())
	metrics.TicksTotal.WithLabelValues(string(state.mode)).Inc()
	return outcome, nil
}

func (r *Runtime) tickLocked(session model.SessionID, state *sessionState) (TickOutcome, error) {
	tickNo := state.tick + 1

	// Ticks land on the branch of the request being driven; lifecycle
	// events follow the work.
	branch := state.branch
	if len(state.queue) > 0 {
		branch = state.queue[0].branch
	}

	// Sense.
	if _, err := r.journal.Append(session, branch, model.KindTickStarted,
		model.TickStartedPayload{Tick: tickNo}, ""); err != nil {
		return TickOutcome{}, err
	}
	pending, err := r.engine.Approvals().PendingForSession(session)
	if err != nil {
		return TickOutcome{}, err
	}

	// Estimate.
	prevMode := state.mode
	mode := selectMode(state.state, len(pending), state.circuitOpen, r.cfg.Thresholds, state.manifest.Budget)
	if _, err := r.journal.Append(session, branch, model.KindStateEstimated,
		model.StateEstimatedPayload{State: state.state, Mode: mode}, ""); err != nil {
		return TickOutcome{}, err
	}
	if mode != prevMode {
		if _, err := r.journal.Append(session, branch, model.KindModeChanged,
			model.ModeChangedPayload{From: prevMode, To: mode}, ""); err != nil {
			return TickOutcome{}, err
		}
	}

	// Gate + Execute + Commit.
	var toolOutcome *tool.Outcome
	if mode != model.ModeAskHuman && mode != model.ModeSleep && len(state.queue) > 0 {
		queued := state.queue[0]
		var dispatched tool.Outcome
		var dispatchErr error
		if queued.pending != nil {
			if queued.granted {
				dispatched, dispatchErr = r.dispatcher.DispatchResolved(state.ctx, session, queued.branch, *queued.pending, true, &state.state.Budget, "")
			} else {
				// Not granted yet but no pending ticket held the session in
				// AskHuman: the ticket must have expired.
				ticket, ticketErr := r.engine.Approvals().Get(queued.pending.TicketID)
				if ticketErr == nil && ticket.Status == model.ApprovalExpired {
					failed, failErr := r.dispatcher.FailPending(session, queued.branch, *queued.pending,
						model.ReasonApprovalExpired, "approval ticket expired")
					if failErr != nil {
						return TickOutcome{}, failErr
					}
					state.queue = state.queue[1:]
					toolOutcome = &failed
				}
			}
		} else {
			dispatched, dispatchErr = r.dispatcher.Dispatch(state.ctx, session, queued.branch, queued.call, &state.state.Budget)
		}
		if dispatchErr != nil {
			return TickOutcome{}, dispatchErr
		}

		if queued.pending == nil || queued.granted {
			toolOutcome = &dispatched
			switch dispatched.Status {
			case tool.StatusAwaitingApproval:
				queued.pending = &tool.PendingCall{
					RunID:    dispatched.RunID,
					Call:     queued.call,
					TicketID: dispatched.Ticket.TicketID,
					Intent:   dispatched.Ticket.Intent,
				}
				if mode != model.ModeAskHuman {
					if _, err := r.journal.Append(session, branch, model.KindModeChanged,
						model.ModeChangedPayload{From: mode, To: model.ModeAskHuman}, ""); err != nil {
						return TickOutcome{}, err
					}
					mode = model.ModeAskHuman
				}
			case tool.StatusCompleted:
				state.queue = state.queue[1:]
				state.state.ApplyToolSuccess()
				state.state.DebitToolRun(dispatched.Report.DurationMS)
			case tool.StatusFailed:
				state.queue = state.queue[1:]
				if dispatched.Reason == model.ReasonBudgetExhausted {
					if mode != model.ModeRecover {
						if _, err := r.journal.Append(session, branch, model.KindModeChanged,
							model.ModeChangedPayload{From: mode, To: model.ModeRecover}, ""); err != nil {
							return TickOutcome{}, err
						}
						mode = model.ModeRecover
					}
				} else if sandboxOriginReasons[dispatched.Reason] {
					state.state.ApplyToolFailure()
				}
			}
		}
	}

	// Reflect.
	if toolOutcome != nil && toolOutcome.TerminalEvent != nil {
		if err := r.reflect(session, branch, *toolOutcome.TerminalEvent); err != nil {
			return TickOutcome{}, err
		}
	}

	// Error controller: trip the circuit once per streak.
	if state.state.ErrorStreak >= r.cfg.Thresholds.ErrorStreak && !state.circuitOpen {
		state.circuitOpen = true
		metrics.CircuitTrips.Inc()
		tripped, err := r.journal.Append(session, branch, model.KindCircuitTripped, model.CircuitTrippedPayload{
			ErrorStreak: state.state.ErrorStreak,
			Reason:      "error streak reached threshold",
		}, "")
		if err != nil {
			return TickOutcome{}, err
		}
		if err := r.reflect(session, branch, tripped); err != nil {
			return TickOutcome{}, err
		}
		if mode != model.ModeRecover {
			if _, err := r.journal.Append(session, branch, model.KindModeChanged,
				model.ModeChangedPayload{From: mode, To: model.ModeRecover}, ""); err != nil {
				return TickOutcome{}, err
			}
			mode = model.ModeRecover
		}
	}
	if state.state.ErrorStreak == 0 {
		state.circuitOpen = false
	}

	// Heartbeat: checkpoint every tick, then the heartbeat pair.
	checkpointID, err := r.checkpoint(session, branch, state, mode)
	if err != nil {
		return TickOutcome{}, err
	}
	if err := r.heartbeat(session, branch, state, mode, tickNo, checkpointID, false); err != nil {
		return TickOutcome{}, err
	}

	state.mode = mode
	state.tick = tickNo
	state.lastEventAt = time.Now()

	status := tool.Status("")
	if toolOutcome != nil {
		status = toolOutcome.Status
	}
	return r.outcome(session, state, status), nil
}

// reflect extracts an observation from the tool's terminal event and
// journals its provenance.
func (r *Runtime) reflect(session model.SessionID, branch model.BranchID, terminal model.EventRecord) error {
	observation := memory.Extract(terminal)
	if observation == nil {
		return nil
	}
	wrote, err := r.memory.Record(*observation)
	if err != nil {
		return err
	}
	if !wrote {
		return nil
	}
	_, err = r.journal.Append(session, branch, model.KindObservationRecorded, model.ObservationRecordedPayload{
		ObservationID: observation.ObservationID,
		SourceEventID: observation.SourceEventID,
		Kind:          observation.Kind,
	}, terminal.Ref().String())
	return err
}

// checkpoint writes the Checkpoint event plus its on-disk manifest. The
// payload is a pointer into the journal, not a copy of data.
func (r *Runtime) checkpoint(session model.SessionID, branch model.BranchID, state *sessionState, mode model.OperatingMode) (model.CheckpointID, error) {
	checkpointID := model.NewCheckpointID()

	digest, err := r.memory.Digest(session)
	if err != nil {
		return "", err
	}
	head, err := r.journal.Head(session, branch)
	if err != nil {
		return "", err
	}

	record, err := r.journal.Append(session, branch, model.KindCheckpoint, model.CheckpointPayload{
		CheckpointID: checkpointID,
		State:        state.state,
		Mode:         mode,
		BranchHead:   head,
		MemoryDigest: digest,
	}, "")
	if err != nil {
		return "", err
	}

	stateHash, err := hashJSON(state.state)
	if err != nil {
		return "", err
	}
	manifest := model.CheckpointManifest{
		CheckpointID:  checkpointID,
		SessionID:     session,
		BranchID:      branch,
		CreatedAt:     time.Now().UTC(),
		EventSequence: record.Sequence,
		Mode:          mode,
		StateHash:     stateHash,
		MemoryDigest:  digest,
	}
	dir := r.layout.CheckpointDir(session, checkpointID)
	if err := workspace.SaveJSON(filepath.Join(dir, "manifest.json"), manifest); err != nil {
		return "", err
	}
	return checkpointID, nil
}

// heartbeat writes state/heartbeat.json and the Heartbeat event.
func (r *Runtime) heartbeat(session model.SessionID, branch model.BranchID, state *sessionState, mode model.OperatingMode, tick uint64, checkpointID model.CheckpointID, idle bool) error {
	snapshot := map[string]any{
		"at":    time.Now().UTC(),
		"tick":  tick,
		"mode":  mode,
		"state": state.state,
	}
	if err := workspace.SaveJSON(r.layout.HeartbeatPath(session), snapshot); err != nil {
		return err
	}
	_, err := r.journal.Append(session, branch, model.KindHeartbeat, model.HeartbeatPayload{
		Tick:         tick,
		Mode:         mode,
		CheckpointID: checkpointID,
		Idle:         idle,
	}, "")
	return err
}

func (r *Runtime) outcome(session model.SessionID, state *sessionState, status tool.Status) TickOutcome {
	head, err := r.journal.Head(session, state.branch)
	if err != nil {
		head = 0
	}
	return TickOutcome{
		SessionID:    session,
		Tick:         state.tick,
		Mode:         state.mode,
		State:        state.state,
		Branch:       state.branch,
		LastSequence: head,
		ToolStatus:   status,
	}
}

func hashJSON(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to hash state: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
