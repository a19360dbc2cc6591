package kernel

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/broomva/aiOS/internal/logger"
)

// Janitor runs the kernel's periodic maintenance: expiring overdue approval
// tickets and heartbeating sessions that are otherwise quiet.
type Janitor struct {
	runtime *Runtime
	cron    *cron.Cron
	// idleAfter is how long a session may be silent before the janitor
	// emits an idle heartbeat for it.
	idleAfter time.Duration
}

// NewJanitor schedules maintenance on the given cron expression (standard
// five-field syntax).
func NewJanitor(runtime *Runtime, cronExpr string, idleAfter time.Duration) (*Janitor, error) {
	if idleAfter <= 0 {
		idleAfter = time.Minute
	}
	j := &Janitor{
		runtime:   runtime,
		cron:      cron.New(),
		idleAfter: idleAfter,
	}
	if _, err := j.cron.AddFunc(cronExpr, j.sweep); err != nil {
		return nil, fmt.Errorf("invalid janitor cron expression %q: %w", cronExpr, err)
	}
	return j, nil
}

// Start begins the maintenance schedule.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// sweep is one maintenance pass.
func (j *Janitor) sweep() {
	expired, err := j.runtime.engine.Approvals().Expire(time.Now())
	if err != nil {
		logger.Slog().Error("approval expiry sweep failed", "error", err)
	} else if expired > 0 {
		logger.Slog().Info("expired overdue approvals", "count", expired)
	}

	j.heartbeatIdleSessions()
}

// heartbeatIdleSessions emits Heartbeat events for quiet sessions so
// observers can distinguish idle from dead. Sessions mid-tick are skipped
// rather than waited on.
func (j *Janitor) heartbeatIdleSessions() {
	for _, session := range j.runtime.Sessions() {
		state, err := j.runtime.session(session)
		if err != nil {
			continue
		}
		if !j.runtime.locks.TryLock(session.String()) {
			continue
		}
		if !state.suspended && time.Since(state.lastEventAt) >= j.idleAfter {
			if err := j.runtime.heartbeat(session, state.branch, state, state.mode, state.tick, "", true); err != nil {
				logger.Slog().Error("idle heartbeat failed", "session_id", session, "error", err)
			} else {
				state.lastEventAt = time.Now()
			}
		}
		j.runtime.locks.Unlock(session.String())
	}
}

// Entries exposes the schedule for observability endpoints.
func (j *Janitor) Entries() []cron.Entry {
	return j.cron.Entries()
}
