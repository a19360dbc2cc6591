package kernel

import (
	"github.com/broomva/aiOS/internal/config"
	"github.com/broomva/aiOS/internal/model"
)

// selectMode composes the homeostasis controllers in strict priority order:
// approvals > budget/circuit > side-effect > context > uncertainty >
// sleep > default Execute. Ties resolve toward the more conservative mode.
func selectMode(state model.AgentStateVector, pendingApprovals int, circuitOpen bool, thresholds config.Thresholds, ceiling model.BudgetState) model.OperatingMode {
	// Human dependency: any pending approval forces AskHuman.
	if pendingApprovals > 0 {
		return model.ModeAskHuman
	}

	// Budget and circuit breaker force Recover.
	if state.Budget.Exhausted() {
		return model.ModeRecover
	}
	if circuitOpen || state.ErrorStreak >= thresholds.ErrorStreak {
		return model.ModeRecover
	}

	// Side-effect pressure routes through Verify before further writes.
	if state.SideEffectPressure > thresholds.SideEffect {
		return model.ModeVerify
	}

	// Budget low-water warnings also bias toward Verify.
	if state.Budget.LowWater(ceiling, thresholds.BudgetLowWater) {
		return model.ModeVerify
	}

	// Context pressure prefers Explore (summarize, compress) over Execute.
	if state.ContextPressure > thresholds.ContextPressure {
		return model.ModeExplore
	}

	// High uncertainty biases toward Explore.
	if state.Uncertainty > thresholds.Uncertainty {
		return model.ModeExplore
	}

	// Done enough and nothing pressing: park until the next external
	// signal. Sleeping ranks below the safety controllers so high progress
	// never skips a Verify or Explore pass.
	if state.Progress >= thresholds.SleepProgress {
		return model.ModeSleep
	}

	return model.ModeExecute
}
