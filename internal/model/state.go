package model

// OperatingMode is the agent's current behavioral envelope, selected each
// tick by the homeostasis controllers.
type OperatingMode string

const (
	ModeExplore  OperatingMode = "explore"
	ModeExecute  OperatingMode = "execute"
	ModeVerify   OperatingMode = "verify"
	ModeRecover  OperatingMode = "recover"
	ModeAskHuman OperatingMode = "ask_human"
	ModeSleep    OperatingMode = "sleep"
)

// RiskLevel classifies how dangerous the agent's current trajectory is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// BudgetState counts remaining resources down from session-configured
// ceilings. Any dimension reaching zero forces Recover.
type BudgetState struct {
	Tokens      int64   `json:"tokens"`
	TimeMS      int64   `json:"time_ms"`
	CostUnits   float64 `json:"cost_units"`
	ToolCalls   int64   `json:"tool_calls"`
	ErrorBudget int64   `json:"error_budget"`
}

// Exhausted reports whether any budget dimension has run out.
func (b BudgetState) Exhausted() bool {
	return b.Tokens <= 0 || b.TimeMS <= 0 || b.CostUnits <= 0 ||
		b.ToolCalls <= 0 || b.ErrorBudget <= 0
}

// LowWater reports whether any dimension is at or below the given fraction
// of its ceiling. Used to bias mode selection toward Verify.
func (b BudgetState) LowWater(ceiling BudgetState, fraction float64) bool {
	low := func(remaining, total int64) bool {
		return total > 0 && float64(remaining) <= float64(total)*fraction
	}
	return low(b.Tokens, ceiling.Tokens) ||
		low(b.TimeMS, ceiling.TimeMS) ||
		low(b.ToolCalls, ceiling.ToolCalls) ||
		low(b.ErrorBudget, ceiling.ErrorBudget) ||
		(ceiling.CostUnits > 0 && b.CostUnits <= ceiling.CostUnits*fraction)
}

// AgentStateVector is the homeostatic state the controllers act on.
// Scalars are in [0,1] except ErrorStreak and the budget ledger.
type AgentStateVector struct {
	Progress           float64     `json:"progress"`
	Uncertainty        float64     `json:"uncertainty"`
	RiskLevel          RiskLevel   `json:"risk_level"`
	ErrorStreak        int         `json:"error_streak"`
	ContextPressure    float64     `json:"context_pressure"`
	SideEffectPressure float64     `json:"side_effect_pressure"`
	HumanDependency    float64     `json:"human_dependency"`
	Budget             BudgetState `json:"budget"`
}

// DefaultBudget is the ceiling applied when a manifest does not set one.
var DefaultBudget = BudgetState{
	Tokens:      200_000,
	TimeMS:      30 * 60 * 1000,
	CostUnits:   10,
	ToolCalls:   256,
	ErrorBudget: 8,
}

// NewStateVector returns the starting state for a fresh session.
func NewStateVector(budget BudgetState) AgentStateVector {
	return AgentStateVector{
		Progress:    0,
		Uncertainty: 0.35,
		RiskLevel:   RiskLow,
		Budget:      budget,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ApplyToolSuccess updates the vector after a successful tool run.
func (s *AgentStateVector) ApplyToolSuccess() {
	s.Progress = clamp01(s.Progress + 0.12)
	s.Uncertainty = s.Uncertainty * 0.85
	if s.Uncertainty < 0.05 {
		s.Uncertainty = 0.05
	}
	s.ErrorStreak = 0
	s.SideEffectPressure = clamp01(s.SideEffectPressure + 0.2)
	s.finishToolRun()
}

// ApplyToolFailure updates the vector after a failed tool run.
func (s *AgentStateVector) ApplyToolFailure() {
	s.ErrorStreak++
	s.Uncertainty = clamp01(s.Uncertainty + 0.18)
	s.SideEffectPressure = s.SideEffectPressure * 0.5
	if s.SideEffectPressure < 0.1 {
		s.SideEffectPressure = 0.1
	}
	if s.Budget.ErrorBudget > 0 {
		s.Budget.ErrorBudget--
	}
	s.finishToolRun()
}

func (s *AgentStateVector) finishToolRun() {
	s.ContextPressure = clamp01(s.ContextPressure + 0.03)
	if s.ErrorStreak >= 2 {
		s.HumanDependency = 0.6
	} else {
		s.HumanDependency = 0
	}
	s.RiskLevel = deriveRisk(s.Uncertainty, s.SideEffectPressure)
}

func deriveRisk(uncertainty, sideEffect float64) RiskLevel {
	switch {
	case uncertainty > 0.75 || sideEffect > 0.7:
		return RiskHigh
	case uncertainty > 0.45 || sideEffect > 0.4:
		return RiskMedium
	default:
		return RiskLow
	}
}

// DebitToolRun charges the fixed per-run token and cost debits and the run's
// measured duration against the time budget. ToolCalls itself is
// decremented by the dispatcher before execution.
func (s *AgentStateVector) DebitToolRun(durationMS int64) {
	s.Budget.Tokens -= 750
	s.Budget.TimeMS -= durationMS
	s.Budget.CostUnits -= 0.01
}
