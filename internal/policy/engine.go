// Package policy implements capability evaluation and the human approval
// queue. Evaluation touches only local state, the ticket store, and
// workspace metadata for symlink-aware path scopes; decisions are final for
// the request that produced them.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/broomva/aiOS/internal/model"
	"github.com/broomva/aiOS/internal/workspace"
)

// DecisionKind classifies the outcome of a capability evaluation.
type DecisionKind string

const (
	DecisionAllow           DecisionKind = "allow"
	DecisionRequireApproval DecisionKind = "require_approval"
	DecisionDeny            DecisionKind = "deny"
)

// Decision is the policy engine's answer for one intent.
type Decision struct {
	Kind   DecisionKind
	Ticket *model.ApprovalTicket
	Reason string
}

// Engine resolves intents against three rule layers, first match wins:
// session overrides, then capability defaults, then process-wide defaults.
// Any unrecognized capability is denied.
type Engine struct {
	mu                 sync.RWMutex
	sessionRules       map[model.SessionID][]model.PolicyRule
	capabilityDefaults map[model.Capability][]model.PolicyRule
	processDefaults    []model.PolicyRule

	approvals *ApprovalStore
}

// NewEngine creates a policy engine backed by the given approval store.
func NewEngine(approvals *ApprovalStore) *Engine {
	return &Engine{
		sessionRules:       make(map[model.SessionID][]model.PolicyRule),
		capabilityDefaults: make(map[model.Capability][]model.PolicyRule),
		approvals:          approvals,
	}
}

// SetSessionRules installs a session's rule layer: its manifest overrides
// first, then allow rules derived from the capabilities it requested.
func (e *Engine) SetSessionRules(session model.SessionID, rules []model.PolicyRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionRules[session] = append([]model.PolicyRule(nil), rules...)
}

// DropSession removes a session's rule layer.
func (e *Engine) DropSession(session model.SessionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessionRules, session)
}

// SetCapabilityDefault installs the default effect for one capability.
func (e *Engine) SetCapabilityDefault(rule model.PolicyRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.capabilityDefaults[rule.Capability] = append(e.capabilityDefaults[rule.Capability], rule)
}

// SetProcessDefaults installs the process-wide fallback rules.
func (e *Engine) SetProcessDefaults(rules []model.PolicyRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processDefaults = append([]model.PolicyRule(nil), rules...)
}

// Evaluate resolves an intent against the session's workspace root. A
// matching approve rule opens a pending ticket bound to the requesting
// event.
func (e *Engine) Evaluate(session model.SessionID, branch model.BranchID, requestingSequence uint64, workspaceRoot string, intent model.Intent) (Decision, error) {
	if err := validateIntent(intent); err != nil {
		return Decision{}, err
	}

	e.mu.RLock()
	layers := [][]model.PolicyRule{
		e.sessionRules[session],
		e.capabilityDefaults[intent.Capability],
		e.processDefaults,
	}
	e.mu.RUnlock()

	for _, layer := range layers {
		for _, rule := range layer {
			if rule.Capability != intent.Capability {
				continue
			}
			ok, err := scopeMatches(rule.Scope, workspaceRoot, intent)
			if err != nil {
				return Decision{}, err
			}
			if !ok {
				continue
			}
			switch rule.Effect {
			case model.EffectAllow:
				return Decision{Kind: DecisionAllow}, nil
			case model.EffectDeny:
				return Decision{Kind: DecisionDeny, Reason: fmt.Sprintf("capability %s denied by policy", intent.Capability)}, nil
			case model.EffectApprove:
				ticket, err := e.approvals.Create(session, branch, requestingSequence, intent)
				if err != nil {
					return Decision{}, err
				}
				return Decision{Kind: DecisionRequireApproval, Ticket: ticket}, nil
			}
		}
	}

	return Decision{
		Kind:   DecisionDeny,
		Reason: fmt.Sprintf("no grant for capability %s", intent.Capability),
	}, nil
}

// Approvals exposes the ticket store for resolution and expiry sweeps.
func (e *Engine) Approvals() *ApprovalStore {
	return e.approvals
}

func validateIntent(intent model.Intent) error {
	if intent.Capability == "" {
		return fmt.Errorf("%w: missing capability", model.ErrInvalidIntent)
	}
	switch intent.Capability {
	case model.CapFSRead, model.CapFSWrite:
		if intent.Path == "" {
			return fmt.Errorf("%w: %s requires a path", model.ErrInvalidIntent, intent.Capability)
		}
	case model.CapShellExec:
		if len(intent.Argv) == 0 {
			return fmt.Errorf("%w: shell.exec requires argv", model.ErrInvalidIntent)
		}
	case model.CapNetEgress:
		if intent.Host == "" {
			return fmt.Errorf("%w: net.egress requires a host", model.ErrInvalidIntent)
		}
	}
	return nil
}

// scopeMatches applies the per-capability scope predicates: canonicalized
// path prefix (symlinks resolved inside the workspace root) for fs, argv[0]
// allowlist plus argument regex for shell, host:port tuples for net.
func scopeMatches(scope model.CapabilityScope, workspaceRoot string, intent model.Intent) (bool, error) {
	if scope.IsUnrestricted() {
		return true, nil
	}

	if len(scope.PathPrefixes) > 0 {
		if intent.Path == "" {
			return false, nil
		}
		canonical, err := workspace.CanonicalPath(workspaceRoot, strings.TrimPrefix(intent.Path, "/"))
		if err != nil {
			// A path that cannot be canonicalized inside the workspace
			// matches no grant.
			return false, nil
		}
		matched := false
		for _, prefix := range scope.PathPrefixes {
			canonicalPrefix, err := workspace.CanonicalPath(workspaceRoot, strings.TrimPrefix(prefix, "/"))
			if err != nil {
				continue
			}
			if canonical == canonicalPrefix || strings.HasPrefix(canonical, canonicalPrefix+"/") {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}

	if len(scope.Commands) > 0 {
		if len(intent.Argv) == 0 {
			return false, nil
		}
		matched := false
		for _, command := range scope.Commands {
			if command == intent.Argv[0] {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}

	if scope.ArgPattern != "" {
		pattern, err := regexp.Compile(scope.ArgPattern)
		if err != nil {
			return false, fmt.Errorf("%w: bad argument pattern %q: %v", model.ErrInvalidIntent, scope.ArgPattern, err)
		}
		args := ""
		if len(intent.Argv) > 1 {
			args = strings.Join(intent.Argv[1:], " ")
		}
		if !pattern.MatchString(args) {
			return false, nil
		}
	}

	if len(scope.Hosts) > 0 {
		matched := false
		for _, host := range scope.Hosts {
			if host == intent.Host {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}

	return true, nil
}

// RulesFromManifest builds a session's rule layer: explicit overrides
// first, then plain allow grants for each requested capability. Capability
// strings may carry a command scope suffix ("shell.exec:echo").
func RulesFromManifest(manifest model.SessionManifest) []model.PolicyRule {
	rules := append([]model.PolicyRule(nil), manifest.PolicyOverrides...)
	for _, capability := range manifest.Capabilities {
		rule := model.PolicyRule{Capability: capability, Effect: model.EffectAllow}
		if name, scope, found := strings.Cut(capability.String(), ":"); found {
			rule.Capability = model.Capability(name)
			switch rule.Capability {
			case model.CapShellExec:
				rule.Scope.Commands = []string{scope}
			case model.CapFSRead, model.CapFSWrite:
				rule.Scope.PathPrefixes = []string{scope}
			case model.CapNetEgress:
				rule.Scope.Hosts = []string{scope}
			}
		}
		rules = append(rules, rule)
	}
	return rules
}
