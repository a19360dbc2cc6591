package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/broomva/aiOS/internal/model"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := NewApprovalStore(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatalf("approval store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(store)
}

func fsWriteIntent(path string) model.Intent {
	return model.Intent{
		Capability: model.CapFSWrite,
		Call:       model.ToolCall{Tool: "fs.write"},
		Path:       path,
	}
}

func shellIntent(argv ...string) model.Intent {
	return model.Intent{
		Capability: model.CapShellExec,
		Call:       model.ToolCall{Tool: "shell.exec"},
		Argv:       argv,
	}
}

func TestEvaluateDeniesWithoutGrant(t *testing.T) {
	engine := newTestEngine(t)
	session := model.NewSessionID()

	decision, err := engine.Evaluate(session, model.MainBranch, 1, t.TempDir(), fsWriteIntent("x"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Kind != DecisionDeny {
		t.Fatalf("default for ungranted capability must be deny, got %s", decision.Kind)
	}
}

func TestSessionGrantAllows(t *testing.T) {
	engine := newTestEngine(t)
	session := model.NewSessionID()
	engine.SetSessionRules(session, []model.PolicyRule{
		{Capability: model.CapFSWrite, Effect: model.EffectAllow},
	})

	decision, err := engine.Evaluate(session, model.MainBranch, 1, t.TempDir(), fsWriteIntent("artifacts/out.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if decision.Kind != DecisionAllow {
		t.Fatalf("kind = %s, want allow", decision.Kind)
	}

	// The grant is per-session.
	other := model.NewSessionID()
	decision, err = engine.Evaluate(other, model.MainBranch, 1, t.TempDir(), fsWriteIntent("artifacts/out.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if decision.Kind != DecisionDeny {
		t.Fatalf("other session got %s, want deny", decision.Kind)
	}
}

func TestResolutionOrderFirstMatchWins(t *testing.T) {
	engine := newTestEngine(t)
	session := model.NewSessionID()

	// Capability default says approve, session override says deny.
	engine.SetCapabilityDefault(model.PolicyRule{Capability: model.CapShellExec, Effect: model.EffectApprove})
	engine.SetSessionRules(session, []model.PolicyRule{
		{Capability: model.CapShellExec, Effect: model.EffectDeny},
	})

	decision, err := engine.Evaluate(session, model.MainBranch, 1, t.TempDir(), shellIntent("rm", "-rf", "/tmp/x"))
	if err != nil {
		t.Fatal(err)
	}
	if decision.Kind != DecisionDeny {
		t.Fatalf("session override must win, got %s", decision.Kind)
	}

	// Without the override the capability default applies.
	engine.SetSessionRules(session, nil)
	decision, err = engine.Evaluate(session, model.MainBranch, 2, t.TempDir(), shellIntent("rm", "-rf", "/tmp/x"))
	if err != nil {
		t.Fatal(err)
	}
	if decision.Kind != DecisionRequireApproval {
		t.Fatalf("kind = %s, want require_approval", decision.Kind)
	}
	if decision.Ticket == nil || decision.Ticket.Status != model.ApprovalPending {
		t.Fatalf("ticket = %+v", decision.Ticket)
	}
}

func TestScopeMatching(t *testing.T) {
	tests := []struct {
		name   string
		scope  model.CapabilityScope
		intent model.Intent
		want   bool
	}{
		{"path prefix hit", model.CapabilityScope{PathPrefixes: []string{"artifacts"}}, fsWriteIntent("artifacts/a/b.txt"), true},
		{"path prefix miss", model.CapabilityScope{PathPrefixes: []string{"artifacts"}}, fsWriteIntent("state/plan.yaml"), false},
		{"path prefix no partial component", model.CapabilityScope{PathPrefixes: []string{"art"}}, fsWriteIntent("artifacts/x"), false},
		{"command allowlist hit", model.CapabilityScope{Commands: []string{"echo"}}, shellIntent("echo", "ok"), true},
		{"command allowlist miss", model.CapabilityScope{Commands: []string{"echo"}}, shellIntent("rm", "-rf"), false},
		{"arg pattern hit", model.CapabilityScope{Commands: []string{"git"}, ArgPattern: `^(status|diff)`}, shellIntent("git", "status"), true},
		{"arg pattern miss", model.CapabilityScope{Commands: []string{"git"}, ArgPattern: `^(status|diff)`}, shellIntent("git", "push"), false},
		{"host hit", model.CapabilityScope{Hosts: []string{"api.example.com:443"}}, model.Intent{Capability: model.CapNetEgress, Host: "api.example.com:443"}, true},
		{"host miss", model.CapabilityScope{Hosts: []string{"api.example.com:443"}}, model.Intent{Capability: model.CapNetEgress, Host: "evil.example.com:443"}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := scopeMatches(tc.scope, t.TempDir(), tc.intent)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("scopeMatches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestScopeMatchingResolvesSymlinks(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "safe"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "other"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(root, "other"), filepath.Join(root, "safe", "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	scope := model.CapabilityScope{PathPrefixes: []string{"safe"}}

	// A plain path under the prefix matches.
	got, err := scopeMatches(scope, root, fsWriteIntent("safe/report.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Fatal("plain path under prefix should match")
	}

	// A path that lexically sits under the prefix but resolves through a
	// symlink to another directory must not match.
	got, err = scopeMatches(scope, root, fsWriteIntent("safe/link/report.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Fatal("symlinked path escaping the prefix must not match")
	}

	// A symlink leaving the workspace entirely matches no grant.
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "safe", "out")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	got, err = scopeMatches(scope, root, fsWriteIntent("safe/out/x.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Fatal("workspace-escaping symlink must not match")
	}
}

func TestEvaluateRejectsInvalidIntent(t *testing.T) {
	engine := newTestEngine(t)
	session := model.NewSessionID()

	bad := []model.Intent{
		{},
		{Capability: model.CapFSWrite},
		{Capability: model.CapShellExec},
		{Capability: model.CapNetEgress},
	}
	for _, intent := range bad {
		if _, err := engine.Evaluate(session, model.MainBranch, 1, t.TempDir(), intent); !errors.Is(err, model.ErrInvalidIntent) {
			t.Fatalf("intent %+v: expected ErrInvalidIntent, got %v", intent, err)
		}
	}
}

func TestRulesFromManifest(t *testing.T) {
	manifest := model.SessionManifest{
		Capabilities: []model.Capability{"fs.read", "fs.write", "shell.exec:echo"},
		PolicyOverrides: []model.PolicyRule{
			{Capability: model.CapNetEgress, Effect: model.EffectDeny},
		},
	}
	rules := RulesFromManifest(manifest)
	if len(rules) != 4 {
		t.Fatalf("len(rules) = %d, want 4", len(rules))
	}
	if rules[0].Capability != model.CapNetEgress {
		t.Fatal("overrides must come first")
	}
	last := rules[3]
	if last.Capability != model.CapShellExec || len(last.Scope.Commands) != 1 || last.Scope.Commands[0] != "echo" {
		t.Fatalf("scoped shell grant not parsed: %+v", last)
	}
}
