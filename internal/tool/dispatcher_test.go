package tool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/broomva/aiOS/internal/journal"
	"github.com/broomva/aiOS/internal/model"
	"github.com/broomva/aiOS/internal/policy"
	"github.com/broomva/aiOS/internal/sandbox"
	"github.com/broomva/aiOS/internal/workspace"
)

type fixture struct {
	dispatcher *Dispatcher
	journal    *journal.Journal
	engine     *policy.Engine
	session    model.SessionID
	budget     model.BudgetState
}

func newFixture(t *testing.T, capabilities ...model.Capability) *fixture {
	t.Helper()
	layout := workspace.NewLayout(t.TempDir())
	session := model.NewSessionID()
	if err := layout.Initialize(session); err != nil {
		t.Fatal(err)
	}

	j := journal.Open(layout)
	if err := j.OpenSession(session); err != nil {
		t.Fatal(err)
	}

	approvals, err := policy.NewApprovalStore(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = approvals.Close() })

	engine := policy.NewEngine(approvals)
	engine.SetSessionRules(session, policy.RulesFromManifest(model.SessionManifest{Capabilities: capabilities}))

	runner := sandbox.NewLocalRunner(nil)
	dispatcher := NewDispatcher(NewRegistry(), j, engine, runner, layout, Config{})

	return &fixture{
		dispatcher: dispatcher,
		journal:    j,
		engine:     engine,
		session:    session,
		budget:     model.DefaultBudget,
	}
}

func (f *fixture) events(t *testing.T) []model.EventRecord {
	t.Helper()
	records, err := f.journal.Read(f.session, model.MainBranch, 1, -1)
	if err != nil {
		t.Fatal(err)
	}
	return records
}

func kinds(records []model.EventRecord) []model.EventKind {
	out := make([]model.EventKind, len(records))
	for i, record := range records {
		out[i] = record.Kind
	}
	return out
}

func expectKinds(t *testing.T, got []model.EventRecord, want ...model.EventKind) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds(got), want)
	}
	for i, kind := range want {
		if got[i].Kind != kind {
			t.Fatalf("event kinds = %v, want %v", kinds(got), want)
		}
	}
}

func TestDispatchWriteThenRead(t *testing.T) {
	f := newFixture(t, model.CapFSRead, model.CapFSWrite)
	ctx := context.Background()

	outcome, err := f.dispatcher.Dispatch(ctx, f.session, model.MainBranch, NewFSWrite("hello.txt", []byte("hi")), &f.budget)
	if err != nil {
		t.Fatalf("dispatch write: %v", err)
	}
	if outcome.Status != StatusCompleted {
		t.Fatalf("write outcome = %+v", outcome)
	}

	outcome, err = f.dispatcher.Dispatch(ctx, f.session, model.MainBranch, NewFSRead("hello.txt"), &f.budget)
	if err != nil {
		t.Fatalf("dispatch read: %v", err)
	}
	if string(outcome.Report.Stdout) != "hi" {
		t.Fatalf("read stdout = %q, want %q", outcome.Report.Stdout, "hi")
	}

	// Side-effect events precede the completion of the same run.
	expectKinds(t, f.events(t),
		model.KindToolRequested, model.KindToolDispatched, model.KindFileWrite, model.KindToolCompleted,
		model.KindToolRequested, model.KindToolDispatched, model.KindToolCompleted,
	)

	records := f.events(t)
	var write model.FileWritePayload
	if err := records[2].DecodePayload(&write); err != nil {
		t.Fatal(err)
	}
	if write.Path != "hello.txt" || write.Bytes != 2 || write.SHA256 == "" {
		t.Fatalf("FileWrite payload: %+v", write)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	f := newFixture(t, model.CapFSRead)

	outcome, err := f.dispatcher.Dispatch(context.Background(), f.session, model.MainBranch,
		model.ToolCall{Tool: "nonexistent", Args: []byte(`{}`)}, &f.budget)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != StatusFailed || outcome.Reason != model.ReasonUnknownTool {
		t.Fatalf("outcome = %+v", outcome)
	}
	expectKinds(t, f.events(t), model.KindToolRequested, model.KindToolFailed)
}

func TestDispatchPolicyDenied(t *testing.T) {
	f := newFixture(t, model.CapFSRead) // no fs.write grant

	outcome, err := f.dispatcher.Dispatch(context.Background(), f.session, model.MainBranch,
		NewFSWrite("x", []byte("y")), &f.budget)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != StatusFailed || outcome.Reason != model.ReasonPolicyDenied {
		t.Fatalf("outcome = %+v", outcome)
	}

	// No FileWrite event, no dispatch event.
	expectKinds(t, f.events(t), model.KindToolRequested, model.KindToolFailed)
}

func TestDispatchRequiresApprovalThenResolved(t *testing.T) {
	f := newFixture(t)
	f.engine.SetCapabilityDefault(model.PolicyRule{Capability: model.CapShellExec, Effect: model.EffectApprove})
	ctx := context.Background()

	call := NewShellExec([]string{"echo", "ok"})
	outcome, err := f.dispatcher.Dispatch(ctx, f.session, model.MainBranch, call, &f.budget)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != StatusAwaitingApproval || outcome.Ticket == nil {
		t.Fatalf("outcome = %+v", outcome)
	}
	expectKinds(t, f.events(t), model.KindToolRequested, model.KindApprovalRequired)

	pending := PendingCall{RunID: outcome.RunID, Call: call, TicketID: outcome.Ticket.TicketID}

	// Denied: terminal PolicyDenied failure.
	denied, err := f.dispatcher.DispatchResolved(ctx, f.session, model.MainBranch, pending, false, &f.budget, "")
	if err != nil {
		t.Fatal(err)
	}
	if denied.Status != StatusFailed || denied.Reason != model.ReasonPolicyDenied {
		t.Fatalf("denied outcome = %+v", denied)
	}

	// Granted: executes without re-gating.
	granted, err := f.dispatcher.DispatchResolved(ctx, f.session, model.MainBranch, pending, true, &f.budget, "")
	if err != nil {
		t.Fatal(err)
	}
	if granted.Status != StatusCompleted || granted.Report.ExitStatus != 0 {
		t.Fatalf("granted outcome = %+v", granted)
	}
}

func TestDispatchBudgetExhausted(t *testing.T) {
	f := newFixture(t, model.CapFSWrite)
	f.budget.ToolCalls = 0

	outcome, err := f.dispatcher.Dispatch(context.Background(), f.session, model.MainBranch,
		NewFSWrite("a.txt", []byte("a")), &f.budget)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != StatusFailed || outcome.Reason != model.ReasonBudgetExhausted {
		t.Fatalf("outcome = %+v", outcome)
	}
	// No dispatch happened.
	expectKinds(t, f.events(t), model.KindToolRequested, model.KindToolFailed)
}

func TestExternalToolWithSchema(t *testing.T) {
	f := newFixture(t)
	f.engine.SetSessionRules(f.session, []model.PolicyRule{
		{Capability: "metrics.summarize", Effect: model.EffectAllow},
	})

	var received json.RawMessage
	err := f.dispatcher.Registry().Register(Definition{
		Name:       "metrics.summarize",
		Capability: "metrics.summarize",
		Schema: &jsonschema.Schema{
			Type:     "object",
			Required: []string{"window"},
			Properties: map[string]*jsonschema.Schema{
				"window": {Type: "string"},
			},
		},
		Handler: func(ctx context.Context, session model.SessionID, args json.RawMessage) (model.ExecutionReport, error) {
			received = args
			return model.ExecutionReport{ExitStatus: 0, Stdout: []byte("p50=12ms")}, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Schema violation fails before the handler runs.
	outcome, err := f.dispatcher.Dispatch(context.Background(), f.session, model.MainBranch,
		model.ToolCall{Tool: "metrics.summarize", Args: []byte(`{}`)}, &f.budget)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != StatusFailed || outcome.Reason != model.ReasonInvalidIntent {
		t.Fatalf("outcome = %+v", outcome)
	}
	if received != nil {
		t.Fatal("handler ran despite schema violation")
	}

	// Valid arguments reach the handler.
	outcome, err = f.dispatcher.Dispatch(context.Background(), f.session, model.MainBranch,
		model.ToolCall{Tool: "metrics.summarize", Args: []byte(`{"window":"5m"}`)}, &f.budget)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != StatusCompleted || string(outcome.Report.Stdout) != "p50=12ms" {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestRegisterRejectsDuplicatesAndBuiltinNames(t *testing.T) {
	registry := NewRegistry()
	noop := func(ctx context.Context, session model.SessionID, args json.RawMessage) (model.ExecutionReport, error) {
		return model.ExecutionReport{}, nil
	}
	if err := registry.Register(Definition{Name: "fs.read", Handler: noop}); err == nil {
		t.Fatal("shadowing a builtin must fail")
	}
	if err := registry.Register(Definition{Name: "x", Handler: noop}); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(Definition{Name: "x", Handler: noop}); err == nil {
		t.Fatal("duplicate registration must fail")
	}
}
