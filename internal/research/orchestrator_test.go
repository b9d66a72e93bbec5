package research

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"deepresearch/mission/internal/session"
)

// fakeClient implements Client with overridable behavior. The default
// Create returns an already-completed operation so poll-mode tests
// finish in one round.
type fakeClient struct {
	mu            sync.Mutex
	nextOp        int
	createCalls   []SubmitRequest
	completeCalls []CompleteRequest
	resumeCalls   [][2]string // remoteID, lastEventID

	createFn   func(req SubmitRequest) (*Operation, error)
	streamFn   func(req SubmitRequest) (<-chan Event, error)
	resumeFn   func(remoteID, lastEventID string) (<-chan Event, error)
	pollFn     func(remoteID string) (*Operation, error)
	completeFn func(req CompleteRequest) (string, error)
}

func (f *fakeClient) Create(ctx context.Context, req SubmitRequest) (*Operation, error) {
	f.mu.Lock()
	f.createCalls = append(f.createCalls, req)
	f.nextOp++
	id := fmt.Sprintf("op-%d", f.nextOp)
	fn := f.createFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &Operation{ID: id, Status: OpCompleted, Output: "report: " + req.Prompt}, nil
}

func (f *fakeClient) CreateStream(ctx context.Context, req SubmitRequest) (<-chan Event, error) {
	f.mu.Lock()
	f.createCalls = append(f.createCalls, req)
	fn := f.streamFn
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("no stream configured")
	}
	return fn(req)
}

func (f *fakeClient) Resume(ctx context.Context, remoteID, lastEventID string) (<-chan Event, error) {
	f.mu.Lock()
	f.resumeCalls = append(f.resumeCalls, [2]string{remoteID, lastEventID})
	fn := f.resumeFn
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("no resume configured")
	}
	return fn(remoteID, lastEventID)
}

func (f *fakeClient) Poll(ctx context.Context, remoteID string) (*Operation, error) {
	f.mu.Lock()
	fn := f.pollFn
	f.mu.Unlock()
	if fn != nil {
		return fn(remoteID)
	}
	return &Operation{ID: remoteID, Status: OpCompleted, Output: "polled report"}, nil
}

func (f *fakeClient) Complete(ctx context.Context, req CompleteRequest) (string, error) {
	f.mu.Lock()
	f.completeCalls = append(f.completeCalls, req)
	fn := f.completeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return "[]", nil
}

func (f *fakeClient) completeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completeCalls)
}

func openResearchStore(t *testing.T) *session.Store {
	t.Helper()
	s, err := session.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() Config {
	return Config{
		MaxDepth:       1,
		Breadth:        3,
		LevelTimeout:   5 * time.Second,
		PollInterval:   time.Millisecond,
		PollTimeout:    time.Second,
		ReconnectDelay: time.Millisecond,
	}
}

func newTestOrchestrator(t *testing.T, client Client, cfg Config) (*Orchestrator, *session.Store) {
	t.Helper()
	store := openResearchStore(t)
	o := New(store, client, cfg)
	o.SetSinkFactory(func(int64, int) Sink { return NopSink() })
	return o, store
}

func TestRunSingleLevel(t *testing.T) {
	client := &fakeClient{}
	o, store := newTestOrchestrator(t, client, testConfig())

	res, err := o.Run(context.Background(), Request{Prompt: "quantum batteries"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Report != "report: quantum batteries" {
		t.Errorf("report = %q", res.Report)
	}
	if res.RemoteID != "op-1" {
		t.Errorf("remote id = %q, want op-1", res.RemoteID)
	}

	node, err := store.GetByID(res.SessionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if node.Status != session.StatusCompleted {
		t.Errorf("status = %q, want completed", node.Status)
	}
	if node.ResultText() != res.Report {
		t.Errorf("stored result = %q", node.ResultText())
	}
}

func TestRunAtMaxDepthSkipsGapAnalysis(t *testing.T) {
	client := &fakeClient{}
	o, _ := newTestOrchestrator(t, client, testConfig())

	if _, err := o.Run(context.Background(), Request{Prompt: "p"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := client.completeCount(); n != 0 {
		t.Errorf("Complete called %d times at max depth, want 0", n)
	}
}

func TestRunRecursiveHappyPath(t *testing.T) {
	client := &fakeClient{}
	client.completeFn = func(req CompleteRequest) (string, error) {
		if strings.Contains(req.Prompt, "reviewing a research report for gaps") {
			if strings.Contains(req.Prompt, "report: root objective") {
				return `["first gap", "second gap"]`, nil
			}
			return "[]", nil
		}
		return "synthesized final", nil
	}

	cfg := testConfig()
	cfg.MaxDepth = 2
	cfg.Breadth = 2
	o, store := newTestOrchestrator(t, client, cfg)

	res, err := o.Run(context.Background(), Request{Prompt: "root objective"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Report != "synthesized final" {
		t.Errorf("report = %q, want synthesized final", res.Report)
	}

	root, err := store.GetByID(res.SessionID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if root.Status != session.StatusCompleted {
		t.Errorf("root status = %q", root.Status)
	}
	if root.ResultText() != "synthesized final" {
		t.Errorf("root result = %q", root.ResultText())
	}

	children, err := store.Children(res.SessionID)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}
	for _, c := range children {
		if c.Status != session.StatusCompleted {
			t.Errorf("child %d status = %q", c.ID, c.Status)
		}
		if c.Depth != 2 {
			t.Errorf("child %d depth = %d", c.ID, c.Depth)
		}
	}
}

func TestRunEmptyGapListCompletesWithOwnReport(t *testing.T) {
	client := &fakeClient{}
	cfg := testConfig()
	cfg.MaxDepth = 2
	o, store := newTestOrchestrator(t, client, cfg)

	res, err := o.Run(context.Background(), Request{Prompt: "tidy topic"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Report != "report: tidy topic" {
		t.Errorf("report = %q", res.Report)
	}
	children, err := store.Children(res.SessionID)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 0 {
		t.Errorf("children = %d, want 0", len(children))
	}
}

func TestRunGapAnalysisErrorTreatedAsNoGaps(t *testing.T) {
	client := &fakeClient{}
	client.completeFn = func(req CompleteRequest) (string, error) {
		return "", fmt.Errorf("model unavailable")
	}
	cfg := testConfig()
	cfg.MaxDepth = 2
	o, _ := newTestOrchestrator(t, client, cfg)

	res, err := o.Run(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Report != "report: p" {
		t.Errorf("report = %q", res.Report)
	}
}

func TestRunRootRemoteFailure(t *testing.T) {
	client := &fakeClient{}
	client.createFn = func(req SubmitRequest) (*Operation, error) {
		return &Operation{ID: "op-x", Status: OpFailed, Error: "quota exhausted"}, nil
	}
	o, store := newTestOrchestrator(t, client, testConfig())

	_, err := o.Run(context.Background(), Request{Prompt: "p"})
	if err == nil {
		t.Fatal("want error for failed root operation")
	}

	node, gerr := store.Get("op-x")
	if gerr != nil {
		t.Fatalf("Get: %v", gerr)
	}
	if node.Status != session.StatusFailed {
		t.Errorf("status = %q, want failed", node.Status)
	}
	if !strings.Contains(node.ResultText(), "quota exhausted") {
		t.Errorf("result = %q, want provider error recorded", node.ResultText())
	}
}

func TestFanOutAbandonsStragglers(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	client := &fakeClient{}
	client.createFn = func(req SubmitRequest) (*Operation, error) {
		if strings.Contains(req.Prompt, "slow gap") {
			<-release
		}
		return &Operation{ID: "op-" + req.Prompt[:4], Status: OpCompleted, Output: "report: " + req.Prompt}, nil
	}
	client.completeFn = func(req CompleteRequest) (string, error) {
		if strings.Contains(req.Prompt, "reviewing a research report for gaps") {
			if strings.Contains(req.Prompt, "root objective") {
				return `["fast gap", "slow gap"]`, nil
			}
			return "[]", nil
		}
		return "", fmt.Errorf("synthesis down")
	}

	cfg := testConfig()
	cfg.MaxDepth = 2
	cfg.Breadth = 2
	cfg.LevelTimeout = 150 * time.Millisecond
	o, store := newTestOrchestrator(t, client, cfg)

	res, err := o.Run(context.Background(), Request{Prompt: "root objective"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Synthesis is down, so the fallback concatenates: the final report
	// must keep the parent and the finished child verbatim.
	if !strings.Contains(res.Report, "report: root objective") {
		t.Errorf("final report lost the parent report: %q", res.Report)
	}
	if !strings.Contains(res.Report, "report: fast gap") {
		t.Errorf("final report lost the finished child: %q", res.Report)
	}
	if strings.Contains(res.Report, "report: slow gap") {
		t.Errorf("final report contains the abandoned child: %q", res.Report)
	}

	children, err := store.Children(res.SessionID)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}
	running := 0
	for _, c := range children {
		if c.Status == session.StatusRunning {
			running++
		}
	}
	if running != 1 {
		t.Errorf("running children = %d, want the straggler still running", running)
	}
}

func TestRunAdoptsPlaceholderRow(t *testing.T) {
	client := &fakeClient{}
	o, store := newTestOrchestrator(t, client, testConfig())

	placeholder, err := store.Create("pending:abc", "adopted prompt", session.CreateOpts{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := o.Run(context.Background(), Request{Prompt: "adopted prompt", AdoptID: placeholder})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SessionID != placeholder {
		t.Errorf("session id = %d, want adopted row %d", res.SessionID, placeholder)
	}

	node, err := store.GetByID(placeholder)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if node.InteractionID != "op-1" {
		t.Errorf("interaction id = %q, want op-1", node.InteractionID)
	}
	if node.Status != session.StatusCompleted {
		t.Errorf("status = %q", node.Status)
	}
}

func TestFinalPromptFormatting(t *testing.T) {
	r := Request{Prompt: "base", Format: "bullet points", Output: "out.json"}
	got := r.FinalPrompt()
	if !strings.Contains(got, "Format the output as follows: bullet points") {
		t.Errorf("missing format instruction: %q", got)
	}
	if !strings.Contains(got, "valid JSON") {
		t.Errorf("missing JSON instruction: %q", got)
	}

	r = Request{Prompt: "base", Output: "report.csv"}
	if !strings.Contains(r.FinalPrompt(), "valid CSV") {
		t.Errorf("missing CSV instruction: %q", r.FinalPrompt())
	}

	r = Request{Prompt: "base"}
	if r.FinalPrompt() != "base" {
		t.Errorf("plain prompt altered: %q", r.FinalPrompt())
	}
}
