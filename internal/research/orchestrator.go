package research

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"deepresearch/mission/internal/session"
)

// Orchestrator drives a recursive research task tree: execute a node,
// analyze its report for gaps, fan child investigations out under a
// bounded worker pool, and synthesize the results back up the tree.
// Node state lives in the session store; the orchestrator is the sole
// mutator of the rows it owns.
type Orchestrator struct {
	store  *session.Store
	client Client
	cfg    Config
	sinks  SinkFactory
}

// New creates an orchestrator. The sink factory defaults to stderr
// output; override with SetSinkFactory for embedding.
func New(store *session.Store, client Client, cfg Config) *Orchestrator {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 1
	}
	if cfg.Breadth <= 0 {
		cfg.Breadth = 1
	}
	return &Orchestrator{store: store, client: client, cfg: cfg, sinks: StderrSinks}
}

// SetSinkFactory overrides per-node output sinks.
func (o *Orchestrator) SetSinkFactory(f SinkFactory) {
	if f != nil {
		o.sinks = f
	}
}

// Run executes a full research tree for the request and returns the
// final synthesized report. Remote failures of the root surface as an
// error; failures deeper in the tree only degrade the report.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*RunResult, error) {
	start := time.Now()

	report, id, err := o.executeNode(ctx, nodeExec{
		prompt:  req.FinalPrompt(),
		depth:   1,
		stores:  req.Stores,
		adoptID: req.AdoptID,
		stream:  req.Stream,
	})
	if err != nil {
		return nil, err
	}

	node, err := o.store.GetByID(id)
	if err != nil {
		return nil, err
	}
	return &RunResult{
		SessionID: id,
		RemoteID:  node.InteractionID,
		Report:    report,
		Duration:  time.Since(start),
	}, nil
}

// nodeExec carries the execution parameters of one tree node.
type nodeExec struct {
	prompt   string
	depth    int
	parentID int64
	stores   []string
	adoptID  int64 // root only: placeholder row to adopt
	stream   bool  // root only: stream instead of poll
}

// executeNode runs the full lifecycle of one node: create row, execute
// the remote operation, recurse into gaps, synthesize, finalize.
// Storage errors propagate; remote failures and cancellation are
// persisted on the row, then returned wrapped for the caller to absorb.
func (o *Orchestrator) executeNode(ctx context.Context, ne nodeExec) (string, int64, error) {
	id, err := o.createOrAdoptRow(ne)
	if err != nil {
		return "", 0, err
	}
	sink := o.sinks(id, ne.depth)
	key := fmt.Sprintf("%d", id)

	if err := o.store.UpdateStatus(key, session.StatusRunning, nil); err != nil {
		return "", id, err
	}

	var report string
	if ne.stream {
		report, err = o.runStream(ctx, id, ne, sink)
	} else {
		report, err = o.runPoll(ctx, id, ne, sink)
	}
	if err != nil {
		if ctx.Err() != nil {
			o.markStatus(key, session.StatusCancelled, nil)
			return "", id, err
		}
		if errors.Is(err, ErrRemote) {
			msg := err.Error()
			o.markStatus(key, session.StatusFailed, &msg)
			return "", id, err
		}
		return "", id, err
	}

	// Leaf call: this execution may be final, so the provisional status
	// is completed. A non-leaf stays running with the intermediate
	// result populated — observers always see the latest known truth.
	if ne.depth >= o.cfg.MaxDepth {
		if err := o.store.UpdateStatus(key, session.StatusCompleted, &report); err != nil {
			return "", id, err
		}
		sink.Statusf("research complete")
		return report, id, nil
	}
	if err := o.store.UpdateStatus(key, session.StatusRunning, &report); err != nil {
		return "", id, err
	}

	questions := o.analyzeGaps(ctx, ne.prompt, report, sink)
	if len(questions) == 0 {
		if err := o.store.UpdateStatus(key, session.StatusCompleted, &report); err != nil {
			return "", id, err
		}
		sink.Statusf("no gaps found, research complete")
		return report, id, nil
	}

	sink.Statusf("fanning out %d follow-up investigation(s)", len(questions))
	childReports := o.fanOut(ctx, id, ne.depth, ne.stores, questions)

	// All children timed out or failed: degrade gracefully, keep the
	// node's own report rather than failing the parent.
	if len(childReports) == 0 {
		if err := o.store.UpdateStatus(key, session.StatusCompleted, &report); err != nil {
			return "", id, err
		}
		sink.Statusf("no child reports, keeping own report")
		return report, id, nil
	}

	final := o.synthesize(ctx, ne.prompt, report, childReports, sink)
	if err := o.store.UpdateStatus(key, session.StatusCompleted, &final); err != nil {
		return "", id, err
	}
	sink.Statusf("synthesis complete (%d child report(s) merged)", len(childReports))
	return final, id, nil
}

// createOrAdoptRow resolves the session row for a node: either the
// caller-supplied placeholder (detached/background adoption) or a fresh
// row. The root records the driving process as owner; children are
// driven in-process and carry no pid of their own.
func (o *Orchestrator) createOrAdoptRow(ne nodeExec) (int64, error) {
	if ne.adoptID > 0 {
		if _, err := o.store.GetByID(ne.adoptID); err != nil {
			return 0, fmt.Errorf("adopting session %d: %w", ne.adoptID, err)
		}
		return ne.adoptID, nil
	}
	opts := session.CreateOpts{
		Files:    ne.stores,
		ParentID: ne.parentID,
		Depth:    ne.depth,
	}
	if ne.depth == 1 {
		opts.OwnerPID = os.Getpid()
	}
	return o.store.Create(placeholderID(), ne.prompt, opts)
}

// placeholderID generates the interaction-id sentinel used before the
// remote provider accepts the operation.
func placeholderID() string {
	return "pending:" + uuid.New().String()
}

// markStatus persists a status without letting a late storage error
// mask the original failure.
func (o *Orchestrator) markStatus(key string, st session.Status, result *string) {
	if err := o.store.UpdateStatus(key, st, result); err != nil {
		fmt.Fprintf(os.Stderr, "[research] warning: recording %s status: %v\n", st, err)
	}
}

// ownerPIDFor returns the pid recorded alongside a remote-id update:
// the root claims the driving process, children stay pid-less.
func ownerPIDFor(depth int) int {
	if depth == 1 {
		return os.Getpid()
	}
	return 0
}
