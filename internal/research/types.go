package research

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ErrRemote marks a remote operation that the provider reported as
// failed (or that never started). Callers absorb it per-node: a failed
// child contributes no report, it does not abort the parent.
var ErrRemote = errors.New("remote research operation failed")

// EventKind discriminates the typed events of a research stream.
type EventKind string

const (
	EventStarted   EventKind = "started"   // remote operation accepted; carries the remote id
	EventContent   EventKind = "content"   // incremental report text
	EventThought   EventKind = "thought"   // thinking summary fragment
	EventCompleted EventKind = "completed" // terminal
	EventFailed    EventKind = "failed"    // terminal; Text holds the error description
)

// Event is one element of a research event stream. ID is the resume
// marker: replay after a reconnect starts just past the last observed ID.
type Event struct {
	Kind     EventKind
	ID       string
	RemoteID string // set on started events
	Text     string
}

// OpStatus is the remote provider's view of an operation.
type OpStatus string

const (
	OpRunning   OpStatus = "running"
	OpCompleted OpStatus = "completed"
	OpFailed    OpStatus = "failed"
)

// Operation is a snapshot of a remote research operation.
type Operation struct {
	ID     string
	Status OpStatus
	Output string // final report text once completed
	Error  string // provider error description once failed
}

// SubmitRequest describes a research objective handed to the provider.
type SubmitRequest struct {
	Prompt string
	Stores []string // file search store names, opaque pass-through
}

// CompleteRequest is a one-shot completion (gap analysis, synthesis,
// follow-ups). PreviousID chains onto an earlier interaction.
type CompleteRequest struct {
	Prompt     string
	PreviousID string
}

// Client is the remote research capability. Implementations live
// outside this package; the orchestrator only depends on this surface.
//
// Event channels close after a terminal event, or earlier on transport
// failure — a close without a terminal event means the connection
// dropped and the stream can be resumed.
type Client interface {
	// Create starts a background research operation.
	Create(ctx context.Context, req SubmitRequest) (*Operation, error)
	// CreateStream starts a background research operation and attaches
	// to its event stream.
	CreateStream(ctx context.Context, req SubmitRequest) (<-chan Event, error)
	// Resume re-attaches to a running operation's event stream,
	// replaying events after lastEventID ("" replays from the start).
	Resume(ctx context.Context, remoteID, lastEventID string) (<-chan Event, error)
	// Poll fetches the current snapshot of an operation.
	Poll(ctx context.Context, remoteID string) (*Operation, error)
	// Complete performs a one-shot completion.
	Complete(ctx context.Context, req CompleteRequest) (string, error)
}

// Request is one top-level research run.
type Request struct {
	Prompt  string
	Format  string   // free-text formatting instructions
	Output  string   // export file path; drives an auto-format suffix
	Stores  []string // pre-existing file search stores
	AdoptID int64    // >0: adopt this placeholder session instead of creating one
	Stream  bool     // stream the root node's events
}

// FinalPrompt returns the prompt with formatting instructions applied.
// An export path implies a machine-readable format keyed on extension.
func (r Request) FinalPrompt() string {
	prompt := r.Prompt
	if r.Format != "" {
		prompt = fmt.Sprintf("%s\n\nFormat the output as follows: %s", prompt, r.Format)
	}
	switch strings.ToLower(filepath.Ext(r.Output)) {
	case ".json":
		prompt += "\n\nOutput the final report as valid JSON."
	case ".csv":
		prompt += "\n\nOutput the final report as valid CSV."
	}
	return prompt
}

// Config controls tree shape, timeouts and polling cadence.
type Config struct {
	MaxDepth       int           // recursion ceiling; 1 disables fan-out
	Breadth        int           // max children per node, also the worker pool size
	LevelTimeout   time.Duration // one shared deadline per fan-out level
	PollInterval   time.Duration // sleep between poll rounds
	PollTimeout    time.Duration // give-up bound for one node's poll loop; 0 waits forever
	ReconnectDelay time.Duration // fixed backoff before a stream resume
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:       1,
		Breadth:        3,
		LevelTimeout:   30 * time.Minute,
		PollInterval:   10 * time.Second,
		PollTimeout:    2 * time.Hour,
		ReconnectDelay: 2 * time.Second,
	}
}

// RunResult is the outcome of a top-level research run.
type RunResult struct {
	SessionID int64         `json:"session_id"`
	RemoteID  string        `json:"remote_id"`
	Report    string        `json:"report"`
	Duration  time.Duration `json:"duration"`
}
