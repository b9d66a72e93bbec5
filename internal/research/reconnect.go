package research

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// streamState accumulates what one stream consumption pass learned.
// It replaces the ad-hoc mutable boxes a callback API would need: the
// consumer loop owns it exclusively.
type streamState struct {
	remoteID    string
	lastEventID string
	complete    bool
	failed      bool
	errText     string
}

// runStream executes a node's remote operation in streaming mode with
// automatic resumption: consume typed events, and on a transport drop
// before a terminal event, wait a fixed backoff and re-attach to the
// same operation just past the last observed event marker. There is no
// retry ceiling — the loop runs until a terminal event or ctx ends it.
func (o *Orchestrator) runStream(ctx context.Context, id int64, ne nodeExec, sink Sink) (string, error) {
	sink.Statusf("starting research stream")
	if len(ne.stores) > 0 {
		sink.Statusf("using file search stores: %v", ne.stores)
	}

	st := &streamState{}

	ch, err := o.client.CreateStream(ctx, SubmitRequest{Prompt: ne.prompt, Stores: ne.stores})
	if err != nil {
		return "", fmt.Errorf("%w: opening stream: %v", ErrRemote, err)
	}
	if err := o.consume(id, ne.depth, ch, st, sink); err != nil {
		return "", err
	}

	bo := backoff.NewConstantBackOff(o.cfg.ReconnectDelay)
	for !st.complete && st.remoteID != "" {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		sink.Statusf("connection lost, resuming from event %q", st.lastEventID)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}

		ch, err := o.client.Resume(ctx, st.remoteID, st.lastEventID)
		if err != nil {
			sink.Statusf("reconnect failed, retrying: %v", err)
			continue
		}
		if err := o.consume(id, ne.depth, ch, st, sink); err != nil {
			return "", err
		}
	}

	if st.remoteID == "" {
		return "", fmt.Errorf("%w: stream ended before the operation started", ErrRemote)
	}
	if st.failed {
		return "", fmt.Errorf("%w: %s", ErrRemote, st.errText)
	}
	sink.Statusf("stream complete: %s", st.remoteID)

	// Fragments were forwarded, never buffered; fetch the final report
	// in one poll of the completed operation.
	op, err := o.client.Poll(ctx, st.remoteID)
	if err != nil {
		return "", fmt.Errorf("%w: fetching final report: %v", ErrRemote, err)
	}
	if op.Status == OpFailed {
		return "", fmt.Errorf("%w: %s", ErrRemote, op.Error)
	}
	return op.Output, nil
}

// consume drains one event channel into the stream state, forwarding
// fragments to the sink. A channel close without a terminal event
// leaves st.complete false — the caller resumes. The started event
// binds the remote id to the session row exactly once; when the row is
// a placeholder created by another process this is the adoption point.
func (o *Orchestrator) consume(sessionID int64, depth int, ch <-chan Event, st *streamState, sink Sink) error {
	for ev := range ch {
		if ev.ID != "" {
			st.lastEventID = ev.ID
		}
		switch ev.Kind {
		case EventStarted:
			if st.remoteID == "" {
				st.remoteID = ev.RemoteID
				if err := o.store.UpdateRemoteID(sessionID, ev.RemoteID, ownerPIDFor(depth)); err != nil {
					return err
				}
				sink.Statusf("interaction started: %s", ev.RemoteID)
			}
		case EventContent:
			sink.Content(ev.Text)
		case EventThought:
			sink.Thought(ev.Text)
		case EventCompleted:
			st.complete = true
		case EventFailed:
			st.complete = true
			st.failed = true
			st.errText = ev.Text
		}
	}
	return nil
}
