package research

import (
	"context"
	"fmt"
	"time"
)

// runPoll executes a node's remote operation in polling mode: create
// the background operation, record its id, then poll at a fixed
// interval until the provider reports a terminal status or the
// configured give-up bound elapses.
func (o *Orchestrator) runPoll(ctx context.Context, id int64, ne nodeExec, sink Sink) (string, error) {
	sink.Statusf("starting research (polling mode)")
	if len(ne.stores) > 0 {
		sink.Statusf("using file search stores: %v", ne.stores)
	}

	op, err := o.client.Create(ctx, SubmitRequest{Prompt: ne.prompt, Stores: ne.stores})
	if err != nil {
		return "", fmt.Errorf("%w: submitting: %v", ErrRemote, err)
	}

	// Same update path as streaming adoption, so a local crash can
	// later locate the in-flight remote operation.
	if err := o.store.UpdateRemoteID(id, op.ID, ownerPIDFor(ne.depth)); err != nil {
		return "", err
	}
	sink.Statusf("research started: %s", op.ID)

	var deadline time.Time
	if o.cfg.PollTimeout > 0 {
		deadline = time.Now().Add(o.cfg.PollTimeout)
	}

	for {
		switch op.Status {
		case OpCompleted:
			return op.Output, nil
		case OpFailed:
			return "", fmt.Errorf("%w: %s", ErrRemote, op.Error)
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return "", fmt.Errorf("%w: gave up polling %s after %s", ErrRemote, op.ID, o.cfg.PollTimeout)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(o.cfg.PollInterval):
		}

		next, err := o.client.Poll(ctx, op.ID)
		if err != nil {
			// Transport hiccups are not node failures; keep polling
			sink.Statusf("poll failed, retrying: %v", err)
			continue
		}
		op = next
	}
}
