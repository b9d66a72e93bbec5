package research

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// fanOut spawns one child investigation per question under a worker
// pool bounded by the configured breadth, and collects the reports of
// children that finish inside one shared level deadline. Stragglers are
// abandoned, not cancelled: their goroutines run to completion in the
// background and persist their own rows, the parent just stops waiting.
func (o *Orchestrator) fanOut(ctx context.Context, parentID int64, depth int, stores []string, questions []string) []childReport {
	type childOut struct {
		question string
		report   string
		err      error
	}

	sem := semaphore.NewWeighted(int64(o.cfg.Breadth))
	results := make(chan childOut, len(questions))

	for _, q := range questions {
		go func(q string) {
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- childOut{question: q, err: err}
				return
			}
			defer sem.Release(1)
			report, _, err := o.executeNode(ctx, nodeExec{
				prompt:   q,
				depth:    depth + 1,
				parentID: parentID,
				stores:   stores,
			})
			results <- childOut{question: q, report: report, err: err}
		}(q)
	}

	timer := time.NewTimer(o.cfg.LevelTimeout)
	defer timer.Stop()

	var reports []childReport
	for done := 0; done < len(questions); done++ {
		select {
		case out := <-results:
			// Failed children contribute nothing; the parent degrades
			// instead of propagating the error.
			if out.err == nil && out.report != "" {
				reports = append(reports, childReport{Question: out.question, Report: out.report})
			}
		case <-timer.C:
			return reports
		case <-ctx.Done():
			return reports
		}
	}
	return reports
}
