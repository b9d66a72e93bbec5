package research

import (
	"context"
	"fmt"
	"strings"
)

// childReport is one finished fan-out result together with the
// question that produced it.
type childReport struct {
	Question string
	Report   string
}

// synthesize merges a node's own report with its children's into one
// final report. The merge goes through the one-shot completion model;
// if that fails or comes back empty, the fallback concatenates every
// report verbatim so no child's work is lost.
func (o *Orchestrator) synthesize(ctx context.Context, objective, report string, children []childReport, sink Sink) string {
	prompt := buildSynthesisPrompt(objective, report, children)
	text, err := o.client.Complete(ctx, CompleteRequest{Prompt: prompt})
	if err != nil {
		sink.Statusf("synthesis failed, concatenating reports: %v", err)
		return concatReports(report, children)
	}
	if strings.TrimSpace(text) == "" {
		sink.Statusf("synthesis returned empty output, concatenating reports")
		return concatReports(report, children)
	}
	return text
}

func buildSynthesisPrompt(objective, report string, children []childReport) string {
	var b strings.Builder
	b.WriteString("You are merging research reports into a single final report.\n\n")
	fmt.Fprintf(&b, "Original objective:\n%s\n\n", objective)
	fmt.Fprintf(&b, "Primary report:\n%s\n\n", report)
	for i, c := range children {
		fmt.Fprintf(&b, "Follow-up question %d: %s\nFollow-up report %d:\n%s\n\n", i+1, c.Question, i+1, c.Report)
	}
	b.WriteString("Write one coherent report that answers the original objective, ")
	b.WriteString("integrating the follow-up findings. Preserve concrete facts, figures, ")
	b.WriteString("and citations from every report. Output the report only.")
	return b.String()
}

// concatReports is the lossless fallback: the primary report followed
// by each follow-up, labeled, verbatim.
func concatReports(report string, children []childReport) string {
	var b strings.Builder
	b.WriteString(report)
	for _, c := range children {
		fmt.Fprintf(&b, "\n\n---\n\n## Follow-up: %s\n\n%s", c.Question, c.Report)
	}
	return b.String()
}
