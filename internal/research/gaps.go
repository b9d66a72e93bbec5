package research

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// analyzeGaps asks the one-shot completion model for follow-up
// questions left open by a report. Policy lives in the model: an empty
// list is a legitimate answer. Any failure — transport, provider, or
// unparseable output — degrades to "no gaps found"; gap analysis is
// never fatal.
func (o *Orchestrator) analyzeGaps(ctx context.Context, objective, report string, sink Sink) []string {
	prompt := buildGapPrompt(objective, report, o.cfg.Breadth)
	text, err := o.client.Complete(ctx, CompleteRequest{Prompt: prompt})
	if err != nil {
		sink.Statusf("gap analysis failed (treated as no gaps): %v", err)
		return nil
	}
	questions := ExtractQuestions(text, o.cfg.Breadth)
	if questions == nil {
		sink.Statusf("gap analysis returned no parseable questions")
	}
	return questions
}

func buildGapPrompt(objective, report string, limit int) string {
	var b strings.Builder
	b.WriteString("You are reviewing a research report for gaps.\n\n")
	fmt.Fprintf(&b, "Original objective:\n%s\n\n", objective)
	fmt.Fprintf(&b, "Report:\n%s\n\n", report)
	fmt.Fprintf(&b, "Identify at most %d follow-up questions that would materially improve the report. ", limit)
	b.WriteString("If the report already covers the objective, return an empty list. ")
	b.WriteString("Respond with a JSON array of question strings only, e.g. [\"...\", \"...\"] or [].")
	return b.String()
}

// jsonFenceRe matches a ```json fenced block. Dot-all so the block can
// span lines.
var jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\[.*?\\])\\s*```")

// ExtractQuestions pulls a bounded list of questions out of model
// output. Checks a ```json fenced block first, then the first raw JSON
// array in the text. Arrays of strings and arrays of {"question": ...}
// objects are both accepted. Blank entries are dropped and the list is
// truncated to limit. Returns nil when nothing parseable is found.
func ExtractQuestions(text string, limit int) []string {
	if m := jsonFenceRe.FindStringSubmatch(text); len(m) == 2 {
		if qs, ok := parseQuestionArray(m[1]); ok {
			return boundQuestions(qs, limit)
		}
	}
	// Raw array outside a fence: decode one full JSON value from each
	// "[" so questions containing brackets do not truncate the match.
	for start := 0; start < len(text); start++ {
		if text[start] != '[' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			continue
		}
		if qs, ok := parseQuestionArray(string(raw)); ok {
			return boundQuestions(qs, limit)
		}
	}
	return nil
}

// parseQuestionArray tries the two accepted JSON shapes.
func parseQuestionArray(jsonStr string) ([]string, bool) {
	var strs []string
	if err := json.Unmarshal([]byte(jsonStr), &strs); err == nil {
		return strs, true
	}

	var objs []struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &objs); err == nil {
		out := make([]string, 0, len(objs))
		for _, o := range objs {
			out = append(out, o.Question)
		}
		return out, true
	}
	return nil, false
}

// boundQuestions drops empty strings and truncates to limit.
func boundQuestions(qs []string, limit int) []string {
	var out []string
	for _, q := range qs {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		out = append(out, q)
		if len(out) == limit {
			break
		}
	}
	return out
}
