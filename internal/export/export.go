// Package export writes research reports to disk, extracting fenced
// code blocks and validating machine-readable formats before saving.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Save writes a report to path, choosing the handling by extension:
// .json and .csv are extracted and validated, anything else saved raw.
// Returns the path actually written, which is "<path>.raw" when
// validation fails so a malformed report is never silently lost.
func Save(report, path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return SaveJSON(report, path)
	case ".csv":
		return SaveCSV(report, path)
	default:
		return path, writeFile(path, report)
	}
}

// codeBlockRe matches a fenced code block with an optional language
// tag. Dot-all so the body can span lines.
var codeBlockRe = regexp.MustCompile("(?s)```([a-zA-Z0-9]*)\\n(.*?)```")

// ExtractCodeBlock returns the body of the first fenced code block
// tagged with lang, falling back to the first untagged or any block,
// and finally to the whole text when no fence is present.
func ExtractCodeBlock(text, lang string) string {
	matches := codeBlockRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text
	}
	for _, m := range matches {
		if strings.EqualFold(m[1], lang) {
			return m[2]
		}
	}
	for _, m := range matches {
		if m[1] == "" {
			return m[2]
		}
	}
	return matches[0][2]
}

// SaveJSON extracts the JSON payload from a report and writes it to
// path. Invalid JSON goes to "<path>.raw" instead.
func SaveJSON(report, path string) (string, error) {
	payload := strings.TrimSpace(ExtractCodeBlock(report, "json"))
	if !json.Valid([]byte(payload)) {
		raw := path + ".raw"
		if err := writeFile(raw, report); err != nil {
			return "", err
		}
		return raw, nil
	}
	return path, writeFile(path, payload)
}

// SaveCSV extracts the CSV payload from a report and writes it to
// path. Unparseable CSV goes to "<path>.raw" instead.
func SaveCSV(report, path string) (string, error) {
	payload := strings.TrimSpace(ExtractCodeBlock(report, "csv"))
	r := csv.NewReader(strings.NewReader(payload))
	r.FieldsPerRecord = -1
	if _, err := r.ReadAll(); err != nil || payload == "" {
		raw := path + ".raw"
		if werr := writeFile(raw, report); werr != nil {
			return "", werr
		}
		return raw, nil
	}
	return path, writeFile(path, payload+"\n")
}

func writeFile(path, content string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
