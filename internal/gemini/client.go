// Package gemini is an HTTP client for the Gemini interactions API:
// background deep-research operations, event streaming with resume,
// one-shot completions, and file search stores.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"deepresearch/mission/internal/research"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Config selects the API surface and the models behind it.
type Config struct {
	APIKey        string
	BaseURL       string // defaults to the public v1beta endpoint
	Agent         string // deep-research agent name
	FollowupModel string // model for one-shot completions
	Timeout       time.Duration
}

// Client implements research.Client against the interactions API.
type Client struct {
	apiKey        string
	baseURL       string
	agent         string
	followupModel string
	httpClient    *http.Client
}

// NewClient creates a client. Streaming requests use a transport
// without an overall timeout so long-lived event streams are not cut
// off client-side.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key not configured")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		apiKey:        cfg.APIKey,
		baseURL:       strings.TrimRight(base, "/"),
		agent:         cfg.Agent,
		followupModel: cfg.FollowupModel,
		httpClient:    &http.Client{Timeout: timeout},
	}, nil
}

// Wire types for the interactions API.

type interactionRequest struct {
	Input                 string       `json:"input"`
	Agent                 string       `json:"agent,omitempty"`
	Model                 string       `json:"model,omitempty"`
	Background            bool         `json:"background,omitempty"`
	Stream                bool         `json:"stream,omitempty"`
	Tools                 []tool       `json:"tools,omitempty"`
	AgentConfig           *agentConfig `json:"agent_config,omitempty"`
	PreviousInteractionID string       `json:"previous_interaction_id,omitempty"`
}

type tool struct {
	Type       string   `json:"type"`
	StoreNames []string `json:"file_search_store_names,omitempty"`
}

type agentConfig struct {
	Type              string `json:"type"`
	ThinkingSummaries string `json:"thinking_summaries,omitempty"`
}

type interaction struct {
	ID      string   `json:"id"`
	Status  string   `json:"status"`
	Outputs []output `json:"outputs"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type output struct {
	Text string `json:"text"`
}

type streamEvent struct {
	EventType   string       `json:"event_type"`
	EventID     string       `json:"event_id"`
	Interaction *interaction `json:"interaction"`
	Delta       *struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Content *struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"delta"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) endpoint(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("key", c.apiKey)
	return c.baseURL + path + "?" + query.Encode()
}

// uploadEndpoint targets the media-upload host variant of the API.
// Custom base URLs without a version segment are used as-is.
func (c *Client) uploadEndpoint(path string) string {
	base := strings.Replace(c.baseURL, "/v1beta", "/upload/v1beta", 1)
	return base + path + "?key=" + url.QueryEscape(c.apiKey)
}

// Create starts a background research operation.
func (c *Client) Create(ctx context.Context, req research.SubmitRequest) (*research.Operation, error) {
	body := interactionRequest{
		Input:      req.Prompt,
		Agent:      c.agent,
		Background: true,
		Tools:      storeTools(req.Stores),
	}
	var in interaction
	if err := c.postJSON(ctx, "/interactions", body, &in); err != nil {
		return nil, fmt.Errorf("creating interaction: %w", err)
	}
	return toOperation(&in), nil
}

// CreateStream starts a background research operation and attaches to
// its event stream.
func (c *Client) CreateStream(ctx context.Context, req research.SubmitRequest) (<-chan research.Event, error) {
	body := interactionRequest{
		Input:       req.Prompt,
		Agent:       c.agent,
		Background:  true,
		Stream:      true,
		Tools:       storeTools(req.Stores),
		AgentConfig: &agentConfig{Type: "deep-research", ThinkingSummaries: "auto"},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	return c.openStream(ctx, "POST", c.endpoint("/interactions", nil), payload)
}

// Resume re-attaches to a running operation's event stream, replaying
// events after lastEventID.
func (c *Client) Resume(ctx context.Context, remoteID, lastEventID string) (<-chan research.Event, error) {
	q := url.Values{"stream": {"true"}}
	if lastEventID != "" {
		q.Set("last_event_id", lastEventID)
	}
	return c.openStream(ctx, "GET", c.endpoint("/interactions/"+remoteID, q), nil)
}

// Poll fetches the current snapshot of an operation.
func (c *Client) Poll(ctx context.Context, remoteID string) (*research.Operation, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.endpoint("/interactions/"+remoteID, nil), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetching interaction: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}
	var in interaction
	if err := json.NewDecoder(resp.Body).Decode(&in); err != nil {
		return nil, fmt.Errorf("decoding interaction: %w", err)
	}
	return toOperation(&in), nil
}

// Complete performs a one-shot completion on the follow-up model,
// optionally chained onto an earlier interaction.
func (c *Client) Complete(ctx context.Context, req research.CompleteRequest) (string, error) {
	body := interactionRequest{
		Input:                 req.Prompt,
		Model:                 c.followupModel,
		PreviousInteractionID: req.PreviousID,
	}
	var in interaction
	if err := c.postJSON(ctx, "/interactions", body, &in); err != nil {
		return "", fmt.Errorf("completing: %w", err)
	}
	if in.Error != nil {
		return "", fmt.Errorf("completion failed: %s", in.Error.Message)
	}
	if len(in.Outputs) == 0 {
		return "", fmt.Errorf("completion returned no outputs")
	}
	return in.Outputs[len(in.Outputs)-1].Text, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint(path, nil), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// openStream issues an SSE request and forwards parsed events on an
// unbuffered channel. The channel closes when the server ends the
// stream or the connection drops; the consumer decides whether that
// close was terminal.
func (c *Client) openStream(ctx context.Context, method, streamURL string, payload []byte) (<-chan research.Event, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, streamURL, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	// No overall timeout on stream requests; lifetime is ctx-bound.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, httpError(resp)
	}

	events := make(chan research.Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}
			var raw streamEvent
			if err := json.Unmarshal([]byte(data), &raw); err != nil {
				continue
			}
			ev, ok := toEvent(&raw)
			if !ok {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Kind == research.EventCompleted || ev.Kind == research.EventFailed {
				return
			}
		}
	}()
	return events, nil
}

// toEvent maps a wire event onto the orchestrator's typed events.
func toEvent(raw *streamEvent) (research.Event, bool) {
	ev := research.Event{ID: raw.EventID}
	switch raw.EventType {
	case "interaction.start":
		ev.Kind = research.EventStarted
		if raw.Interaction != nil {
			ev.RemoteID = raw.Interaction.ID
		}
	case "content.delta":
		if raw.Delta == nil {
			return ev, false
		}
		switch raw.Delta.Type {
		case "text":
			ev.Kind = research.EventContent
			ev.Text = raw.Delta.Text
		case "thought_summary":
			ev.Kind = research.EventThought
			if raw.Delta.Content != nil {
				ev.Text = raw.Delta.Content.Text
			}
		default:
			return ev, false
		}
	case "interaction.complete":
		ev.Kind = research.EventCompleted
	case "error":
		ev.Kind = research.EventFailed
		if raw.Error != nil {
			ev.Text = raw.Error.Message
		} else {
			ev.Text = "stream reported an error"
		}
	default:
		return ev, false
	}
	return ev, true
}

func toOperation(in *interaction) *research.Operation {
	op := &research.Operation{ID: in.ID}
	switch in.Status {
	case "completed":
		op.Status = research.OpCompleted
		if len(in.Outputs) > 0 {
			op.Output = in.Outputs[len(in.Outputs)-1].Text
		}
	case "failed":
		op.Status = research.OpFailed
		if in.Error != nil {
			op.Error = in.Error.Message
		} else {
			op.Error = "interaction failed"
		}
	default:
		op.Status = research.OpRunning
	}
	return op
}

func storeTools(stores []string) []tool {
	if len(stores) == 0 {
		return nil
	}
	return []tool{{Type: "file_search", StoreNames: stores}}
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("gemini API %d: %s", resp.StatusCode, msg)
}
