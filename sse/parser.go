package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"goa.design/turnkit/item"
)

// Parser consumes event-source framing ("event: T\ndata: JSON\n\n") from a
// byte stream and yields a typed Event sequence via Next. Parsing is
// single-pass and stateful: Next must be called until it returns io.EOF (a
// clean stream end, with Completed already yielded) or a non-nil *Error.
type Parser struct {
	r           *bufio.Reader
	idleTimeout time.Duration

	rateLimitsEmitted bool
	rateLimits        RateLimits
	modelsEtag        ModelsEtag
	hasModelsEtag     bool

	pendingCompleted *Completed
	pendingFailed    *Error
	done             bool
}

// New constructs a Parser over body. headers supplies the rate-limit
// snapshot and models-etag synthesized as the first two Events (spec §4.3).
// idleTimeout bounds every individual read; zero disables the bound.
func New(body io.Reader, headers http.Header, idleTimeout time.Duration) *Parser {
	p := &Parser{r: bufio.NewReader(body), idleTimeout: idleTimeout}
	if snap, ok := ParseRateLimitHeaders(headers); ok {
		p.rateLimits = RateLimits{Snapshot: snap}
	}
	if etag := headers.Get("X-Models-Etag"); etag != "" {
		p.modelsEtag = ModelsEtag{ETag: etag}
		p.hasModelsEtag = true
	}
	return p
}

// Next returns the next Event. Before any wire event, it yields RateLimits
// (always, possibly zero-valued) then ModelsEtag (only if present in
// headers). It returns (nil, io.EOF) once Completed has been yielded and the
// stream has been fully drained. A non-nil *Error is terminal: the caller
// must not call Next again.
func (p *Parser) Next(ctx context.Context) (Event, error) {
	if !p.rateLimitsEmitted {
		p.rateLimitsEmitted = true
		return p.rateLimits, nil
	}
	if p.hasModelsEtag {
		p.hasModelsEtag = false
		return p.modelsEtag, nil
	}
	if p.done {
		return nil, io.EOF
	}
	for {
		name, data, err := p.readFrame(ctx)
		if err != nil {
			p.done = true
			if errors.Is(err, io.EOF) {
				// Defer-Completed-until-close: the stream ended cleanly, so
				// surface whatever was stashed (spec §4.3).
				if p.pendingCompleted != nil {
					c := *p.pendingCompleted
					p.pendingCompleted = nil
					return c, nil
				}
				if p.pendingFailed != nil {
					return nil, p.pendingFailed
				}
				return nil, &Error{Kind: ErrStream, Message: "stream closed before response.completed"}
			}
			var se *Error
			if errors.As(err, &se) {
				return nil, se
			}
			return nil, &Error{Kind: ErrStream, Message: err.Error()}
		}
		evt, terminal, ok := p.dispatch(name, data)
		if terminal {
			continue // stashed; loop to read the next frame (or EOF)
		}
		if ok {
			return evt, nil
		}
		// unknown event kind: ignored, read the next frame.
	}
}

func (p *Parser) dispatch(name string, data []byte) (evt Event, terminal, ok bool) {
	switch name {
	case "response.created":
		var payload struct {
			Response *json.RawMessage `json:"response"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Response != nil {
			return Created{}, false, true
		}
		return nil, false, false
	case "response.output_item.added":
		if it, ok := decodeOutputItem(data); ok {
			return OutputItemAdded{Item: it}, false, true
		}
		return nil, false, false
	case "response.output_item.done":
		if it, ok := decodeOutputItem(data); ok {
			return OutputItemDone{Item: it}, false, true
		}
		return nil, false, false
	case "response.output_text.delta":
		var payload struct {
			Delta string `json:"delta"`
		}
		_ = json.Unmarshal(data, &payload)
		return OutputTextDelta{Text: payload.Delta}, false, true
	case "response.reasoning_summary_text.delta":
		var payload struct {
			Delta        string `json:"delta"`
			SummaryIndex int    `json:"summary_index"`
		}
		_ = json.Unmarshal(data, &payload)
		return ReasoningSummaryDelta{Delta: payload.Delta, SummaryIndex: payload.SummaryIndex}, false, true
	case "response.reasoning_summary_part.added":
		var payload struct {
			SummaryIndex int `json:"summary_index"`
		}
		_ = json.Unmarshal(data, &payload)
		return ReasoningSummaryPartAdded{SummaryIndex: payload.SummaryIndex}, false, true
	case "response.reasoning_text.delta":
		var payload struct {
			Delta        string `json:"delta"`
			ContentIndex int    `json:"content_index"`
		}
		_ = json.Unmarshal(data, &payload)
		return ReasoningContentDelta{Delta: payload.Delta, ContentIndex: payload.ContentIndex}, false, true
	case "response.failed":
		var payload struct {
			Error *failedPayload `json:"error"`
		}
		_ = json.Unmarshal(data, &payload)
		p.pendingFailed = classifyFailed(payload.Error)
		return nil, true, false
	case "response.completed":
		var payload struct {
			Response struct {
				ID    string `json:"id"`
				Usage *struct {
					InputTokens        int `json:"input_tokens"`
					InputTokensDetails struct {
						CachedTokens int `json:"cached_tokens"`
					} `json:"input_tokens_details"`
					OutputTokens int `json:"output_tokens"`
					TotalTokens  int `json:"total_tokens"`
				} `json:"usage"`
			} `json:"response"`
		}
		_ = json.Unmarshal(data, &payload)
		c := &Completed{ResponseID: payload.Response.ID}
		if payload.Response.Usage != nil {
			c.TokenUsage = &TokenUsage{
				InputTokens:       payload.Response.Usage.InputTokens,
				CachedInputTokens: payload.Response.Usage.InputTokensDetails.CachedTokens,
				OutputTokens:      payload.Response.Usage.OutputTokens,
				TotalTokens:       payload.Response.Usage.TotalTokens,
			}
		}
		p.pendingCompleted = c
		return nil, true, false
	default:
		return nil, false, false
	}
}

func decodeOutputItem(data []byte) (item.Item, bool) {
	var payload struct {
		Item json.RawMessage `json:"item"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || len(payload.Item) == 0 {
		return nil, false
	}
	it, err := decodeWireItem(payload.Item)
	if err != nil {
		return nil, false
	}
	return it, true
}

// readFrame reads one SSE frame (one or more "field: value" lines terminated
// by a blank line) applying the idle timeout to each underlying read.
func (p *Parser) readFrame(ctx context.Context) (name string, data []byte, err error) {
	for {
		line, err := p.readLine(ctx)
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if name == "" && len(data) == 0 {
				continue
			}
			return name, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			name = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			chunk := strings.TrimPrefix(after, " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
			continue
		}
	}
}

// readLine reads a single line, resetting the idle-timeout deadline on every
// successful read (spec §4.3 "each event read is bounded") and on every
// individual chunk (spec's supplemental feature #4: per-read, not
// per-stream).
func (p *Parser) readLine(ctx context.Context) (string, error) {
	if p.idleTimeout <= 0 {
		return p.r.ReadString('\n')
	}
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := p.r.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(p.idleTimeout):
		return "", errIdleTimeout
	case res := <-ch:
		return res.line, res.err
	}
}

var errIdleTimeout = &Error{Kind: ErrStream, Message: "idle timeout waiting for SSE"}

// ParseRateLimitHeaders extracts a rate-limit snapshot from response
// headers; ok is false when none of the rate-limit headers are present.
// Exported because the model client also needs it when classifying a
// usage-limit-reached response that never becomes a stream.
func ParseRateLimitHeaders(h http.Header) (RateLimitSnapshot, bool) {
	if h == nil {
		return RateLimitSnapshot{}, false
	}
	snap := RateLimitSnapshot{ResetsAt: h.Get("X-RateLimit-Reset")}
	any := false
	if v := h.Get("X-RateLimit-Remaining-Requests"); v != "" {
		snap.RequestsRemaining, _ = strconv.Atoi(v)
		any = true
	}
	if v := h.Get("X-RateLimit-Limit-Requests"); v != "" {
		snap.RequestsLimit, _ = strconv.Atoi(v)
		any = true
	}
	if v := h.Get("X-RateLimit-Remaining-Tokens"); v != "" {
		snap.TokensRemaining, _ = strconv.Atoi(v)
		any = true
	}
	if v := h.Get("X-RateLimit-Limit-Tokens"); v != "" {
		snap.TokensLimit, _ = strconv.Atoi(v)
		any = true
	}
	return snap, any
}
