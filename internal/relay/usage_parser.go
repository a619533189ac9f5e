package relay

import (
	"bytes"
	"encoding/json"
)

// usageParser incrementally parses SSE events and accumulates token usage.
// It only reads structured "data: {json}" events, so token-like key names in
// generated text cannot produce false counts. Both OpenAI chunk envelopes
// (usage.prompt_tokens) and Anthropic message events (message.usage /
// usage.input_tokens) are understood.
type usageParser struct {
	buffer      []byte
	usage       Usage
	sawSentinel bool
}

type ssePayload struct {
	Type  string `json:"type"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		InputTokens      int `json:"input_tokens"`
		OutputTokens     int `json:"output_tokens"`
	} `json:"usage"`
	Message struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

func newUsageParser() *usageParser {
	return &usageParser{buffer: make([]byte, 0, 4096)}
}

// Feed consumes a raw stream chunk, parsing any completed events.
func (p *usageParser) Feed(chunk []byte) {
	p.buffer = append(p.buffer, chunk...)
	p.parse(false)
}

// Usage finalizes parsing (flushing any trailing partial event) and returns
// the accumulated counts.
func (p *usageParser) Usage() Usage {
	p.parse(true)
	return p.usage
}

// SawSentinel reports whether the stream's completion marker was observed.
func (p *usageParser) SawSentinel() bool {
	return p.sawSentinel
}

func (p *usageParser) parse(flush bool) {
	for {
		event, rest, ok := nextSSEEvent(p.buffer, flush)
		if !ok {
			return
		}
		p.buffer = rest
		p.parseEvent(event)
	}
}

func nextSSEEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

func (p *usageParser) parseEvent(event []byte) {
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}

		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 {
			continue
		}
		if bytes.Equal(payload, []byte("[DONE]")) {
			p.sawSentinel = true
			continue
		}

		var parsed ssePayload
		if err := json.Unmarshal(payload, &parsed); err != nil {
			continue
		}
		if parsed.Type == "message_stop" {
			p.sawSentinel = true
		}
		p.applyUsage(parsed)
	}
}

func (p *usageParser) applyUsage(parsed ssePayload) {
	// Anthropic message_start carries input tokens under message.usage.
	if v := parsed.Message.Usage.InputTokens; v > 0 {
		p.usage.InputTokens = v
		p.usage.Reported = true
	}
	if v := parsed.Message.Usage.OutputTokens; v > p.usage.OutputTokens {
		p.usage.OutputTokens = v
		p.usage.Reported = true
	}

	// Top-level usage: OpenAI final chunk or Anthropic message_delta.
	if v := parsed.Usage.PromptTokens; v > 0 {
		p.usage.InputTokens = v
		p.usage.Reported = true
	}
	if v := parsed.Usage.InputTokens; v > 0 {
		p.usage.InputTokens = v
		p.usage.Reported = true
	}
	// Output counts are cumulative in both dialects; keep the max observed.
	if v := parsed.Usage.CompletionTokens; v > p.usage.OutputTokens {
		p.usage.OutputTokens = v
		p.usage.Reported = true
	}
	if v := parsed.Usage.OutputTokens; v > p.usage.OutputTokens {
		p.usage.OutputTokens = v
		p.usage.Reported = true
	}
}
