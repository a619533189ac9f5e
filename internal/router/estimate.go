package router

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// charsPerTokenFallback is the rough ratio used when the tokenizer cannot
// load (e.g. offline environments without the BPE file cached).
const charsPerTokenFallback = 4

// Estimator approximates the prompt token count of a request body. Used for
// the token-ceiling check only — billable counts always come from the
// backend's reported usage.
type Estimator struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
}

// NewEstimator creates an estimator on the named tiktoken encoding. The
// encoder is loaded lazily on first use.
func NewEstimator(encoding string) *Estimator {
	return &Estimator{encoding: encoding}
}

// EstimateRequest sums token estimates over the message contents.
func (e *Estimator) EstimateRequest(body []byte) int {
	total := 0
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.IsArray() {
			content.ForEach(func(_, block gjson.Result) bool {
				total += e.estimateText(block.Get("text").String())
				return true
			})
		} else {
			total += e.estimateText(content.String())
		}
		return true
	})
	return total
}

func (e *Estimator) estimateText(text string) int {
	if text == "" {
		return 0
	}

	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			log.Warn().Err(err).Str("encoding", e.encoding).
				Msg("router: tokenizer unavailable, falling back to character ratio")
			return
		}
		e.enc = enc
	})

	if e.enc == nil {
		return len(text) / charsPerTokenFallback
	}
	return len(e.enc.Encode(text, nil, nil))
}
