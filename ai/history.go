package ai

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

// Approximate per-message formatting overhead in the chat completion format.
const messageOverhead = 4

// TokenCounter returns the number of tokens text encodes to.
type TokenCounter func(text string) int

var (
	encoder     *tiktoken.Tiktoken
	encoderOnce sync.Once
	encoderErr  error
)

// CountTokens counts tokens with the cl100k_base encoding, falling back to a
// character estimate when the encoding cannot be loaded.
func CountTokens(text string) int {
	encoderOnce.Do(func() {
		encoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
		if encoderErr != nil {
			log.Warn().Err(encoderErr).Msg("tiktoken unavailable, estimating token counts")
		}
	})
	if encoderErr != nil {
		return EstimateTokens(text)
	}
	return len(encoder.Encode(text, nil, nil))
}

// EstimateTokens assumes roughly four characters per token.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// HistoryWindow trims a conversation to the most recent turns that fit a
// token budget and prepends the system prompt.
type HistoryWindow struct {
	budget       int
	systemPrompt string
	count        TokenCounter
}

func NewHistoryWindow(budget int, systemPrompt string, counter TokenCounter) *HistoryWindow {
	if counter == nil {
		counter = CountTokens
	}
	return &HistoryWindow{
		budget:       budget,
		systemPrompt: systemPrompt,
		count:        counter,
	}
}

// Fit keeps the newest turns within budget. The last turn is always kept.
// System turns already present in history are dropped in favour of the
// window's own prompt.
func (w *HistoryWindow) Fit(history []Turn) []Turn {
	remaining := w.budget
	var prompt []Turn
	if w.systemPrompt != "" {
		prompt = []Turn{{Role: RoleSystem, Content: w.systemPrompt}}
		remaining -= w.count(w.systemPrompt) + messageOverhead
	}

	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleSystem {
			continue
		}
		cost := w.count(history[i].Content) + messageOverhead
		if cost > remaining && start < len(history) {
			break
		}
		remaining -= cost
		start = i
	}

	fitted := make([]Turn, 0, len(prompt)+len(history)-start)
	fitted = append(fitted, prompt...)
	for _, turn := range history[start:] {
		if turn.Role != RoleSystem {
			fitted = append(fitted, turn)
		}
	}
	return fitted
}
