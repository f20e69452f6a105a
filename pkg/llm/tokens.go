package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Shared cl100k_base tokenizer, loaded on first use
var (
	tokenizer     *tiktoken.Tiktoken
	tokenizerOnce sync.Once
)

func loadTokenizer() *tiktoken.Tiktoken {
	tokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenizer = enc
		}
	})
	return tokenizer
}

// CountTokens returns the BPE token count of text. When the encoding cannot be
// loaded it falls back to a byte-class estimate. Non-empty text always counts
// as at least one token.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := loadTokenizer(); enc != nil {
		if n := len(enc.Encode(text, nil, nil)); n > 0 {
			return n
		}
		return 1
	}
	return EstimateTokens(text)
}

// EstimateTokens approximates a token count without a tokenizer:
// ASCII ~4 chars/token, non-ASCII (CJK) ~1.5 token/byte.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	ascii, other := 0, 0
	for i := 0; i < len(text); i++ {
		if text[i] <= 0x7f {
			ascii++
		} else {
			other++
		}
	}
	n := ascii/4 + other*3/2
	if n == 0 {
		n = 1
	}
	return n
}

// CountMessageTokens sums CountTokens over the content of msgs.
func CountMessageTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += CountTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += CountTokens(tc.Name) + CountTokens(tc.Arguments)
		}
	}
	return total
}
