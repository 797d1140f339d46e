// Package usage estimates token counts, prices requests and records usage.
package usage

import "aigate/internal/domain"

// Per-message overhead for role and framing
const messageOverhead = 4

// Estimate approximates the token count of text at four bytes per token
func Estimate(text string) int64 {
	return int64((len(text) + 3) / 4)
}

// CountMessages estimates the input tokens of a conversation
func CountMessages(messages []domain.Message) int64 {
	var total int64
	for _, m := range messages {
		total += Estimate(m.Content) + messageOverhead
	}
	return total
}

// TokenCounts is the estimated size of one request
type TokenCounts struct {
	Input  int64 `json:"input_tokens"`
	Output int64 `json:"output_tokens"`
	Total  int64 `json:"total_tokens"`
}

// CalculateRequestTokens estimates input tokens from messages and output
// tokens from the response text
func CalculateRequestTokens(messages []domain.Message, response string) TokenCounts {
	in := CountMessages(messages)
	out := Estimate(response)
	return TokenCounts{Input: in, Output: out, Total: in + out}
}
