package chat

import (
	"context"
	"strings"
)

const classifyTemplate = "Classify the following text into one of these categories: {{labels}}.\n\nText: {{input}}\n\nCategory:"

// Classify asks the default provider to pick one of labels for text and
// returns the trimmed answer
func (s *Service) Classify(ctx context.Context, text string, labels []string) (string, error) {
	prompt := NewPromptTemplate(classifyTemplate).With(map[string]string{
		"labels": strings.Join(labels, ", "),
		"input":  text,
	})

	resp, err := s.Chat().Messages(prompt.ToMessages("")...).Get(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text()), nil
}
