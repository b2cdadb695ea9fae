package questions

import "context"

// Question is one canonical quiz item from the question bank.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices,omitempty"`
	Answer  string   `json:"answer"`
	Lang    string   `json:"lang"`
	Format  string   `json:"format"`
}

// Source supplies questions for a match. The production implementation is an
// HTTP client against the question-bank service; tests use a static source.
type Source interface {
	Fetch(ctx context.Context, lang, format string, n int) ([]Question, error)
}

type fetchRequest struct {
	Lang   string `json:"lang"`
	Format string `json:"format"`
	Count  int    `json:"count"`
}

type fetchResponse struct {
	Questions []Question `json:"questions"`
}
