// Package advisor drafts remediation suggestions for findings using Gemini.
// It is advisory only: nothing it produces feeds back into the workflow
// without going through the normal request/approval path.
package advisor

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/user/guardian/pkg/guardian"
)

type Advisor struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func New(ctx context.Context, apiKey, modelName string) (*Advisor, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}

	if modelName == "" {
		modelName = "gemini-pro"
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &Advisor{client: client, model: model}, nil
}

// Suggest returns a short remediation suggestion for one finding.
func (a *Advisor) Suggest(ctx context.Context, f *guardian.Finding) (string, error) {
	prompt := fmt.Sprintf(
		"You are a security remediation assistant. Suggest a concise remediation for the following finding.\n"+
			"Severity: %s\nCategory: %s\nTitle: %s\nDescription: %s\n"+
			"Reply with the recommended action, its risk, and a validation step.",
		f.Severity, f.Category, f.Title, f.Description)

	resp, err := a.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no response candidates")
	}

	var out string
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out += string(text)
		}
	}
	if out == "" {
		return "", fmt.Errorf("empty response")
	}
	return out, nil
}

func (a *Advisor) Close() {
	a.client.Close()
}
