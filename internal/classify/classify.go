// Package classify turns raw bank notification text into a structured
// transaction candidate.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dvloznov/sms-ledger/internal/domain"
	"google.golang.org/genai"
)

// Classifier extracts one structured candidate from a raw message. A
// nil candidate with a nil error never happens; failures always carry
// an error the caller can retry on.
type Classifier interface {
	Classify(ctx context.Context, rawText string) (*domain.Candidate, error)
}

// GeminiClassifier calls the Gemini API. The API key is taken from the
// environment by the genai client itself.
type GeminiClassifier struct {
	model string
}

var _ Classifier = (*GeminiClassifier)(nil)

// NewGemini returns a classifier bound to the given model name.
func NewGemini(model string) *GeminiClassifier {
	return &GeminiClassifier{model: model}
}

// Classify sends the message to the model and parses its strict-JSON
// reply into a candidate.
func (g *GeminiClassifier) Classify(ctx context.Context, rawText string) (*domain.Candidate, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("Classify: create genai client: %w", err)
	}

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: buildPrompt(rawText)},
			},
		},
	}

	resp, err := client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("Classify: generate content: %w", err)
	}

	raw := resp.Text()
	if raw == "" {
		return nil, fmt.Errorf("Classify: empty response from model")
	}

	cand, err := ParseCandidate(raw)
	if err != nil {
		return nil, fmt.Errorf("Classify: %w\nraw response: %s", err, raw)
	}
	return cand, nil
}

// buildPrompt assembles the extraction instructions around the message.
func buildPrompt(rawText string) string {
	var b strings.Builder
	b.WriteString("You are a parser for bank SMS and push notifications.\n\n")
	b.WriteString("Task:\n")
	b.WriteString("- Extract the single transaction described by the message below.\n")
	b.WriteString("- Output STRICT JSON only (no comments, no trailing commas, no extra text).\n")
	b.WriteString("- Output one JSON object.\n\n")
	b.WriteString("The object must have these fields:\n")
	b.WriteString("- \"merchant\": string (best-effort merchant or counterparty name)\n")
	b.WriteString("- \"amount\": number (always positive)\n")
	b.WriteString("- \"currency\": string (ISO code, e.g. \"USD\")\n")
	b.WriteString("- \"category\": string (one of the predefined categories below)\n")
	b.WriteString("- \"operation_type\": string, one of \"purchase\", \"transfer\", \"withdrawal\"\n")
	b.WriteString("- \"is_incoming\": boolean (true when money arrives on the account)\n")
	b.WriteString("- \"account_number\": string or null (masked account, e.g. \"*1234\")\n")
	b.WriteString("- \"card_number\": string or null (masked card)\n\n")

	b.WriteString("Use ONLY the following categories:\n")
	for _, c := range domain.KnownCategories {
		b.WriteString("  - " + c + "\n")
	}
	b.WriteString("\nRules:\n")
	b.WriteString("- If unsure about the category, use \"" + domain.CategoryOther + "\".\n")
	b.WriteString("- Transfers between own accounts get operation_type \"transfer\".\n")
	b.WriteString("- Return ONLY valid raw JSON.\n")
	b.WriteString("- Do NOT wrap the response in code fences.\n")
	b.WriteString("- Do NOT use ```json or any Markdown.\n")
	b.WriteString("- Output must begin with \"{\" and end with \"}\".\n\n")

	b.WriteString("Message:\n")
	b.WriteString(rawText)
	return b.String()
}

// ParseCandidate cleans up the model reply and unmarshals it. Exposed
// so tests can exercise the fence handling without a live model.
func ParseCandidate(raw string) (*domain.Candidate, error) {
	clean := cleanModelJSON(raw)

	var cand domain.Candidate
	if err := json.Unmarshal([]byte(clean), &cand); err != nil {
		return nil, fmt.Errorf("unmarshal candidate: %w", err)
	}
	if cand.Amount.IsNegative() {
		return nil, fmt.Errorf("candidate amount is negative: %s", cand.Amount)
	}
	cand.Category = domain.AlignCategory(cand.Category, cand.OperationType)
	return &cand, nil
}

// cleanModelJSON strips Markdown fences and surrounding junk when the
// model ignores the formatting instructions.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}
	return s
}
