package escalate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/infvision/photosort/internal/imaging"
)

const geminiModel = "gemini-2.5-flash"

// GeminiProvider sends escalation calls to the Gemini API.
type GeminiProvider struct {
	client *genai.Client
}

func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{client: client}, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini/" + geminiModel
}

func (p *GeminiProvider) Critique(ctx context.Context, imageData []byte, instruction string) (*Verdict, error) {
	// Resize image to max 800px to save costs
	resizedData, err := imaging.FitJPEG(imageData, 800)
	if err != nil {
		return nil, fmt.Errorf("failed to resize image: %w", err)
	}

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: instruction + "\n\nEvaluate this photo."},
				{InlineData: &genai.Blob{Data: resizedData, MIMEType: "image/jpeg"}},
			},
		},
	}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}

	result, err := p.client.Models.GenerateContent(ctx, geminiModel, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini API error: %w", err)
	}

	content := result.Text()
	if content == "" {
		return nil, errors.New("no response from Gemini")
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(extractJSON(content)), &verdict); err != nil {
		return nil, &CallError{
			Kind: FailureMalformed,
			Err:  fmt.Errorf("failed to parse verdict JSON: %w (response: %s)", err, content),
		}
	}
	if err := verdict.Validate(); err != nil {
		return nil, &CallError{
			Kind: FailureMalformed,
			Err:  fmt.Errorf("invalid verdict: %w (response: %s)", err, content),
		}
	}

	return &verdict, nil
}
