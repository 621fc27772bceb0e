package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/zombor/invoice-intake/internal/imaging"
)

// Gemini implements Extractor using Google Gemini
type Gemini struct {
	client       *genai.Client
	defaultModel string
}

// NewGemini creates a new Gemini extractor. The model passed to Extract
// overrides defaultModel when it names a Gemini model.
func NewGemini(apiKey string, defaultModel string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if defaultModel == "" {
		defaultModel = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client:       client,
		defaultModel: defaultModel,
	}, nil
}

// Extract analyzes an invoice and extracts the structured record
func (g *Gemini) Extract(ctx context.Context, file File, model string) (Result, error) {
	imageData, _, err := imaging.Normalize(file.Data, file.MIMEType)
	if err != nil {
		return Result{}, &Error{Message: "preparing image", Err: err}
	}

	if !strings.HasPrefix(model, "gemini") {
		model = g.defaultModel
	}
	m := g.client.GenerativeModel(model)

	// genai.ImageData wants the format suffix, and Normalize always yields PNG
	resp, err := m.GenerateContent(ctx, genai.ImageData("png", imageData), genai.Text(invoicePrompt))
	if err != nil {
		return Result{}, &Error{Message: "generating content", Err: err}
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return Result{}, &Error{Message: "no response from gemini"}
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	res, err := parseRecordJSON(text.String())
	if err != nil {
		return Result{}, &Error{Message: "parsing invoice data", Err: err}
	}
	return res, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
