package extraction

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/invoice-intake/internal/imaging"
)

// Ollama implements Extractor against a local Ollama server.
// Vision models that read invoices reasonably well:
//   - llava:1.6
//   - qwen2-vl:7b (good OCR)
//   - bakllava
type Ollama struct {
	baseURL      string
	defaultModel string
	client       *http.Client
}

// NewOllama creates a new Ollama extractor
func NewOllama(baseURL string, defaultModel string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if defaultModel == "" {
		defaultModel = "llava"
	}

	return &Ollama{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Extract analyzes an invoice and extracts the structured record. model is
// used as the Ollama model name when non-empty.
func (o *Ollama) Extract(ctx context.Context, file File, model string) (Result, error) {
	if model == "" {
		model = o.defaultModel
	}

	imageData, _, err := imaging.Normalize(file.Data, file.MIMEType)
	if err != nil {
		return Result{}, &Error{Message: "preparing image", Err: err}
	}

	reqBody := ollamaChatRequest{
		Model:  model,
		Stream: false,
		Format: "json",
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an expert at reading invoices. You must carefully read all text in images and extract accurate information.",
			},
			{
				Role:    "user",
				Content: invoicePrompt,
				Images:  []string{base64.StdEncoding.EncodeToString(imageData)},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, &Error{Message: "marshaling request", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, o.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/api/chat", o.baseURL), bytes.NewReader(jsonData))
	if err != nil {
		return Result{}, &Error{Message: "creating request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		return Result{}, &Error{Message: "calling ollama API", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Result{}, &Error{StatusCode: resp.StatusCode, Message: errorMessage(body, resp.Status)}
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return Result{}, &Error{Message: "decoding response", Err: err}
	}

	res, err := parseRecordJSON(chatResp.Message.Content)
	if err != nil {
		return Result{}, &Error{Message: fmt.Sprintf("parsing invoice data after %s", time.Since(start).Round(time.Millisecond)), Err: err}
	}
	return res, nil
}

// Close is a no-op for the HTTP client
func (o *Ollama) Close() error {
	return nil
}
