package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds a single extraction call. Extraction is compute heavy
// on the server side, so this is minutes rather than seconds.
const DefaultTimeout = 5 * time.Minute

// Remote calls the hosted extraction service at {base}/image-process.
type Remote struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// RemoteOption configures a Remote extractor.
type RemoteOption func(*Remote)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) {
		if c != nil {
			r.client = c
		}
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) RemoteOption {
	return func(r *Remote) {
		if d > 0 {
			r.client.Timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RemoteOption {
	return func(r *Remote) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRemote creates a Remote extractor for the given base URL.
func NewRemote(baseURL string, opts ...RemoteOption) (*Remote, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("extraction base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parsing extraction base url: %w", err)
	}

	r := &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Extract posts the file as multipart field "files" and decodes the array of
// zero or one records.
func (r *Remote) Extract(ctx context.Context, file File, model string) (Result, error) {
	body, contentType, err := multipartBody(file)
	if err != nil {
		return Result{}, &Error{Message: "building request body", Err: err}
	}

	endpoint := fmt.Sprintf("%s/image-process?model=%s", r.baseURL, url.QueryEscape(model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return Result{}, &Error{Message: "creating request", Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	reqID := uuid.NewString()
	start := time.Now()
	r.logger.Info("extraction.request",
		"req_id", reqID,
		"file", file.Name,
		"model", model,
		"bytes", len(file.Data),
	)

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Error("extraction.send_error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		msg := "calling extraction service"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "extraction timed out"
		}
		return Result{}, &Error{Message: msg, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, &Error{Message: "reading response", Err: err}
	}

	r.logger.Info("extraction.response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode != http.StatusOK {
		return Result{}, &Error{StatusCode: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}

	var records []Record
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &records); err != nil {
			return Result{}, &Error{Message: "decoding response", Err: err}
		}
	}
	if len(records) == 0 {
		return Result{}, nil
	}
	if len(records) > 1 {
		r.logger.Warn("extraction.extra_records", "req_id", reqID, "count", len(records))
	}
	rec := records[0]
	return Result{Record: &rec}, nil
}

// Close is a no-op for the HTTP client
func (r *Remote) Close() error {
	return nil
}

func multipartBody(file File) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, escapeQuotes(file.Name)))
	mimeType := file.MIMEType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// errorMessage pulls a message out of a JSON error body when there is one.
func errorMessage(raw []byte, fallback string) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, m := range []string{body.Message, body.Error, body.Detail} {
			if m != "" {
				return m
			}
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" && len(s) < 512 {
		return s
	}
	return fallback
}
