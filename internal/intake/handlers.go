package intake

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/zombor/invoice-intake/internal/auth"
	"github.com/zombor/invoice-intake/internal/capture"
	"github.com/zombor/invoice-intake/internal/extraction"
	"github.com/zombor/invoice-intake/internal/ledger"
)

// maxUploadSize covers high-resolution phone photos and multi-page PDFs
const maxUploadSize = int64(50 << 20)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

type errorResponse struct {
	Error     string       `json:"error"`
	Kind      FailureKind  `json:"kind,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
	Fields    []FieldError `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, errorResponse{Error: message})
}

// writeFailure maps a domain error to a status code and JSON body
func writeFailure(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}

	var (
		subErr *SubmissionError
		valErr *ValidationError
		apiErr *ledger.APIError
		xErr   *extraction.Error
		capErr *capture.Error
		code   = http.StatusInternalServerError
	)
	if errors.As(err, &valErr) {
		resp.Fields = valErr.Fields
	}

	switch {
	case errors.As(err, &subErr):
		resp.Kind = subErr.Kind
		resp.Retryable = subErr.Retryable()
		switch subErr.Kind {
		case KindValidation, KindRejected:
			code = http.StatusUnprocessableEntity
		case KindUnauthenticated:
			code = http.StatusUnauthorized
		default:
			code = http.StatusBadGateway
		}
	case errors.Is(err, ErrFileNotFound), errors.Is(err, ErrDraftNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrExtractionInFlight), errors.Is(err, ErrSubmissionInFlight),
		errors.Is(err, ErrAlreadySubmitted), errors.Is(err, ErrNotSubmitted),
		errors.Is(err, ErrStateTransition), errors.Is(err, ErrDuplicateName),
		errors.Is(err, capture.ErrCaptureBusy):
		code = http.StatusConflict
	case errors.Is(err, ErrItemIndex), errors.Is(err, ErrInvalidValue),
		errors.Is(err, ErrGroupRequired), errors.Is(err, ErrUnsupportedFileType),
		errors.Is(err, ErrEmptyFile):
		code = http.StatusBadRequest
	case errors.Is(err, auth.ErrReauthRequired):
		code = http.StatusUnauthorized
	case errors.As(err, &apiErr):
		code = http.StatusBadGateway
		if ledger.IsClientError(err) {
			code = apiErr.StatusCode
		}
	case errors.As(err, &capErr):
		switch capErr.Kind {
		case capture.KindPermissionDenied:
			code = http.StatusForbidden
		case capture.KindDeviceNotFound:
			code = http.StatusNotFound
		case capture.KindNotSupported:
			code = http.StatusNotImplemented
		}
	case errors.As(err, &xErr):
		code = http.StatusBadGateway
	}

	writeJSON(w, code, resp)
}

func indexParam(r *http.Request) (int, error) {
	i, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		return 0, ErrItemIndex
	}
	return i, nil
}

// handleListFiles returns the staged files in insertion order
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Registry().List())
}

// handleUploadFiles stages every file in the multipart "files" field
func (s *Server) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		msg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "Upload is too large. Maximum size is 50MB."
		}
		writeError(w, msg, http.StatusBadRequest)
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, "No files were selected", http.StatusBadRequest)
		return
	}

	uploads := make([]Upload, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			writeError(w, "Error reading file", http.StatusInternalServerError)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			slog.Error("Error reading file data", "error", err, "filename", h.Filename)
			writeError(w, "Error reading file", http.StatusInternalServerError)
			return
		}
		uploads = append(uploads, Upload{
			Name:     h.Filename,
			MIMEType: h.Header.Get("Content-Type"),
			Data:     data,
		})
	}

	staged, err := s.session.Stage(r.Context(), UploadPath, uploads...)
	if err != nil && len(staged) == 0 {
		writeFailure(w, err)
		return
	}

	resp := map[string]any{"files": staged}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	if !s.session.Remove(r.PathValue("id")) {
		writeFailure(w, ErrFileNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.session.Clear()})
}

// handlePreview serves the original bytes of a staged file
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	img, err := s.session.Image(r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", img.MIMEType)
	w.Write(img.Data)
}

// handleExtract runs one extraction and returns the file with its draft
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// extraction outlives a client hang-up
	ctx := context.WithoutCancel(r.Context())
	if err := s.session.Extract(ctx, id, r.URL.Query().Get("model")); err != nil {
		writeFailure(w, err)
		return
	}

	f, ok := s.session.Registry().Get(id)
	if !ok {
		writeFailure(w, ErrFileNotFound)
		return
	}
	resp := map[string]any{"file": f}
	if d, ok := s.session.Drafts().Get(id); ok {
		resp["draft"] = d
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExtractAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.ExtractAll(context.WithoutCancel(r.Context()), r.URL.Query().Get("model")))
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Drafts().List())
}

func (s *Server) writeDraft(w http.ResponseWriter, id string, code int) {
	d, ok := s.session.Drafts().Get(id)
	if !ok {
		writeFailure(w, ErrDraftNotFound)
		return
	}
	writeJSON(w, code, d)
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	s.writeDraft(w, r.PathValue("id"), http.StatusOK)
}

func (s *Server) handlePatchDraft(w http.ResponseWriter, r *http.Request) {
	var patch HeaderPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if err := s.session.Drafts().PatchHeader(id, patch); err != nil {
		writeFailure(w, err)
		return
	}
	s.writeDraft(w, id, http.StatusOK)
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.session.Drafts().AddItem(id); err != nil {
		writeFailure(w, err)
		return
	}
	s.writeDraft(w, id, http.StatusCreated)
}

// handleUpdateItem applies a body of field/value pairs to one item. A bad
// value leaves the item unchanged.
func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	index, err := indexParam(r)
	if err != nil {
		writeFailure(w, err)
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var fields map[ItemField]any
	if err := dec.Decode(&fields); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if err := s.session.Drafts().UpdateItemFields(id, index, fields); err != nil {
		writeFailure(w, err)
		return
	}
	s.writeDraft(w, id, http.StatusOK)
}

func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	index, err := indexParam(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.session.Drafts().RemoveItem(id, index); err != nil {
		writeFailure(w, err)
		return
	}
	s.writeDraft(w, id, http.StatusOK)
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.session.Drafts().RecomputeTotal(id); err != nil {
		writeFailure(w, err)
		return
	}
	s.writeDraft(w, id, http.StatusOK)
}

func (s *Server) handleRegenerateID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.session.Drafts().RegenerateInvoiceID(id); err != nil {
		writeFailure(w, err)
		return
	}
	s.writeDraft(w, id, http.StatusOK)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	inv, err := s.session.Submit(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	inv, err := s.session.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

type groupBody struct {
	GroupID string `json:"group_id"`
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, groupBody{GroupID: s.session.Group()})
}

func (s *Server) handleSelectGroup(w http.ResponseWriter, r *http.Request) {
	var req groupBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	s.session.SelectGroup(req.GroupID)
	writeJSON(w, http.StatusOK, req)
}
