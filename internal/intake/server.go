package intake

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/zombor/invoice-intake/internal/capture"
	"github.com/zombor/invoice-intake/internal/ledger"
)

// Camera is the capture surface the server drives
type Camera interface {
	Acquire(ctx context.Context) error
	Capture(ctx context.Context) (capture.Image, error)
	SwitchDevice(ctx context.Context) error
	CurrentDevice() string
}

// LedgerReader is the read and moderation side of the ledger the server
// proxies
type LedgerReader interface {
	ListInvoices(ctx context.Context, groupID string, page ledger.Page) (*ledger.InvoicePage, error)
	DeleteInvoice(ctx context.Context, groupID, id string) error
	RejectInvoice(ctx context.Context, groupID, id string) (*ledger.Invoice, error)
	ListGroups(ctx context.Context) ([]ledger.Group, error)
	MarketShare(ctx context.Context, groupID string, r ledger.DateRange) ([]ledger.StoreShare, error)
	TopProducts(ctx context.Context, groupID string, r ledger.DateRange, limit int) ([]ledger.ProductStat, error)
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Server exposes the session over a local JSON API
type Server struct {
	session   *Session
	camera    Camera
	ledger    LedgerReader
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// NewServer creates a server. camera and ledger may be nil; their routes
// then answer 503.
func NewServer(session *Session, camera Camera, l LedgerReader, basicAuth BasicAuth) *Server {
	return NewServerWithMux(session, camera, l, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(session *Session, camera Camera, l LedgerReader, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		session:   session,
		camera:    camera,
		ledger:    l,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers and answers preflight requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Invoice Intake"`)
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// staged files
	s.mux.HandleFunc("GET /api/files/{id}/preview", s.requireAuth(s.handlePreview))
	s.mux.HandleFunc("POST /api/files/{id}/extract", s.requireAuth(s.handleExtract))
	s.mux.HandleFunc("DELETE /api/files/{id}", s.requireAuth(s.handleRemoveFile))
	s.mux.HandleFunc("GET /api/files", s.requireAuth(s.handleListFiles))
	s.mux.HandleFunc("POST /api/files", s.requireAuth(s.handleUploadFiles))
	s.mux.HandleFunc("DELETE /api/files", s.requireAuth(s.handleClearFiles))
	s.mux.HandleFunc("POST /api/extract", s.requireAuth(s.handleExtractAll))

	// drafts
	s.mux.HandleFunc("PATCH /api/drafts/{id}/items/{index}", s.requireAuth(s.handleUpdateItem))
	s.mux.HandleFunc("DELETE /api/drafts/{id}/items/{index}", s.requireAuth(s.handleRemoveItem))
	s.mux.HandleFunc("POST /api/drafts/{id}/items", s.requireAuth(s.handleAddItem))
	s.mux.HandleFunc("POST /api/drafts/{id}/recompute", s.requireAuth(s.handleRecompute))
	s.mux.HandleFunc("POST /api/drafts/{id}/regenerate-id", s.requireAuth(s.handleRegenerateID))
	s.mux.HandleFunc("POST /api/drafts/{id}/submit", s.requireAuth(s.handleSubmit))
	s.mux.HandleFunc("POST /api/drafts/{id}/approve", s.requireAuth(s.handleApprove))
	s.mux.HandleFunc("GET /api/drafts/{id}", s.requireAuth(s.handleGetDraft))
	s.mux.HandleFunc("PATCH /api/drafts/{id}", s.requireAuth(s.handlePatchDraft))
	s.mux.HandleFunc("GET /api/drafts", s.requireAuth(s.handleListDrafts))

	// group selection
	s.mux.HandleFunc("GET /api/group", s.requireAuth(s.handleGetGroup))
	s.mux.HandleFunc("PUT /api/group", s.requireAuth(s.handleSelectGroup))

	// camera
	s.mux.HandleFunc("POST /api/capture/switch", s.requireAuth(s.handleSwitchDevice))
	s.mux.HandleFunc("POST /api/capture", s.requireAuth(s.handleCapture))

	// ledger
	s.mux.HandleFunc("POST /api/ledger/invoices/{id}/reject", s.requireAuth(s.handleLedgerReject))
	s.mux.HandleFunc("DELETE /api/ledger/invoices/{id}", s.requireAuth(s.handleLedgerDelete))
	s.mux.HandleFunc("GET /api/ledger/invoices", s.requireAuth(s.handleLedgerInvoices))
	s.mux.HandleFunc("GET /api/ledger/groups", s.requireAuth(s.handleLedgerGroups))
	s.mux.HandleFunc("GET /api/ledger/stats/market-share", s.requireAuth(s.handleMarketShare))
	s.mux.HandleFunc("GET /api/ledger/stats/top-products", s.requireAuth(s.handleTopProducts))
}

// Handler returns the mux wrapped in the CORS middleware
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
