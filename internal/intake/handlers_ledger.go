package intake

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/zombor/invoice-intake/internal/ledger"
)

var errUnavailable = errors.New("not configured")

// handleCapture grabs a frame. The session is the camera's sink, so the
// image is staged and extraction starts before this returns.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if s.camera == nil {
		writeError(w, "Camera "+errUnavailable.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := s.camera.Acquire(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	img, err := s.camera.Capture(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}

	resp := map[string]any{"name": img.ID, "device": img.DeviceID}
	for _, f := range s.session.Registry().List() {
		if f.Name == img.ID {
			resp["file"] = f
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleSwitchDevice(w http.ResponseWriter, r *http.Request) {
	if s.camera == nil {
		writeError(w, "Camera "+errUnavailable.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := s.camera.SwitchDevice(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device": s.camera.CurrentDevice()})
}

// ledgerGroup resolves the group for a ledger call: the group_id query
// parameter, else the selected group
func (s *Server) ledgerGroup(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.ledger == nil {
		writeError(w, "Ledger "+errUnavailable.Error(), http.StatusServiceUnavailable)
		return "", false
	}
	group := r.URL.Query().Get("group_id")
	if group == "" {
		group = s.session.Group()
	}
	if group == "" {
		writeFailure(w, ErrGroupRequired)
		return "", false
	}
	return group, true
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func dateRange(r *http.Request) (ledger.DateRange, error) {
	var dr ledger.DateRange
	for key, dst := range map[string]*time.Time{"from": &dr.From, "to": &dr.To} {
		v := r.URL.Query().Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return dr, err
		}
		*dst = t
	}
	return dr, nil
}

func (s *Server) handleLedgerInvoices(w http.ResponseWriter, r *http.Request) {
	group, ok := s.ledgerGroup(w, r)
	if !ok {
		return
	}
	page, err := s.ledger.ListInvoices(r.Context(), group, ledger.Page{
		Number: queryInt(r, "page", 1),
		Size:   queryInt(r, "size", 20),
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleLedgerReject(w http.ResponseWriter, r *http.Request) {
	group, ok := s.ledgerGroup(w, r)
	if !ok {
		return
	}
	inv, err := s.ledger.RejectInvoice(r.Context(), group, r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleLedgerDelete(w http.ResponseWriter, r *http.Request) {
	group, ok := s.ledgerGroup(w, r)
	if !ok {
		return
	}
	if err := s.ledger.DeleteInvoice(r.Context(), group, r.PathValue("id")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLedgerGroups(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, "Ledger "+errUnavailable.Error(), http.StatusServiceUnavailable)
		return
	}
	groups, err := s.ledger.ListGroups(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if groups == nil {
		groups = []ledger.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleMarketShare(w http.ResponseWriter, r *http.Request) {
	group, ok := s.ledgerGroup(w, r)
	if !ok {
		return
	}
	dr, err := dateRange(r)
	if err != nil {
		writeError(w, "Dates must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	shares, err := s.ledger.MarketShare(r.Context(), group, dr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shares)
}

func (s *Server) handleTopProducts(w http.ResponseWriter, r *http.Request) {
	group, ok := s.ledgerGroup(w, r)
	if !ok {
		return
	}
	dr, err := dateRange(r)
	if err != nil {
		writeError(w, "Dates must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	products, err := s.ledger.TopProducts(r.Context(), group, dr, queryInt(r, "limit", 10))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}
