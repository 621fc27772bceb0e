package intake

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-intake/internal/capture"
	"github.com/zombor/invoice-intake/internal/extraction"
	"github.com/zombor/invoice-intake/internal/ledger"
)

// mockCamera is a mock implementation of Camera that feeds the session like
// a capture.Session would
type mockCamera struct {
	sink       capture.Sink
	acquireErr error
	device     string
	switches   int
}

func (m *mockCamera) Acquire(ctx context.Context) error {
	return m.acquireErr
}

func (m *mockCamera) Capture(ctx context.Context) (capture.Image, error) {
	img := capture.Image{ID: "capture-42.jpg", MIMEType: "image/jpeg", Data: []byte("frame"), DeviceID: m.device}
	return img, m.sink.Captured(ctx, img)
}

func (m *mockCamera) SwitchDevice(ctx context.Context) error {
	m.switches++
	m.device = "back"
	return nil
}

func (m *mockCamera) CurrentDevice() string {
	return m.device
}

var _ = Describe("Server", func() {
	var (
		blobs       *mockBlobStore
		extractor   *mockExtractor
		ldg         *mockLedger
		camera      *mockCamera
		session     *Session
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		var cam Camera
		if camera != nil {
			cam = camera
		}
		server = NewServerWithMux(session, cam, ldg, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, m := range []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"} {
			ghttpServer.RouteToHandler(m, regexp.MustCompile(".*"), server.ServeHTTP)
		}
	}

	do := func(method, path string, body io.Reader) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	upload := func(names ...string) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for _, name := range names {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", `form-data; name="files"; filename="`+name+`"`)
			h.Set("Content-Type", "image/jpeg")
			part, err := mw.CreatePart(h)
			Expect(err).NotTo(HaveOccurred())
			_, _ = part.Write([]byte("jpeg " + name))
		}
		Expect(mw.Close()).To(Succeed())

		req, err := http.NewRequest("POST", ghttpServer.URL()+"/api/files", &buf)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", mw.FormDataContentType())
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	stageAndExtract := func() string {
		resp := upload("invoice1.jpg")
		var body struct {
			Files []StagedFile `json:"files"`
		}
		decode(resp, &body)
		id := body.Files[0].ID
		resp = do("POST", "/api/files/"+id+"/extract?model=yolo8", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		resp.Body.Close()
		return id
	}

	BeforeEach(func() {
		blobs = newMockBlobStore()
		extractor = &mockExtractor{result: martRecord()}
		ldg = &mockLedger{}
		session = NewSessionWithDeps(Config{DefaultModel: "default"}, blobs, extractor, ldg, &sequentialIDs{}, newSteppingClock())
		camera = &mockCamera{sink: session, device: "front"}
		auth = BasicAuth{}
		setupServer()
	})

	AfterEach(func() {
		ghttpServer.Close()
		Expect(session.Close()).To(Succeed())
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
			setupServer()
		})

		It("rejects requests without credentials", func() {
			resp := do("GET", "/api/files", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("accepts valid credentials", func() {
			req, _ := http.NewRequest("GET", ghttpServer.URL()+"/api/files", nil)
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("answers preflight requests without credentials", func() {
			resp := do("OPTIONS", "/api/files", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PATCH"))
		})
	})

	Describe("files", func() {
		It("stages uploads and lists them in order", func() {
			resp := upload("a.jpg", "b.jpg")
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			resp.Body.Close()

			var files []StagedFile
			decode(do("GET", "/api/files", nil), &files)
			Expect(files).To(HaveLen(2))
			Expect(files[0].Name).To(Equal("a.jpg"))
			Expect(files[1].Status).To(Equal(StatusIdle))
		})

		It("rejects a form without files", func() {
			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			Expect(mw.WriteField("note", "x")).To(Succeed())
			Expect(mw.Close()).To(Succeed())
			req, _ := http.NewRequest("POST", ghttpServer.URL()+"/api/files", &buf)
			req.Header.Set("Content-Type", mw.FormDataContentType())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("serves the preview", func() {
			id := stageAndExtract()
			resp := do("GET", "/api/files/"+id+"/preview", nil)
			defer resp.Body.Close()
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			data, _ := io.ReadAll(resp.Body)
			Expect(string(data)).To(Equal("jpeg invoice1.jpg"))
		})

		It("removes a file with its draft", func() {
			id := stageAndExtract()
			resp := do("DELETE", "/api/files/"+id, nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(session.Drafts().Has(id)).To(BeFalse())

			resp = do("DELETE", "/api/files/"+id, nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("clears every file", func() {
			upload("a.jpg", "b.jpg").Body.Close()
			var body map[string]int
			decode(do("DELETE", "/api/files", nil), &body)
			Expect(body["removed"]).To(Equal(2))
		})
	})

	Describe("extraction", func() {
		It("returns the file and its draft", func() {
			resp := upload("invoice1.jpg")
			var staged struct {
				Files []StagedFile `json:"files"`
			}
			decode(resp, &staged)

			var body struct {
				File  StagedFile `json:"file"`
				Draft Draft      `json:"draft"`
			}
			decode(do("POST", "/api/files/"+staged.Files[0].ID+"/extract", nil), &body)
			Expect(body.File.Status).To(Equal(StatusSuccess))
			Expect(body.Draft.StoreName).To(Equal("Mart"))
			Expect(body.Draft.Model).To(Equal("default"))
		})

		It("reports extraction failures as bad gateway", func() {
			extractor.err = &extraction.Error{StatusCode: 500, Message: "boom"}
			resp := upload("invoice1.jpg")
			var staged struct {
				Files []StagedFile `json:"files"`
			}
			decode(resp, &staged)

			resp = do("POST", "/api/files/"+staged.Files[0].ID+"/extract", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			f, _ := session.Registry().Get(staged.Files[0].ID)
			Expect(f.ErrorMessage).To(Equal("boom"))
		})

		It("finishes the extraction when the client hangs up", func() {
			resp := upload("invoice1.jpg")
			var staged struct {
				Files []StagedFile `json:"files"`
			}
			decode(resp, &staged)
			id := staged.Files[0].ID

			reqCtx, cancel := context.WithCancel(context.Background())
			cancel()
			req := httptest.NewRequest("POST", "/api/files/"+id+"/extract", nil).WithContext(reqCtx)
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
			f, _ := session.Registry().Get(id)
			Expect(f.Status).To(Equal(StatusSuccess))
		})

		It("extracts all pending files", func() {
			upload("a.jpg", "b.jpg").Body.Close()
			var report BatchReport
			decode(do("POST", "/api/extract?model=m2", nil), &report)
			Expect(report.Outcomes).To(HaveLen(2))
			Expect(extractor.models).To(ConsistOf("m2", "m2"))
		})

		It("returns 404 for an unknown file", func() {
			resp := do("POST", "/api/files/nope/extract", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("drafts", func() {
		var id string

		BeforeEach(func() {
			id = stageAndExtract()
		})

		It("patches header fields", func() {
			var d Draft
			decode(do("PATCH", "/api/drafts/"+id, strings.NewReader(`{"address":"1 Main St"}`)), &d)
			Expect(d.Address).To(Equal("1 Main St"))
			Expect(d.StoreName).To(Equal("Mart"))
		})

		It("adds, updates and removes items", func() {
			var d Draft
			decode(do("POST", "/api/drafts/"+id+"/items", nil), &d)
			Expect(d.Items).To(HaveLen(2))

			decode(do("PATCH", "/api/drafts/"+id+"/items/1", strings.NewReader(`{"name":"Chips","unit_price":2500,"quantity":4}`)), &d)
			Expect(d.Items[1]).To(Equal(Item{Name: "Chips", UnitPrice: 2500, Quantity: 4}))

			decode(do("DELETE", "/api/drafts/"+id+"/items/0", nil), &d)
			Expect(d.Items).To(HaveLen(1))
			Expect(d.Items[0].Name).To(Equal("Chips"))
		})

		It("leaves the item alone when one value is bad", func() {
			before, _ := session.Drafts().Get(id)
			resp := do("PATCH", "/api/drafts/"+id+"/items/0", strings.NewReader(`{"name":"Soda Zero","quantity":"x"}`))
			var body errorResponse
			decode(resp, &body)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			after, _ := session.Drafts().Get(id)
			Expect(after.Items).To(Equal(before.Items))
			Expect(after.UpdatedAt).To(Equal(before.UpdatedAt))
		})

		It("rejects a bad index", func() {
			resp := do("PATCH", "/api/drafts/"+id+"/items/9", strings.NewReader(`{"name":"x"}`))
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("recomputes the total on request", func() {
			do("PATCH", "/api/drafts/"+id+"/items/0", strings.NewReader(`{"quantity":3}`)).Body.Close()
			var d Draft
			decode(do("POST", "/api/drafts/"+id+"/recompute", nil), &d)
			Expect(d.TotalAmount).To(Equal(int64(30000)))
		})

		It("regenerates the invoice id", func() {
			before, _ := session.Drafts().Get(id)
			var d Draft
			decode(do("POST", "/api/drafts/"+id+"/regenerate-id", nil), &d)
			Expect(d.InvoiceID).NotTo(Equal(before.InvoiceID))
		})

		It("lists drafts", func() {
			var drafts []Draft
			decode(do("GET", "/api/drafts", nil), &drafts)
			Expect(drafts).To(HaveLen(1))
		})

		It("returns 404 for a missing draft", func() {
			resp := do("GET", "/api/drafts/nope", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("submission", func() {
		var id string

		BeforeEach(func() {
			id = stageAndExtract()
			do("PATCH", "/api/drafts/"+id, strings.NewReader(`{"created_date":"2024-03-01"}`)).Body.Close()
		})

		It("requires a group", func() {
			resp := do("POST", "/api/drafts/"+id+"/submit", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("submits and approves in the selected group", func() {
			do("PUT", "/api/group", strings.NewReader(`{"group_id":"g1"}`)).Body.Close()

			var group groupBody
			decode(do("GET", "/api/group", nil), &group)
			Expect(group.GroupID).To(Equal("g1"))

			resp := do("POST", "/api/drafts/"+id+"/submit", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var inv ledger.Invoice
			decode(do("POST", "/api/drafts/"+id+"/approve", nil), &inv)
			Expect(inv.Status).To(Equal(ledger.InvoiceApproved))
		})

		It("reports validation failures with fields", func() {
			do("PUT", "/api/group", strings.NewReader(`{"group_id":"g1"}`)).Body.Close()
			do("PATCH", "/api/drafts/"+id, strings.NewReader(`{"store_name":""}`)).Body.Close()

			resp := do("POST", "/api/drafts/"+id+"/submit", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			var body errorResponse
			decode(resp, &body)
			Expect(body.Kind).To(Equal(KindValidation))
			Expect(body.Fields).To(ContainElement(FieldError{Field: "store_name", Message: "is required"}))
		})

		It("marks unavailable ledgers as retryable", func() {
			do("PUT", "/api/group", strings.NewReader(`{"group_id":"g1"}`)).Body.Close()
			ldg.createErrs = []error{&ledger.APIError{StatusCode: 502, Message: "upstream"}}

			resp := do("POST", "/api/drafts/"+id+"/submit", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			var body errorResponse
			decode(resp, &body)
			Expect(body.Retryable).To(BeTrue())
		})
	})

	Describe("capture", func() {
		It("stages and extracts the captured frame", func() {
			resp := do("POST", "/api/capture", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var body map[string]any
			decode(resp, &body)
			Expect(body["name"]).To(Equal("capture-42.jpg"))

			session.Wait()
			files := session.Registry().List()
			Expect(files).To(HaveLen(1))
			Expect(files[0].Status).To(Equal(StatusSuccess))
		})

		It("maps device errors", func() {
			camera.acquireErr = &capture.Error{Kind: capture.KindPermissionDenied, Err: errors.New("denied")}
			resp := do("POST", "/api/capture", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})

		It("switches devices", func() {
			var body map[string]string
			decode(do("POST", "/api/capture/switch", nil), &body)
			Expect(body["device"]).To(Equal("back"))
			Expect(camera.switches).To(Equal(1))
		})

		When("no camera is configured", func() {
			BeforeEach(func() {
				camera = nil
				setupServer()
			})

			It("answers 503", func() {
				resp := do("POST", "/api/capture", nil)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			})
		})
	})

	Describe("ledger", func() {
		It("needs a group", func() {
			resp := do("GET", "/api/ledger/invoices", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("lists invoices with paging", func() {
			var page ledger.InvoicePage
			decode(do("GET", "/api/ledger/invoices?group_id=g1&page=2&size=5", nil), &page)
			Expect(ldg.lastPage).To(Equal(ledger.Page{Number: 2, Size: 5}))
			Expect(page.PageNumber).To(Equal(2))
		})

		It("lists groups", func() {
			ldg.groupList = []ledger.Group{{ID: "g1", Name: "Home"}}
			var groups []ledger.Group
			decode(do("GET", "/api/ledger/groups", nil), &groups)
			Expect(groups).To(HaveLen(1))
		})

		It("deletes and rejects invoices", func() {
			session.SelectGroup("g1")
			resp := do("DELETE", "/api/ledger/invoices/r1", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(ldg.deleted).To(Equal([]string{"r1"}))

			var inv ledger.Invoice
			decode(do("POST", "/api/ledger/invoices/r1/reject", nil), &inv)
			Expect(inv.Status).To(Equal(ledger.InvoiceRejected))
		})

		It("passes date ranges and limits to statistics", func() {
			session.SelectGroup("g1")
			ldg.products = []ledger.ProductStat{{Name: "Soda"}}
			var products []ledger.ProductStat
			decode(do("GET", "/api/ledger/stats/top-products?from=2024-01-01&limit=3", nil), &products)
			Expect(products).To(HaveLen(1))
			Expect(ldg.lastLimit).To(Equal(3))
			Expect(ldg.lastRange.From.Format("2006-01-02")).To(Equal("2024-01-01"))
			Expect(ldg.lastRange.To.IsZero()).To(BeTrue())

			resp := do("GET", "/api/ledger/stats/market-share?to=yesterday", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("passes through client errors from the ledger", func() {
			session.SelectGroup("g1")
			ldg.listErr = &ledger.APIError{StatusCode: 403, Message: "not a member"}
			resp := do("GET", "/api/ledger/stats/market-share", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})
	})
})
