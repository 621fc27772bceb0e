package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"regexp"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-intake/internal/auth"
	"github.com/zombor/invoice-intake/internal/extraction"
	"github.com/zombor/invoice-intake/internal/ledger"
)

var _ = Describe("Intake end to end", func() {
	var (
		tmpDir     string
		extractSrv *ghttp.Server
		ledgerSrv  *ghttp.Server
		apiSrv     *ghttp.Server
		creds      *auth.BoltStore
		session    *Session
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		extractSrv = ghttp.NewServer()
		ledgerSrv = ghttp.NewServer()

		ledgerSrv.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest("POST", "/api/auth/login"),
			ghttp.VerifyJSON(`{"username":"clerk","password":"secret"}`),
			ghttp.RespondWith(http.StatusOK, `{"access_token":"access-1","refresh_token":"refresh-1","expires_in":3600}`),
		))

		var err error
		creds, err = auth.NewBoltStore(filepath.Join(tmpDir, "creds.db"))
		Expect(err).NotTo(HaveOccurred())
		tokens := auth.NewManager(auth.NewMemoryStore(), creds, auth.NewHTTPExchanger(ledgerSrv.URL(), nil))
		Expect(tokens.Login(context.Background(), "clerk", "secret", true)).To(Succeed())

		extractor, err := extraction.NewRemote(extractSrv.URL())
		Expect(err).NotTo(HaveOccurred())

		blobs, err := NewLocalBlobStore(filepath.Join(tmpDir, "staged"))
		Expect(err).NotTo(HaveOccurred())

		client := ledger.NewClient(ledgerSrv.URL(), tokens, nil)
		session = NewSession(Config{DefaultModel: "yolo8"}, blobs, extractor, client)
		session.SelectGroup("g1")

		server := NewServer(session, nil, client, BasicAuth{})
		apiSrv = ghttp.NewServer()
		for _, m := range []string{"GET", "POST", "PUT", "PATCH", "DELETE"} {
			apiSrv.RouteToHandler(m, regexp.MustCompile(".*"), server.ServeHTTP)
		}
	})

	AfterEach(func() {
		Expect(session.Close()).To(Succeed())
		apiSrv.Close()
		extractSrv.Close()
		ledgerSrv.Close()
		Expect(creds.Close()).To(Succeed())
	})

	call := func(method, path string, body io.Reader, contentType string) (int, map[string]any) {
		req, err := http.NewRequest(method, apiSrv.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		out := map[string]any{}
		raw, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		if len(raw) > 0 {
			Expect(json.Unmarshal(raw, &out)).To(Succeed())
		}
		return resp.StatusCode, out
	}

	It("stages, extracts, edits, submits and approves an invoice", func() {
		extractSrv.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest("POST", "/image-process", "model=yolo8"),
			ghttp.RespondWith(http.StatusOK, `[{"invoice_id":"INV-9","store_name":"Mart","address":null,"created_date":null,"total_amount":200,"items":[{"name":"Soda","unit_price":100,"quantity":2}]}]`),
		))

		var keys []string
		recordKey := func(w http.ResponseWriter, r *http.Request) {
			keys = append(keys, r.Header.Get("Idempotency-Key"))
		}
		ledgerSrv.AppendHandlers(
			ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/api/group/g1/invoice"),
				ghttp.VerifyHeaderKV("Authorization", "Bearer access-1"),
				recordKey,
				ghttp.RespondWith(http.StatusServiceUnavailable, `{"message":"maintenance"}`),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/api/group/g1/invoice"),
				recordKey,
				func(w http.ResponseWriter, r *http.Request) {
					var input ledger.InvoiceInput
					Expect(json.Unmarshal([]byte(r.FormValue("data")), &input)).To(Succeed())
					Expect(input.CreatedDate).To(Equal("2024-03-05"))
					Expect(input.Items).To(HaveLen(1))
					_, header, err := r.FormFile("image")
					Expect(err).NotTo(HaveOccurred())
					Expect(header.Filename).To(Equal("invoice1.jpg"))
				},
				ghttp.RespondWith(http.StatusCreated, `{"id":"r-1","invoice_id":"INV-9","store_name":"Mart","created_date":"2024-03-05","total_amount":200,"items":[{"name":"Soda","unit_price":100,"quantity":2}],"status":"pending"}`),
			),
			ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/api/group/g1/invoice/r-1/approve"),
				ghttp.RespondWith(http.StatusOK, `{"id":"r-1","invoice_id":"INV-9","status":"approved"}`),
			),
		)

		By("uploading a file")
		body := &bytes.Buffer{}
		w := multipart.NewWriter(body)
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="files"; filename="invoice1.jpg"`)
		h.Set("Content-Type", "image/jpeg")
		part, err := w.CreatePart(h)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte("\xff\xd8\xff\xe0 invoice bytes"))
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Close()).To(Succeed())

		status, out := call("POST", "/api/files", body, w.FormDataContentType())
		Expect(status).To(Equal(http.StatusCreated))
		files := out["files"].([]any)
		Expect(files).To(HaveLen(1))
		id := files[0].(map[string]any)["id"].(string)

		entries, err := os.ReadDir(filepath.Join(tmpDir, "staged"))
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))

		By("extracting it")
		status, out = call("POST", "/api/files/"+id+"/extract", nil, "")
		Expect(status).To(Equal(http.StatusOK))
		draft := out["draft"].(map[string]any)
		Expect(draft["store_name"]).To(Equal("Mart"))
		Expect(draft["total_amount"]).To(BeEquivalentTo(200))

		By("filling in the missing date")
		status, _ = call("PATCH", "/api/drafts/"+id, bytes.NewBufferString(`{"created_date":"2024-03-05"}`), "application/json")
		Expect(status).To(Equal(http.StatusOK))

		By("submitting while the ledger is down")
		status, out = call("POST", "/api/drafts/"+id+"/submit", nil, "")
		Expect(status).To(Equal(http.StatusBadGateway))
		Expect(out["retryable"]).To(BeTrue())

		By("retrying the submit")
		status, out = call("POST", "/api/drafts/"+id+"/submit", nil, "")
		Expect(status).To(Equal(http.StatusCreated))
		Expect(out["id"]).To(Equal("r-1"))
		Expect(keys).To(HaveLen(2))
		Expect(keys[0]).NotTo(BeEmpty())
		Expect(keys[1]).To(Equal(keys[0]))

		By("approving it")
		status, out = call("POST", "/api/drafts/"+id+"/approve", nil, "")
		Expect(status).To(Equal(http.StatusOK))
		Expect(out["status"]).To(Equal(ledger.InvoiceApproved))
		d, _ := session.Drafts().Get(id)
		Expect(d.State).To(Equal(StateApproved))

		By("removing the staged file")
		status, _ = call("DELETE", "/api/files/"+id, nil, "")
		Expect(status).To(Equal(http.StatusNoContent))
		entries, err = os.ReadDir(filepath.Join(tmpDir, "staged"))
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(BeEmpty())
		Expect(session.Drafts().Has(id)).To(BeFalse())
	})

	It("keeps remembered credentials in the bolt store", func() {
		c, err := creds.Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(c).NotTo(BeNil())
		Expect(c.RefreshToken).To(Equal("refresh-1"))
	})
})
