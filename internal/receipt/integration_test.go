package receipt_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/expense-agent/internal/extraction"
	"github.com/zombor/expense-agent/internal/matching"
	"github.com/zombor/expense-agent/internal/metrics"
	"github.com/zombor/expense-agent/internal/receipt"
	"github.com/zombor/expense-agent/internal/scanning"
)

const hotelAnalyzeResult = `{
  "status": "succeeded",
  "analyzeResult": {
    "documents": [{
      "docType": "receipt.hotel",
      "fields": {
        "MerchantName": {"type": "string", "valueString": "Hilton Hotel"},
        "Total": {"type": "currency", "valueCurrency": {"amount": 450.0, "currencyCode": "USD"}},
        "TransactionDate": {"type": "date", "valueDate": "2024-03-10"},
        "Items": {"type": "array", "valueArray": [
          {"type": "object", "valueObject": {"Description": {"valueString": "Room"}, "TotalPrice": {"valueNumber": 400}}},
          {"type": "object", "valueObject": {"Description": {"valueString": "Tax"}, "TotalPrice": {"valueNumber": 50}}}
        ]}
      }
    }]
  }
}`

var _ = Describe("Integration", func() {
	var (
		db       *receipt.BoltDB
		azure    *ghttp.Server
		api      *ghttp.Server
		server   *receipt.Server
		observed *metrics.Metrics
	)

	BeforeEach(func() {
		tempDir := GinkgoT().TempDir()

		var err error
		db, err = receipt.NewBoltDB(filepath.Join(tempDir, "test.db"))
		Expect(err).NotTo(HaveOccurred())
		store, err := receipt.NewLocalStorage(filepath.Join(tempDir, "receipts"))
		Expect(err).NotTo(HaveOccurred())

		azure = ghttp.NewServer()
		docIntel := scanning.NewDocumentIntelligence(scanning.DocumentIntelligenceConfig{Endpoint: azure.URL(), Key: "secret"})
		contentUnderstanding := scanning.NewContentUnderstanding(scanning.ContentUnderstandingConfig{})

		observed = metrics.New()
		dispatcher := extraction.NewDispatcher(extraction.DispatcherConfig{
			Adapters: []scanning.Analyzer{docIntel, contentUnderstanding},
			Configured: map[scanning.Backend]bool{
				scanning.BackendDocumentIntelligence: true,
			},
			Observer: observed,
		})
		engine := matching.NewEngine(matching.DefaultConfig(), nil)

		service := receipt.NewService(db, dispatcher, engine, store)
		service.SetRankingObserver(observed)
		server = receipt.NewServer(service, receipt.BasicAuth{}, receipt.Diagnostics{Metrics: observed.Handler()})

		api = ghttp.NewServer()
		api.AllowUnhandledRequests = false
	})

	AfterEach(func() {
		azure.Close()
		api.Close()
		db.Close()
	})

	call := func(method, path, contentType string, body io.Reader) *http.Response {
		api.AppendHandlers(server.Handler().ServeHTTP)
		req, err := http.NewRequest(method, api.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	upload := func(path, filename string) *receipt.UploadResult {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte("%PDF-1.4 fake receipt"))
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp := call(http.MethodPost, path, writer.FormDataContentType(), body)
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var result receipt.UploadResult
		Expect(json.NewDecoder(resp.Body).Decode(&result)).To(Succeed())
		return &result
	}

	It("should take a receipt from upload to a confirmed match", func() {
		resp := call(http.MethodPost, "/api/candidates", "text/csv",
			strings.NewReader("id,merchant,amount,date\ncand-hilton,Hilton,450.00,2024-03-10\ncand-uber,Uber,18.40,2024-03-11\n"))
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		azure.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest(http.MethodPost, "/documentintelligence/documentModels/prebuilt-receipt:analyze"),
			ghttp.RespondWith(http.StatusOK, hotelAnalyzeResult),
		))

		result := upload("/api/receipts", "hilton.pdf")
		Expect(result.Receipts).To(HaveLen(1))
		stored := result.Receipts[0]
		Expect(stored.Extraction.Status).To(Equal(extraction.StatusExtracted))
		Expect(stored.Extraction.Merchant).To(Equal("Hilton Hotel"))
		Expect(result.Proposals).To(HaveLen(1))
		Expect(result.Proposals[0].CandidateID).To(Equal("cand-hilton"))
		Expect(result.Proposals[0].Score).To(Equal(1.0))

		resp = call(http.MethodPost, "/api/receipts/"+stored.ID+"/itemize", "", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var it receipt.Itemization
		Expect(json.NewDecoder(resp.Body).Decode(&it)).To(Succeed())
		Expect(it.Items).To(HaveLen(2))
		Expect(it.Items[0].Description).To(Equal("Room"))

		resp = call(http.MethodPost, "/api/matches", "application/json",
			strings.NewReader(`{"receipt_id":"`+stored.ID+`","candidate_id":"cand-hilton","score":1}`))
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		resp = call(http.MethodGet, "/api/receipts/"+stored.ID+"/file", "", nil)
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("%PDF-1.4 fake receipt"))

		resp = call(http.MethodGet, "/metrics", "", nil)
		exposition, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(exposition)).To(ContainSubstring(`expense_agent_extractions_total{backend="document_intelligence",status="extracted"} 1`))
		Expect(string(exposition)).To(ContainSubstring(`expense_agent_match_rankings_total{outcome="suggested"} 1`))
	})

	It("should keep a failed extraction out of matching and allow a retry", func() {
		resp := call(http.MethodPost, "/api/candidates", "application/json",
			strings.NewReader(`[{"id":"cand-hilton","merchant":"Hilton","amount":"450.00","date":"2024-03-10"}]`))
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		result := upload("/api/receipts?provider=content_understanding", "Hilton_2024-03-10_450.00.pdf")
		failed := result.Receipts[0]
		Expect(string(failed.Extraction.Status)).To(Equal("error_cu_unavailable"))
		Expect(failed.Extraction.ErrorMessage).To(Equal("Content Understanding is not configured"))
		Expect(failed.Extraction.Merchant).To(Equal("Hilton"))
		Expect(result.Proposals).To(BeEmpty())
		Expect(azure.ReceivedRequests()).To(BeEmpty())

		resp = call(http.MethodGet, "/api/receipts/"+failed.ID+"/proposals", "", nil)
		var ranking matching.Ranking
		Expect(json.NewDecoder(resp.Body).Decode(&ranking)).To(Succeed())
		Expect(ranking.Proposals).To(BeEmpty())

		azure.AppendHandlers(ghttp.RespondWith(http.StatusOK, hotelAnalyzeResult))
		resp = call(http.MethodPost, "/api/receipts/"+failed.ID+"/retry", "", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var retried receipt.Receipt
		Expect(json.NewDecoder(resp.Body).Decode(&retried)).To(Succeed())
		Expect(retried.RetryOf).To(Equal(failed.ID))
		Expect(retried.Extraction.Status).To(Equal(extraction.StatusExtracted))

		original, err := db.GetReceipt(failed.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(original.Extraction.Status)).To(Equal("error_cu_unavailable"))

		resp = call(http.MethodDelete, "/api/receipts/"+failed.ID, "", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		resp = call(http.MethodGet, "/api/receipts/"+retried.ID+"/file", "", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})
