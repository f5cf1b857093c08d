package scanning

import (
	"context"
	"errors"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

const docIntelResultBody = `{
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

var _ = Describe("DocumentIntelligence", func() {
	const analyzePath = "/documentintelligence/documentModels/prebuilt-receipt:analyze"

	var (
		server  *ghttp.Server
		clock   *fakeClock
		cfg     DocumentIntelligenceConfig
		payload *Payload
		err     error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		clock = newFakeClock()
		cfg = DocumentIntelligenceConfig{Endpoint: server.URL(), Key: "secret", RetryBackoff: time.Second}
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		adapter := NewDocumentIntelligenceWithDeps(cfg, http.DefaultClient, clock)
		payload, err = adapter.Analyze(context.Background(), Document{Filename: "r.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4")})
	})

	When("the backend is not configured", func() {
		BeforeEach(func() {
			cfg.Key = ""
		})

		It("should return an unavailable fault without calling the service", func() {
			var fault *Fault
			Expect(errors.As(err, &fault)).To(BeTrue())
			Expect(fault.Kind).To(Equal(FaultUnavailable))
			Expect(server.ReceivedRequests()).To(BeEmpty())
		})
	})

	When("the analysis completes through the operation location", func() {
		BeforeEach(func() {
			server.AppendHandlers(
				ghttp.CombineHandlers(
					ghttp.VerifyRequest("POST", analyzePath, "api-version=2024-11-30"),
					ghttp.VerifyHeaderKV("Ocp-Apim-Subscription-Key", "secret"),
					ghttp.VerifyJSON(`{"base64Source": "JVBERi0xLjQ="}`),
					ghttp.RespondWith(http.StatusAccepted, "", http.Header{"Operation-Location": []string{server.URL() + "/operations/1"}}),
				),
				ghttp.CombineHandlers(
					ghttp.VerifyRequest("GET", "/operations/1"),
					ghttp.RespondWith(http.StatusOK, `{"status": "running"}`),
				),
				ghttp.CombineHandlers(
					ghttp.VerifyRequest("GET", "/operations/1"),
					ghttp.VerifyHeaderKV("Ocp-Apim-Subscription-Key", "secret"),
					ghttp.RespondWith(http.StatusOK, docIntelResultBody),
				),
			)
		})

		It("should return the document fields", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(payload.Backend).To(Equal(BackendDocumentIntelligence))
			Expect(payload.Fields).To(HaveKey("MerchantName"))
			Expect(payload.Attempts).To(Equal(1))
		})

		It("should flatten the line items", func() {
			Expect(payload.Items).To(HaveLen(2))
			Expect(payload.Items[0]).To(HaveKey("Description"))
		})

		It("should keep the raw body", func() {
			Expect(string(payload.Raw)).To(ContainSubstring("receipt.hotel"))
		})
	})

	When("the service is throttled and then succeeds", func() {
		BeforeEach(func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusTooManyRequests, "slow down"),
				ghttp.RespondWith(http.StatusServiceUnavailable, "busy"),
				ghttp.RespondWith(http.StatusOK, docIntelResultBody),
			)
		})

		It("should retry with exponential backoff", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(payload.Attempts).To(Equal(3))
			Expect(clock.sleeps()).To(Equal([]time.Duration{time.Second, 2 * time.Second}))
		})
	})

	When("the service keeps failing", func() {
		BeforeEach(func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusInternalServerError, "boom"),
				ghttp.RespondWith(http.StatusInternalServerError, "boom"),
				ghttp.RespondWith(http.StatusInternalServerError, "boom"),
			)
		})

		It("should give up with an exception fault", func() {
			var fault *Fault
			Expect(errors.As(err, &fault)).To(BeTrue())
			Expect(fault.Kind).To(Equal(FaultException))
			Expect(server.ReceivedRequests()).To(HaveLen(3))
		})
	})

	When("the service rejects the document", func() {
		BeforeEach(func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusBadRequest, `{"error": {"code": "InvalidContent"}}`),
			)
		})

		It("should return an analyze fault without retrying", func() {
			var fault *Fault
			Expect(errors.As(err, &fault)).To(BeTrue())
			Expect(fault.Kind).To(Equal(FaultAnalyze))
			Expect(fault.Error()).To(ContainSubstring("InvalidContent"))
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})

	When("the operation fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusAccepted, "", http.Header{"Operation-Location": []string{server.URL() + "/operations/2"}}),
				ghttp.RespondWith(http.StatusOK, `{"status": "failed", "error": {"code": "Unreadable", "message": "corrupt image"}}`),
			)
		})

		It("should return an analyze fault", func() {
			var fault *Fault
			Expect(errors.As(err, &fault)).To(BeTrue())
			Expect(fault.Kind).To(Equal(FaultAnalyze))
			Expect(fault.Error()).To(ContainSubstring("corrupt image"))
		})
	})

	When("no documents are recognized", func() {
		BeforeEach(func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusOK, `{"status": "succeeded", "analyzeResult": {"documents": []}}`),
			)
		})

		It("should return an analyze fault", func() {
			var fault *Fault
			Expect(errors.As(err, &fault)).To(BeTrue())
			Expect(fault.Kind).To(Equal(FaultAnalyze))
		})
	})
})
