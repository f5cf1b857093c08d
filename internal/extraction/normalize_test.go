package extraction

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/zombor/expense-agent/internal/scanning"
)

var _ = Describe("Normalize", func() {
	var (
		payload *scanning.Payload
		rec     NormalizedReceipt
	)

	JustBeforeEach(func() {
		rec = Normalize(payload)
	})

	When("normalizing a document intelligence payload", func() {
		BeforeEach(func() {
			payload = &scanning.Payload{
				Backend: scanning.BackendDocumentIntelligence,
				Fields: map[string]any{
					"MerchantName":    map[string]any{"valueString": "HILTON  HILTON HOTEL", "content": "HILTON"},
					"Total":           map[string]any{"valueCurrency": map[string]any{"amount": 450.0, "currencyCode": "usd"}, "content": "$450.00"},
					"Subtotal":        map[string]any{"valueNumber": 400.0},
					"TotalTax":        map[string]any{"valueNumber": 50.0},
					"TransactionDate": map[string]any{"valueDate": "2024-03-10"},
					"ArrivalDate":     map[string]any{"valueDate": "2024-03-07"},
					"DepartureDate":   map[string]any{"valueDate": "2024-03-10"},
				},
				Items: []map[string]any{
					{"Description": map[string]any{"valueString": "Room  night"}, "TotalPrice": map[string]any{"valueNumber": 400.0}},
					{"TotalPrice": map[string]any{"valueNumber": 50.0}, "Date": map[string]any{"valueDate": "2024-03-09"}},
					{"Description": map[string]any{"valueString": "no price"}},
				},
				Attempts: 2,
			}
		})

		It("should clean the merchant", func() {
			Expect(rec.Merchant).To(Equal("Hilton Hotel"))
		})

		It("should read the amounts", func() {
			Expect(rec.Amount.StringFixed(2)).To(Equal("450.00"))
			Expect(rec.Subtotal.StringFixed(2)).To(Equal("400.00"))
			Expect(rec.Tax.StringFixed(2)).To(Equal("50.00"))
		})

		It("should find the nested currency code", func() {
			Expect(rec.Currency).To(Equal("USD"))
		})

		It("should read the dates", func() {
			Expect(rec.Date.String()).To(Equal("2024-03-10"))
			Expect(rec.ServicePeriod).NotTo(BeNil())
			Expect(rec.ServicePeriod.Start.String()).To(Equal("2024-03-07"))
			Expect(rec.ServicePeriod.Nights()).To(Equal(3))
		})

		It("should keep priced line items only", func() {
			Expect(rec.LineItems).To(HaveLen(2))
			Expect(rec.LineItems[0].Description).To(Equal("Room night"))
			Expect(rec.LineItems[1].Description).To(Equal("Item 2"))
			Expect(rec.LineItems[1].Date.String()).To(Equal("2024-03-09"))
			Expect(rec.LineItems[0].Synthetic).To(BeFalse())
		})

		It("should copy the payload into the debug fields", func() {
			Expect(rec.DebugFields).To(HaveKeyWithValue("backend", "document_intelligence"))
			Expect(rec.DebugFields).To(HaveKeyWithValue("attempts", 2))
			Expect(rec.DebugFields["fields"]).To(Equal(payload.Fields))
		})

		It("should be deterministic", func() {
			first, err := json.Marshal(rec)
			Expect(err).NotTo(HaveOccurred())
			second, err := json.Marshal(Normalize(payload))
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
		})
	})

	When("normalizing a vision payload", func() {
		BeforeEach(func() {
			payload = &scanning.Payload{
				Backend: scanning.BackendVision,
				Fields: map[string]any{
					"merchant_name": nil,
					"vendor_name":   "acme supplies",
					"total_value":   json.Number("1.234,50"),
					"service_start": "2024-01-01",
					"service_end":   "2024-01-04",
				},
			}
		})

		It("should fall back to the vendor", func() {
			Expect(rec.Merchant).To(Equal("Acme Supplies"))
		})

		It("should parse the european amount", func() {
			Expect(rec.Amount.StringFixed(2)).To(Equal("1234.50"))
		})

		It("should use the service start as date", func() {
			Expect(rec.Date.String()).To(Equal("2024-01-01"))
		})
	})

	When("the fields are nested without a schema", func() {
		BeforeEach(func() {
			payload = &scanning.Payload{
				Backend: scanning.BackendContentUnderstanding,
				Fields: map[string]any{
					"contents": []any{
						map[string]any{"kind": "document", "fields": map[string]any{
							"Merchant": map[string]any{"valueString": "Uber"},
							"Items":    map[string]any{"valueArray": []any{map[string]any{"Date": "2020-01-01"}}},
							"Date":     map[string]any{"valueString": "10/03/2024"},
							"Total":    map[string]any{"type": "currency", "valueCurrency": map[string]any{"amount": 12.5, "currencyCode": "EUR"}},
						}},
					},
				},
			}
		})

		It("should walk to the values", func() {
			Expect(rec.Merchant).To(Equal("Uber"))
			Expect(rec.Date.String()).To(Equal("2024-03-10"))
			Expect(rec.Amount.StringFixed(2)).To(Equal("12.50"))
			Expect(rec.Currency).To(Equal("EUR"))
		})
	})

	When("the total is missing but other money fields are present", func() {
		BeforeEach(func() {
			payload = &scanning.Payload{
				Backend: scanning.BackendDocumentIntelligence,
				Fields: map[string]any{
					"MerchantName":    map[string]any{"valueString": "Corner Cafe"},
					"Tip":             map[string]any{"type": "currency", "valueCurrency": map[string]any{"amount": 5.0, "currencyCode": "USD"}},
					"TotalTax":        map[string]any{"type": "currency", "valueCurrency": map[string]any{"amount": 3.10}},
					"TransactionDate": map[string]any{"valueDate": "2024-03-10"},
				},
			}
		})

		It("should leave the amount unset", func() {
			Expect(rec.Amount).To(BeNil())
			Expect(rec.Tax.StringFixed(2)).To(Equal("3.10"))
		})

		It("should not take the currency of another field", func() {
			Expect(rec.Currency).To(BeEmpty())
		})
	})

	When("a nested object only wraps another field's amount", func() {
		BeforeEach(func() {
			payload = &scanning.Payload{
				Backend: scanning.BackendVision,
				Fields: map[string]any{
					"merchant_name": "Corner Cafe",
					"tip":           map[string]any{"amount": 5.0},
				},
			}
		})

		It("should leave the amount unset", func() {
			Expect(rec.Amount).To(BeNil())
		})
	})

	When("the payload is garbage", func() {
		BeforeEach(func() {
			payload = &scanning.Payload{
				Backend: scanning.BackendVision,
				Fields: map[string]any{
					"merchant_name": "!!!",
					"total_value":   "n/a",
					"date":          "someday",
					"service_start": "2024-01-01",
				},
			}
		})

		It("should leave fields unset", func() {
			Expect(rec.Merchant).To(BeEmpty())
			Expect(rec.Amount).To(BeNil())
			Expect(rec.ServicePeriod).To(BeNil())
		})
	})

	When("the payload is nil", func() {
		BeforeEach(func() {
			payload = nil
		})

		It("should return an empty record", func() {
			Expect(rec).To(Equal(NormalizedReceipt{}))
		})
	})
})

var _ = Describe("ParseAmount", func() {
	DescribeTable("coercing money strings",
		func(input string, expected string) {
			d := ParseAmount(input)
			Expect(d).NotTo(BeNil())
			Expect(d.StringFixed(2)).To(Equal(expected))
		},
		Entry("plain", "450", "450.00"),
		Entry("dollar sign", "$42.75", "42.75"),
		Entry("thousands separator", "$1,234.56", "1234.56"),
		Entry("european", "€1.234,56", "1234.56"),
		Entry("decimal comma", "23,5", "23.50"),
		Entry("comma thousands", "1,234", "1234.00"),
		Entry("swiss apostrophe", "CHF 1'234.50", "1234.50"),
		Entry("currency code suffix", "99.99 USD", "99.99"),
		Entry("dotted thousands", "1.234.567", "1234567.00"),
		Entry("trailing minus", "12.00-", "-12.00"),
		Entry("rounds to cents", "10.005", "10.01"),
		Entry("lone dot is a decimal point", "1.234", "1.23"),
		Entry("label before the amount", "Total: $45.00", "45.00"),
		Entry("space grouped thousands", "1 234,56", "1234.56"),
		Entry("leading minus before symbol", "-$12.00", "-12.00"),
	)

	DescribeTable("rejecting non-amounts",
		func(input string) {
			Expect(ParseAmount(input)).To(BeNil())
		},
		Entry("empty", ""),
		Entry("words", "total"),
		Entry("dash", "-"),
		Entry("two signs", "1-2"),
		Entry("total with tax in parentheses", "Total 45.00 (tax 3.00)"),
		Entry("two amounts", "45.00 / 50.00"),
		Entry("quantity and price", "2 x 12.00"),
	)
})

var _ = Describe("ParseDate", func() {
	DescribeTable("parsing receipt dates",
		func(input string, expected string) {
			d := ParseDate(input)
			Expect(d).NotTo(BeNil())
			Expect(d.String()).To(Equal(expected))
		},
		Entry("iso", "2024-03-10", "2024-03-10"),
		Entry("iso slashes", "2024/03/10", "2024-03-10"),
		Entry("compact", "20240310", "2024-03-10"),
		Entry("day first", "10/03/2024", "2024-03-10"),
		Entry("day first dots", "10.03.2024", "2024-03-10"),
		Entry("two digit year", "10.03.24", "2024-03-10"),
		Entry("month first when day first is impossible", "03/25/2024", "2024-03-25"),
		Entry("date with time", "10/03/2024 14:32", "2024-03-10"),
		Entry("month name", "March 10, 2024", "2024-03-10"),
		Entry("short month name", "Mar 10 2024", "2024-03-10"),
		Entry("day month name", "10 Mar 2024", "2024-03-10"),
		Entry("iso datetime", "2024-03-10T14:22:00Z", "2024-03-10"),
	)

	DescribeTable("rejecting non-dates",
		func(input string) {
			Expect(ParseDate(input)).To(BeNil())
		},
		Entry("empty", ""),
		Entry("words", "yesterday"),
		Entry("impossible", "2024-02-31"),
		Entry("out of range", "1800-01-01"),
	)
})

var _ = Describe("CleanMerchant", func() {
	DescribeTable("cleaning names",
		func(input string, expected string) {
			Expect(CleanMerchant(input)).To(Equal(expected))
		},
		Entry("upper case", "WALMART SUPERCENTER", "Walmart Supercenter"),
		Entry("lower case", "cvs pharmacy", "Cvs Pharmacy"),
		Entry("mixed case is kept", "McDonald's", "McDonald's"),
		Entry("whitespace", "  Hilton \n Hotel ", "Hilton Hotel"),
		Entry("surrounding punctuation", "** Target. **", "Target"),
		Entry("repeated words", "Uber Uber Eats", "Uber Eats"),
		Entry("ampersand is kept", "Barnes & Noble", "Barnes & Noble"),
		Entry("only punctuation", "---", ""),
	)
})
