package receipt

import (
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/expense-agent/internal/extraction"
	"github.com/zombor/expense-agent/internal/itemize"
	"github.com/zombor/expense-agent/internal/matching"
)

var _ = Describe("BoltDB", func() {
	var (
		dbPath string
		db     *BoltDB
	)

	BeforeEach(func() {
		dbPath = filepath.Join(GinkgoT().TempDir(), "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("receipts", func() {
		var receipt *Receipt

		BeforeEach(func() {
			rec := hiltonReceipt()
			rec.DebugFields = map[string]any{"backend": "document_intelligence", "attempts": 1}
			receipt = &Receipt{
				ID:            "r1",
				Filename:      "hilton.pdf",
				StoredPath:    "r1_hilton.pdf",
				ContentType:   "application/pdf",
				CreatedAt:     time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC),
				Extraction:    rec,
				ProviderItems: []map[string]any{{"Description": "Room", "TotalPrice": 450.0}},
			}
			Expect(db.SaveReceipt(receipt)).To(Succeed())
		})

		It("should keep the normalized fields", func() {
			saved, err := db.GetReceipt("r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Extraction.Merchant).To(Equal("Hilton Hotel"))
			Expect(saved.Extraction.Amount.Equal(*receipt.Extraction.Amount)).To(BeTrue())
			Expect(saved.Extraction.Date.String()).To(Equal("2024-03-10"))
			Expect(saved.Extraction.Status).To(Equal(extraction.StatusExtracted))
			Expect(saved.CreatedAt.Equal(receipt.CreatedAt)).To(BeTrue())
		})

		It("should keep provider items usable for itemization", func() {
			saved, err := db.GetReceipt("r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(extraction.NormalizeItems(saved.ProviderItems)).To(HaveLen(1))
		})

		It("should list and delete", func() {
			Expect(db.SaveReceipt(&Receipt{ID: "r2"})).To(Succeed())
			receipts, err := db.ListReceipts()
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(HaveLen(2))

			Expect(db.DeleteReceipt("r1")).To(Succeed())
			_, err = db.GetReceipt("r1")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	Describe("candidates", func() {
		It("should upsert by ID", func() {
			c := hiltonCandidate()
			Expect(db.SaveCandidates([]matching.ExpenseCandidate{c})).To(Succeed())
			c.Merchant = "Hilton Garden Inn"
			Expect(db.SaveCandidates([]matching.ExpenseCandidate{c})).To(Succeed())

			all, err := db.ListCandidates()
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(1))

			got, err := db.GetCandidate("cand-hilton")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Merchant).To(Equal("Hilton Garden Inn"))
			Expect(got.Date.String()).To(Equal("2024-03-10"))
		})

		It("should report unknown candidates", func() {
			_, err := db.GetCandidate("nope")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	Describe("matches", func() {
		BeforeEach(func() {
			Expect(db.SaveMatch(&Match{ReceiptID: "r1", CandidateID: "c1", Score: 0.9})).To(Succeed())
			Expect(db.SaveMatch(&Match{ReceiptID: "r1", CandidateID: "c2", Score: 0.7})).To(Succeed())
			Expect(db.SaveMatch(&Match{ReceiptID: "r10", CandidateID: "c1", Score: 0.6})).To(Succeed())
		})

		It("should delete only the matches of one receipt", func() {
			Expect(db.DeleteMatches("r1")).To(Succeed())
			matches, err := db.ListMatches()
			Expect(err).NotTo(HaveOccurred())
			Expect(matches).To(HaveLen(1))
			Expect(matches[0].ReceiptID).To(Equal("r10"))
		})
	})

	Describe("itemizations", func() {
		It("should store and remove a breakdown", func() {
			it := &Itemization{ReceiptID: "r1", Result: itemize.Result{Source: itemize.SourceNightly, Nights: 3}}
			Expect(db.SaveItemization(it)).To(Succeed())

			got, err := db.GetItemization("r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Source).To(Equal(itemize.SourceNightly))
			Expect(got.Nights).To(Equal(3))

			Expect(db.DeleteItemization("r1")).To(Succeed())
			_, err = db.GetItemization("r1")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	It("should reopen an existing file", func() {
		Expect(db.SaveReceipt(&Receipt{ID: "kept"})).To(Succeed())
		Expect(db.Close()).To(Succeed())

		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
		_, err = db.GetReceipt("kept")
		Expect(err).NotTo(HaveOccurred())
	})
})
