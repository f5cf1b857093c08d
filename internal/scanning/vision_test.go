package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

type mockVisionModel struct {
	response string
	err      error
	prompts  []string
	images   [][][]byte
}

func (m *mockVisionModel) Name() string {
	return "mock"
}

func (m *mockVisionModel) Generate(_ context.Context, prompt string, images [][]byte) (string, error) {
	m.prompts = append(m.prompts, prompt)
	m.images = append(m.images, images)
	return m.response, m.err
}

func (m *mockVisionModel) Close() error {
	return nil
}

func testImage(encode func(*bytes.Buffer, image.Image) error) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	Expect(encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

func pngImage() []byte {
	return testImage(func(b *bytes.Buffer, img image.Image) error { return png.Encode(b, img) })
}

func jpegImage() []byte {
	return testImage(func(b *bytes.Buffer, img image.Image) error { return jpeg.Encode(b, img, nil) })
}

var _ = Describe("Vision", func() {
	var (
		model   *mockVisionModel
		adapter *Vision
		doc     Document
		payload *Payload
		err     error
	)

	BeforeEach(func() {
		model = &mockVisionModel{
			response: `{"merchant_name": "Hilton Hotel", "total_value": 450.00, "date": "2024-03-10", "line_items": [{"description": "Room", "amount": 450.00, "date": "2024-03-09"}]}`,
		}
		doc = Document{Filename: "r.png", ContentType: "image/png", Content: pngImage()}
	})

	JustBeforeEach(func() {
		if adapter == nil {
			adapter = NewVision(model, 2, 0)
		}
		payload, err = adapter.Analyze(context.Background(), doc)
	})

	AfterEach(func() {
		adapter = nil
	})

	When("no model is configured", func() {
		BeforeEach(func() {
			adapter = NewVision(nil, 0, 0)
		})

		It("should return an unavailable fault", func() {
			var fault *Fault
			Expect(errors.As(err, &fault)).To(BeTrue())
			Expect(fault.Kind).To(Equal(FaultUnavailable))
		})
	})

	When("the model answers with a valid object", func() {
		It("should return the fields", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(payload.Fields).To(HaveKeyWithValue("merchant_name", "Hilton Hotel"))
			Expect(payload.Fields).To(HaveKeyWithValue("model", "mock"))
			Expect(payload.Fields).NotTo(HaveKey("line_items"))
		})

		It("should return the line items", func() {
			Expect(payload.Items).To(HaveLen(1))
			Expect(payload.Items[0]).To(HaveKeyWithValue("amount", json.Number("450.00")))
		})

		It("should send the PNG as is with the fixed prompt", func() {
			Expect(model.images[0]).To(Equal([][]byte{doc.Content}))
			Expect(model.prompts[0]).To(Equal(receiptPrompt))
		})
	})

	When("the upload is a JPEG", func() {
		BeforeEach(func() {
			doc = Document{Filename: "r.jpg", ContentType: "image/jpeg", Content: jpegImage()}
		})

		It("should convert it to PNG", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(isPNG(model.images[0][0])).To(BeTrue())
		})
	})

	When("the upload is not an image", func() {
		BeforeEach(func() {
			doc = Document{Filename: "notes.txt", ContentType: "text/plain", Content: []byte("hello")}
		})

		It("should return an analyze fault without calling the model", func() {
			var fault *Fault
			Expect(errors.As(err, &fault)).To(BeTrue())
			Expect(fault.Kind).To(Equal(FaultAnalyze))
			Expect(model.prompts).To(BeEmpty())
		})
	})

	When("the model output violates the schema", func() {
		BeforeEach(func() {
			model.response = `{"merchant_name": ["Hilton"]}`
		})

		It("should return an analyze fault", func() {
			var fault *Fault
			Expect(errors.As(err, &fault)).To(BeTrue())
			Expect(fault.Kind).To(Equal(FaultAnalyze))
			var schemaErr *SchemaError
			Expect(errors.As(err, &schemaErr)).To(BeTrue())
		})
	})

	When("the model answers with nothing", func() {
		BeforeEach(func() {
			model.response = "  "
		})

		It("should return an analyze fault", func() {
			Expect(errors.Is(err, errEmptyResponse)).To(BeTrue())
		})
	})

	When("the model call fails", func() {
		BeforeEach(func() {
			model.err = errors.New("connection refused")
		})

		It("should return an exception fault", func() {
			var fault *Fault
			Expect(errors.As(err, &fault)).To(BeTrue())
			Expect(fault.Kind).To(Equal(FaultException))
		})
	})
})

var _ = Describe("OllamaModel", func() {
	var server *ghttp.Server

	BeforeEach(func() {
		server = ghttp.NewServer()
	})

	AfterEach(func() {
		server.Close()
	})

	It("should attach the images to the user message", func() {
		img := []byte("png-bytes")
		server.AppendHandlers(
			ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/api/chat"),
				func(w http.ResponseWriter, r *http.Request) {
					var req ollamaChatRequest
					Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
					Expect(req.Model).To(Equal("llava"))
					Expect(req.Stream).To(BeFalse())
					Expect(req.Messages).To(HaveLen(2))
					Expect(req.Messages[1].Images).To(Equal([]string{base64.StdEncoding.EncodeToString(img)}))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: `{"merchant_name": "CVS"}`},
					Done:    true,
				}),
			),
		)

		text, err := NewOllamaModel(server.URL(), "").Generate(context.Background(), "prompt", [][]byte{img})
		Expect(err).NotTo(HaveOccurred())
		Expect(text).To(Equal(`{"merchant_name": "CVS"}`))
	})

	It("should report API errors", func() {
		server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not found"))

		_, err := NewOllamaModel(server.URL(), "missing").Generate(context.Background(), "prompt", nil)
		Expect(err).To(MatchError(ContainSubstring("model not found")))
	})
})
