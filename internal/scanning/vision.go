package scanning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// receiptPrompt is the fixed extraction prompt shared by all vision models
const receiptPrompt = `You are analyzing a receipt or invoice document. The images are the pages of one document, in order. Carefully read all text and extract:

1. merchant_name: the store, hotel or business name, usually the largest text in the header.
2. vendor_name: the legal vendor or supplier name if printed separately from the merchant, otherwise null.
3. total_value: the final total, grand total or amount due, as a number without currency symbols.
4. subtotal and tax: the pre-tax subtotal and the tax or fee amount if both are printed, otherwise null.
5. currency: the 3-letter ISO currency code if present.
6. date: the transaction or invoice date as YYYY-MM-DD.
7. service_start and service_end: for hotel stays, rentals or other multi-day services, the first and last day of the period as YYYY-MM-DD.
8. line_items: the itemized charges, each with description, amount (number) and date (YYYY-MM-DD or null).

Return ONLY valid JSON in this exact format:
{
  "merchant_name": "Store Name",
  "vendor_name": null,
  "total_value": 0.00,
  "subtotal": null,
  "tax": null,
  "currency": "USD",
  "date": "YYYY-MM-DD",
  "service_start": null,
  "service_end": null,
  "line_items": [{"description": "Item", "amount": 0.00, "date": null}]
}

Important:
- Amounts must be numbers (not strings)
- If you cannot find a field, use null for that field
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// VisionModel is a multimodal model that answers a prompt about page images
type VisionModel interface {
	Name() string
	Generate(ctx context.Context, prompt string, images [][]byte) (string, error)
	Close() error
}

// Vision extracts receipt fields by prompting a vision-language model
type Vision struct {
	model    VisionModel
	maxPages int
	timeout  time.Duration
}

// NewVision wraps model as an adapter. A nil model yields an adapter that
// reports itself unavailable.
func NewVision(model VisionModel, maxPages int, timeout time.Duration) *Vision {
	if maxPages <= 0 {
		maxPages = 4
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Vision{model: model, maxPages: maxPages, timeout: timeout}
}

func (v *Vision) Backend() Backend {
	return BackendVision
}

// Analyze renders the document pages, prompts the model and validates the
// answer. Output that does not fit the receipt schema is an analyze fault.
func (v *Vision) Analyze(ctx context.Context, doc Document) (*Payload, error) {
	if v.model == nil {
		return nil, unavailable(BackendVision, "no vision model configured")
	}

	images, err := pageImages(doc.Content, doc.ContentType, v.maxPages)
	if err != nil {
		return nil, rejected(BackendVision, fmt.Errorf("preparing page images: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	text, err := v.model.Generate(ctx, receiptPrompt, images)
	if err != nil {
		return nil, exception(BackendVision, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, rejected(BackendVision, errEmptyResponse)
	}

	obj, err := parseVisionJSON(text)
	if err != nil {
		return nil, rejected(BackendVision, err)
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, exception(BackendVision, fmt.Errorf("encoding model response: %w", err))
	}

	fields := make(map[string]any, len(obj)+1)
	for k, val := range obj {
		if k == "line_items" {
			continue
		}
		fields[k] = val
	}
	fields["model"] = v.model.Name()

	return &Payload{
		Backend:  BackendVision,
		Fields:   fields,
		Items:    visionItems(obj),
		Raw:      raw,
		Attempts: 1,
	}, nil
}

// Close releases the underlying model client
func (v *Vision) Close() error {
	if v.model == nil {
		return nil
	}
	return v.model.Close()
}
