package scanning

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	visionStringFields = []string{"merchant_name", "vendor_name", "currency", "date", "service_start", "service_end", "notes", "filename"}
	visionNumberFields = []string{"total_value", "subtotal", "tax"}
)

// SchemaError reports a vision model response that does not fit the
// expected receipt object
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return "invalid model response: " + e.Reason
	}
	return fmt.Sprintf("invalid model response: %s %s", e.Field, e.Reason)
}

// parseVisionJSON extracts the receipt object from a model response and
// validates it. Markdown fences and chatter around the JSON are tolerated; a
// top-level array yields its first object.
func parseVisionJSON(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	text = strings.TrimSpace(text)

	obj, err := decodeVisionObject(text)
	if err != nil {
		return nil, err
	}
	if err := validateVisionObject(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func decodeVisionObject(text string) (map[string]any, error) {
	if strings.HasPrefix(text, "[") {
		var list []any
		if err := decodeNumbers(text, &list); err != nil {
			return nil, &SchemaError{Reason: "malformed JSON array: " + err.Error()}
		}
		for _, el := range list {
			if obj, ok := el.(map[string]any); ok {
				return obj, nil
			}
		}
		return nil, &SchemaError{Reason: "array contains no object"}
	}

	start := strings.Index(text, "{")
	if start == -1 {
		return nil, &SchemaError{Reason: "no JSON object found"}
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		return nil, &SchemaError{Reason: "unterminated JSON object"}
	}

	var obj map[string]any
	if err := decodeNumbers(text[start:end+1], &obj); err != nil {
		return nil, &SchemaError{Reason: "malformed JSON: " + err.Error()}
	}
	return obj, nil
}

func decodeNumbers(text string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	return dec.Decode(v)
}

func validateVisionObject(obj map[string]any) error {
	known := 0
	for _, key := range visionStringFields {
		v, ok := obj[key]
		if !ok {
			continue
		}
		known++
		if v == nil {
			continue
		}
		if _, ok := v.(string); !ok {
			return &SchemaError{Field: key, Reason: "must be a string"}
		}
	}
	for _, key := range visionNumberFields {
		v, ok := obj[key]
		if !ok {
			continue
		}
		known++
		if err := checkNumeric(key, v); err != nil {
			return err
		}
	}

	if v, ok := obj["line_items"]; ok && v != nil {
		known++
		items, ok := v.([]any)
		if !ok {
			return &SchemaError{Field: "line_items", Reason: "must be an array"}
		}
		for i, it := range items {
			item, ok := it.(map[string]any)
			if !ok {
				return &SchemaError{Field: fmt.Sprintf("line_items[%d]", i), Reason: "must be an object"}
			}
			if d, ok := item["description"]; ok && d != nil {
				if _, ok := d.(string); !ok {
					return &SchemaError{Field: fmt.Sprintf("line_items[%d].description", i), Reason: "must be a string"}
				}
			}
			if err := checkNumeric(fmt.Sprintf("line_items[%d].amount", i), item["amount"]); err != nil {
				return err
			}
		}
	}

	if known == 0 {
		return &SchemaError{Reason: "none of the expected fields present"}
	}
	return nil
}

func checkNumeric(field string, v any) error {
	switch n := v.(type) {
	case nil, string:
		return nil
	case json.Number:
		if _, err := n.Float64(); err != nil {
			return &SchemaError{Field: field, Reason: "is not a number"}
		}
		return nil
	}
	return &SchemaError{Field: field, Reason: "must be a number"}
}

// visionItems returns the validated line items of a model response
func visionItems(obj map[string]any) []map[string]any {
	raw, _ := obj["line_items"].([]any)
	items := make([]map[string]any, 0, len(raw))
	for _, it := range raw {
		if item, ok := it.(map[string]any); ok {
			items = append(items, item)
		}
	}
	return items
}

var errEmptyResponse = errors.New("empty model response")
