package scanning

import "strings"

// documentItems flattens the Items array of an Azure document field map into
// plain value objects. Both document services describe line items as
// {"Items": {"valueArray": [{"valueObject": {...}}]}}.
func documentItems(fields map[string]any) []map[string]any {
	var items []map[string]any
	for key, v := range fields {
		if !strings.EqualFold(key, "items") {
			continue
		}
		field, ok := v.(map[string]any)
		if !ok {
			continue
		}
		arr, ok := field["valueArray"].([]any)
		if !ok {
			continue
		}
		for _, entry := range arr {
			obj, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if inner, ok := obj["valueObject"].(map[string]any); ok {
				items = append(items, inner)
				continue
			}
			items = append(items, obj)
		}
	}
	return items
}
