package config

import "github.com/zombor/expense-agent/internal/scanning"

// BackendCheck reports whether a backend has what it needs. It never carries
// the values themselves.
type BackendCheck struct {
	EndpointSet bool `json:"endpoint_set"`
	KeySet      bool `json:"key_set"`
	Configured  bool `json:"configured"`
}

type EnvReport struct {
	DocumentIntelligence BackendCheck `json:"document_intelligence"`
	ContentUnderstanding BackendCheck `json:"content_understanding"`
	Vision               BackendCheck `json:"vision"`
	VisionProvider       string       `json:"vision_provider"`
	Order                []string     `json:"order"`
}

func (c Config) visionCheck() BackendCheck {
	switch c.Vision.Provider {
	case "ollama":
		// a local server needs no key
		set := c.Vision.OllamaURL != ""
		return BackendCheck{EndpointSet: set, KeySet: set, Configured: set}
	case "gemini":
		set := c.Vision.GeminiKey != ""
		return BackendCheck{EndpointSet: true, KeySet: set, Configured: set}
	}
	return BackendCheck{}
}

// Configured reports, per network backend, whether it can be called
func (c Config) Configured() map[scanning.Backend]bool {
	return map[scanning.Backend]bool{
		scanning.BackendDocumentIntelligence: c.DocumentIntelligence.Endpoint != "" && c.DocumentIntelligence.Key != "",
		scanning.BackendContentUnderstanding: c.ContentUnderstanding.Endpoint != "" && c.ContentUnderstanding.Key != "",
		scanning.BackendVision:               c.visionCheck().Configured,
	}
}

// EnvCheck is the diagnostic view of the configuration
func (c Config) EnvCheck() EnvReport {
	order := make([]string, 0, len(c.Order))
	for _, b := range c.Order {
		order = append(order, string(b))
	}
	return EnvReport{
		DocumentIntelligence: BackendCheck{
			EndpointSet: c.DocumentIntelligence.Endpoint != "",
			KeySet:      c.DocumentIntelligence.Key != "",
			Configured:  c.DocumentIntelligence.Endpoint != "" && c.DocumentIntelligence.Key != "",
		},
		ContentUnderstanding: BackendCheck{
			EndpointSet: c.ContentUnderstanding.Endpoint != "",
			KeySet:      c.ContentUnderstanding.Key != "",
			Configured:  c.ContentUnderstanding.Endpoint != "" && c.ContentUnderstanding.Key != "",
		},
		Vision:         c.visionCheck(),
		VisionProvider: c.Vision.Provider,
		Order:          order,
	}
}
