// Package config resolves the read-only settings the service runs with.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/shopspring/decimal"
	"github.com/zombor/expense-agent/internal/matching"
	"github.com/zombor/expense-agent/internal/scanning"
)

// EnvVarPrefix is prepended to flag names to form environment variables,
// e.g. --di-endpoint reads EXPENSE_AGENT_DI_ENDPOINT
const EnvVarPrefix = "EXPENSE_AGENT"

// Legacy environment variables honoured when the matching flag is empty
const (
	EnvDocIntelEndpoint = "AZURE_DOCUMENT_INTELLIGENCE_ENDPOINT"
	EnvDocIntelKey      = "AZURE_DOCUMENT_INTELLIGENCE_KEY"
	EnvCUEndpoint       = "AZURE_CONTENT_UNDERSTANDING_ENDPOINT"
	EnvCUKey            = "AZURE_CONTENT_UNDERSTANDING_KEY"
	EnvGeminiKey        = "GEMINI_API_KEY"
)

type VisionConfig struct {
	// Provider is "gemini" or "ollama"
	Provider    string
	GeminiKey   string
	GeminiModel string
	OllamaURL   string
	OllamaModel string
	Timeout     time.Duration
	MaxPages    int
}

// Config is built once at startup and never modified afterwards
type Config struct {
	Port             int
	DBPath           string
	StoragePath      string
	AuthUser         string
	AuthPass         string
	CandidatesFile   string
	BatchConcurrency int
	Order            []scanning.Backend

	DocumentIntelligence scanning.DocumentIntelligenceConfig
	ContentUnderstanding scanning.ContentUnderstandingConfig
	Vision               VisionConfig
	Matching             matching.Config
}

// Flags is the flag set behind Config
type Flags struct {
	fs *ff.FlagSet

	port, concurrency                     *int
	dbPath, storagePath, authUser         *string
	authPass, candidates, order           *string
	diEndpoint, diKey, diModel, diVersion *string
	diTimeout                             *time.Duration
	diAttempts                            *int
	cuEndpoint, cuKey, cuAnalyzer         *string
	cuVersion                             *string
	cuInterval, cuTimeout                 *time.Duration
	cuMaxPolls                            *int
	visionProvider, geminiKey             *string
	geminiModel, ollamaURL, ollamaModel   *string
	visionTimeout                         *time.Duration
	visionPages                           *int
	weightMerchant, weightAmount          *float64
	weightDate, minScore                  *float64
	amountAbs, amountPct                  *decimal.Decimal
	strict                                *bool
	showVersion                           *bool
}

// NewFlags registers every setting on a new flag set
func NewFlags(name string) *Flags {
	fs := ff.NewFlagSet(name)
	f := &Flags{fs: fs}

	f.port = fs.IntLong("port", 8080, "HTTP server port")
	f.dbPath = fs.StringLong("db", "expense-agent.db", "Database file path")
	f.storagePath = fs.StringLong("storage", "./receipts", "Storage directory path")
	f.authUser = fs.StringLong("auth-user", "", "Basic auth username (optional)")
	f.authPass = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
	f.candidates = fs.StringLong("candidates", "", "CSV file of expense candidates to import at startup (optional)")
	f.concurrency = fs.IntLong("concurrency", 4, "Receipts extracted in parallel per upload batch")
	f.order = fs.StringLong("providers", "document_intelligence,content_understanding,vision", "Backend preference order")

	f.diEndpoint = fs.StringLong("di-endpoint", "", "Document Intelligence endpoint (or "+EnvDocIntelEndpoint+")")
	f.diKey = fs.StringLong("di-key", "", "Document Intelligence key (or "+EnvDocIntelKey+")")
	f.diModel = fs.StringLong("di-model", "prebuilt-receipt", "Document Intelligence model id")
	f.diVersion = fs.StringLong("di-api-version", "2024-11-30", "Document Intelligence API version")
	f.diTimeout = fs.DurationLong("di-timeout", 60*time.Second, "Document Intelligence per-receipt timeout")
	f.diAttempts = fs.IntLong("di-attempts", 3, "Document Intelligence submission attempts on transient errors")

	f.cuEndpoint = fs.StringLong("cu-endpoint", "", "Content Understanding endpoint (or "+EnvCUEndpoint+")")
	f.cuKey = fs.StringLong("cu-key", "", "Content Understanding key (or "+EnvCUKey+")")
	f.cuAnalyzer = fs.StringLong("cu-analyzer", "prebuilt-documentAnalyzer", "Content Understanding analyzer id")
	f.cuVersion = fs.StringLong("cu-api-version", "2024-11-01-preview", "Content Understanding API version")
	f.cuInterval = fs.DurationLong("cu-poll-interval", 2*time.Second, "Content Understanding poll interval")
	f.cuTimeout = fs.DurationLong("cu-poll-timeout", 120*time.Second, "Content Understanding overall poll timeout")
	f.cuMaxPolls = fs.IntLong("cu-max-polls", 0, "Content Understanding poll limit (0 derives it from the timeout)")

	// the first enum value is the default
	f.visionProvider = fs.StringEnumLong("vision-provider", "Vision model provider", "gemini", "ollama")
	f.geminiKey = fs.StringLong("gemini-key", "", "Google Gemini API key (or "+EnvGeminiKey+")")
	f.geminiModel = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
	f.ollamaURL = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
	f.ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, qwen2-vl)")
	f.visionTimeout = fs.DurationLong("vision-timeout", 60*time.Second, "Vision model per-receipt timeout")
	f.visionPages = fs.IntLong("vision-max-pages", 4, "PDF pages sent to the vision model")

	f.weightMerchant = fs.Float64Long("weight-merchant", 0.5, "Matching weight of the merchant score")
	f.weightAmount = fs.Float64Long("weight-amount", 0.3, "Matching weight of the amount score")
	f.weightDate = fs.Float64Long("weight-date", 0.2, "Matching weight of the date score")
	f.amountAbs = moneyLong(fs, "amount-tolerance", "1.00", "Absolute amount difference at which the amount score reaches 0")
	f.amountPct = moneyLong(fs, "amount-tolerance-pct", "0.05", "Relative amount difference at which the amount score reaches 0")
	f.minScore = fs.Float64Long("min-score", 0.5, "Minimum score for a suggested match")
	f.strict = fs.BoolLong("strict-matching", "Fail when an error-status receipt reaches the matching engine")

	f.showVersion = fs.BoolLong("version", "Show version information")
	return f
}

// moneyLong registers a non-negative decimal flag
func moneyLong(fs *ff.FlagSet, long, def, usage string) *decimal.Decimal {
	v := &ffval.Value[decimal.Decimal]{
		ParseFunc: parseMoney,
		Default:   decimal.RequireFromString(def),
	}
	fs.ValueLong(long, v, usage)
	return v.GetPointer()
}

func parseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("must not be negative")
	}
	return d, nil
}

// FlagSet exposes the underlying flag set for help output
func (f *Flags) FlagSet() *ff.FlagSet {
	return f.fs
}

// Parse reads args and EXPENSE_AGENT_* environment variables. Values that do
// not parse as their flag's type are rejected here.
func (f *Flags) Parse(args []string) error {
	return ff.Parse(f.fs, args, ff.WithEnvVarPrefix(EnvVarPrefix))
}

func (f *Flags) ShowVersion() bool {
	return *f.showVersion
}

// Config resolves the parsed flags. getenv supplies the legacy variables
// used as fallbacks for empty endpoints and keys.
func (f *Flags) Config(getenv func(string) string) (Config, error) {
	fallback := func(v *string, env string) string {
		if s := strings.TrimSpace(*v); s != "" {
			return s
		}
		return strings.TrimSpace(getenv(env))
	}

	var errs []string
	positive := func(name string, d *time.Duration) time.Duration {
		if *d <= 0 {
			errs = append(errs, fmt.Sprintf("--%s: must be positive, got %s", name, *d))
		}
		return *d
	}
	weight := func(name string, w *float64) float64 {
		if *w < 0 {
			errs = append(errs, fmt.Sprintf("--%s: must not be negative, got %g", name, *w))
		}
		return *w
	}

	order, err := ParseOrder(*f.order)
	if err != nil {
		errs = append(errs, fmt.Sprintf("--providers: %v", err))
	}
	if *f.diAttempts < 1 {
		errs = append(errs, fmt.Sprintf("--di-attempts: must be at least 1, got %d", *f.diAttempts))
	}
	if *f.minScore < 0 || *f.minScore > 1 {
		errs = append(errs, fmt.Sprintf("--min-score: must be between 0 and 1, got %g", *f.minScore))
	}

	cfg := Config{
		Port:             *f.port,
		DBPath:           *f.dbPath,
		StoragePath:      *f.storagePath,
		AuthUser:         *f.authUser,
		AuthPass:         *f.authPass,
		CandidatesFile:   *f.candidates,
		BatchConcurrency: *f.concurrency,
		Order:            order,
		DocumentIntelligence: scanning.DocumentIntelligenceConfig{
			Endpoint:    fallback(f.diEndpoint, EnvDocIntelEndpoint),
			Key:         fallback(f.diKey, EnvDocIntelKey),
			ModelID:     *f.diModel,
			APIVersion:  *f.diVersion,
			Timeout:     positive("di-timeout", f.diTimeout),
			MaxAttempts: *f.diAttempts,
		},
		ContentUnderstanding: scanning.ContentUnderstandingConfig{
			Endpoint:     fallback(f.cuEndpoint, EnvCUEndpoint),
			Key:          fallback(f.cuKey, EnvCUKey),
			AnalyzerID:   *f.cuAnalyzer,
			APIVersion:   *f.cuVersion,
			PollInterval: positive("cu-poll-interval", f.cuInterval),
			PollTimeout:  positive("cu-poll-timeout", f.cuTimeout),
			MaxPolls:     *f.cuMaxPolls,
		},
		Vision: VisionConfig{
			Provider:    *f.visionProvider,
			GeminiKey:   fallback(f.geminiKey, EnvGeminiKey),
			GeminiModel: *f.geminiModel,
			OllamaURL:   strings.TrimSpace(*f.ollamaURL),
			OllamaModel: *f.ollamaModel,
			Timeout:     positive("vision-timeout", f.visionTimeout),
			MaxPages:    *f.visionPages,
		},
		Matching: matching.Config{
			Weights: matching.Weights{
				Merchant: weight("weight-merchant", f.weightMerchant),
				Amount:   weight("weight-amount", f.weightAmount),
				Date:     weight("weight-date", f.weightDate),
			},
			AmountAbsTolerance: *f.amountAbs,
			AmountPctTolerance: *f.amountPct,
			MinScore:           *f.minScore,
			Strict:             *f.strict,
		},
	}

	if w := cfg.Matching.Weights; w.Merchant+w.Amount+w.Date == 0 {
		errs = append(errs, "matching weights must not all be zero")
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// ParseOrder parses a comma separated backend list. The heuristic is always
// the implicit last resort and may not be listed.
func ParseOrder(s string) ([]scanning.Backend, error) {
	var order []scanning.Backend
	seen := map[scanning.Backend]bool{}
	for _, name := range strings.Split(s, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		b, err := scanning.ParseBackend(name)
		if err != nil {
			return nil, err
		}
		if b == "" || b == scanning.BackendHeuristic {
			return nil, fmt.Errorf("%q cannot be part of the preference order", strings.TrimSpace(name))
		}
		if seen[b] {
			continue
		}
		seen[b] = true
		order = append(order, b)
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("no backends listed")
	}
	return order, nil
}
