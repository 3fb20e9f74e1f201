package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"policyrag/internal/domain"
	"policyrag/internal/normalize"
	"policyrag/internal/retrieval"
)

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	BatchSize   int    `yaml:"batch_size"`
	MaxRetries  int    `yaml:"max_retries"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type   string                `yaml:"type"`
	OpenAI *OpenAIEmbedderConfig `yaml:"openai,omitempty"`
}

// ChunkerConfig configures how policy documents are split into entries.
type ChunkerConfig struct {
	Type              string `yaml:"type"`
	SentencesPerChunk int    `yaml:"sentences_per_chunk"`
	OverlapSentences  int    `yaml:"overlap_sentences"`
}

// CorpusConfig selects where policy entries come from.
type CorpusConfig struct {
	// Source is "builtin" or "documents".
	Source string   `yaml:"source"`
	Paths  []string `yaml:"paths,omitempty"`
}

// RetrievalConfig holds the gate parameters and the synonym table.
type RetrievalConfig struct {
	GateThreshold      float64          `yaml:"gate_threshold"`
	InclusionThreshold float64          `yaml:"inclusion_threshold"`
	TopK               int              `yaml:"top_k"`
	Greetings          []string         `yaml:"greetings"`
	Synonyms           []normalize.Rule `yaml:"synonyms"`
}

// GenerationConfig configures the chat completions endpoint.
type GenerationConfig struct {
	BaseURL                  string  `yaml:"base_url"`
	APIKeyEnv                string  `yaml:"api_key_env"`
	Model                    string  `yaml:"model"`
	Temperature              float64 `yaml:"temperature"`
	MaxTokens                int     `yaml:"max_tokens"`
	Stream                   bool    `yaml:"stream"`
	TimeoutSecs              int     `yaml:"timeout_secs"`
	FirstFragmentTimeoutSecs int     `yaml:"first_fragment_timeout_secs"`
	MaxContextChars          int     `yaml:"max_context_chars"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// File receives log output. Empty means stderr.
	File string `yaml:"file"`
}

// MetricsConfig enables the Prometheus endpoint when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

// SummarizerConfig selects and configures the summarizer.
type SummarizerConfig struct {
	Type         string `yaml:"type"`
	MaxSentences int    `yaml:"max_sentences"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Embedder   EmbedderConfig   `yaml:"embedder"`
	Chunker    ChunkerConfig    `yaml:"chunker"`
	Corpus     CorpusConfig     `yaml:"corpus"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Generation GenerationConfig `yaml:"generation"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
// Keys missing from the file keep their default values, so an explicit zero
// threshold is honoured.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &domain.Error{Kind: domain.KindInvalidConfig, Op: "parse " + path, Err: err}
	}
	applyConfigDefaults(cfg)
	return cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/policyrag/config.yaml.
// If neither exists, it writes defaults to ~/.config/policyrag/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := DefaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := Default()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func DefaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "policyrag", "config.yaml"), nil
}

// Default returns the built-in configuration.
func Default() *AppConfig {
	gate := retrieval.DefaultConfig()
	return &AppConfig{
		Embedder: EmbedderConfig{Type: "tfidf"},
		Chunker:  ChunkerConfig{Type: "sentence", SentencesPerChunk: 5, OverlapSentences: 1},
		Corpus:   CorpusConfig{Source: "builtin"},
		Retrieval: RetrievalConfig{
			GateThreshold:      gate.GateThreshold,
			InclusionThreshold: gate.InclusionThreshold,
			TopK:               gate.TopK,
			Greetings:          gate.Greetings,
			Synonyms:           normalize.DefaultRules(),
		},
		Generation: GenerationConfig{
			BaseURL:                  "https://api.groq.com/openai/v1",
			APIKeyEnv:                "GROQ_API_KEY",
			Model:                    "llama-3.1-8b-instant",
			Temperature:              0.2,
			Stream:                   true,
			TimeoutSecs:              60,
			FirstFragmentTimeoutSecs: 20,
		},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
		Metrics:    MetricsConfig{Path: "/metrics"},
		Summarizer: SummarizerConfig{Type: "frequency", MaxSentences: 1},
	}
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Chunker.SentencesPerChunk == 0 {
		cfg.Chunker.SentencesPerChunk = 5
	}
	if cfg.Embedder.Type == "openai" {
		if cfg.Embedder.OpenAI == nil {
			cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
		}
		if cfg.Embedder.OpenAI.BaseURL == "" {
			cfg.Embedder.OpenAI.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.Embedder.OpenAI.APIKeyEnv == "" {
			cfg.Embedder.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
		}
		if cfg.Embedder.OpenAI.Model == "" {
			cfg.Embedder.OpenAI.Model = "text-embedding-3-small"
		}
		if cfg.Embedder.OpenAI.TimeoutSecs == 0 {
			cfg.Embedder.OpenAI.TimeoutSecs = 30
		}
		if cfg.Embedder.OpenAI.BatchSize == 0 {
			cfg.Embedder.OpenAI.BatchSize = 32
		}
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Validate rejects configurations that cannot work and returns warnings for
// ones that work poorly.
func (c *AppConfig) Validate() ([]string, error) {
	var problems []error
	var warnings []string

	switch c.Embedder.Type {
	case "tfidf", "openai":
	default:
		problems = append(problems, fmt.Errorf("embedder.type %q is not one of tfidf, openai", c.Embedder.Type))
	}
	switch c.Corpus.Source {
	case "builtin":
	case "documents":
		if len(c.Corpus.Paths) == 0 {
			problems = append(problems, errors.New("corpus.paths is required when corpus.source is documents"))
		}
	default:
		problems = append(problems, fmt.Errorf("corpus.source %q is not one of builtin, documents", c.Corpus.Source))
	}

	r := c.Retrieval
	if r.GateThreshold < -1 || r.GateThreshold > 1 {
		problems = append(problems, fmt.Errorf("retrieval.gate_threshold %.3f is outside [-1, 1]", r.GateThreshold))
	}
	if r.InclusionThreshold < -1 || r.InclusionThreshold > 1 {
		problems = append(problems, fmt.Errorf("retrieval.inclusion_threshold %.3f is outside [-1, 1]", r.InclusionThreshold))
	}
	if r.TopK < 1 {
		problems = append(problems, fmt.Errorf("retrieval.top_k %d must be at least 1", r.TopK))
	}
	if r.InclusionThreshold > r.GateThreshold {
		warnings = append(warnings, fmt.Sprintf(
			"retrieval.inclusion_threshold %.3f is above gate_threshold %.3f; questions that pass the gate may still be refused",
			r.InclusionThreshold, r.GateThreshold))
	}

	g := c.Generation
	if g.Temperature < 0 || g.Temperature > 2 {
		problems = append(problems, fmt.Errorf("generation.temperature %.2f is outside [0, 2]", g.Temperature))
	}
	if g.APIKeyEnv == "" {
		problems = append(problems, errors.New("generation.api_key_env is required"))
	}
	if g.Temperature > 0.5 {
		warnings = append(warnings, fmt.Sprintf("generation.temperature %.2f invites answers that drift from the policy text", g.Temperature))
	}
	if g.FirstFragmentTimeoutSecs < 0 || g.TimeoutSecs < 0 || g.MaxContextChars < 0 {
		problems = append(problems, errors.New("generation timeouts and max_context_chars must not be negative"))
	}

	switch c.Summarizer.Type {
	case "", "frequency":
	default:
		problems = append(problems, fmt.Errorf("summarizer.type %q is not frequency", c.Summarizer.Type))
	}
	if c.Summarizer.MaxSentences < 0 {
		problems = append(problems, fmt.Errorf("summarizer.max_sentences %d must not be negative", c.Summarizer.MaxSentences))
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		problems = append(problems, fmt.Errorf("logging.format %q is not one of json, console", c.Logging.Format))
	}

	if len(problems) > 0 {
		return warnings, &domain.Error{Kind: domain.KindInvalidConfig, Op: "validate config", Err: errors.Join(problems...)}
	}
	return warnings, nil
}

// Gate converts the retrieval section for the retrieval package.
func (r RetrievalConfig) Gate() retrieval.Config {
	return retrieval.Config{
		GateThreshold:      r.GateThreshold,
		InclusionThreshold: r.InclusionThreshold,
		TopK:               r.TopK,
		Greetings:          r.Greetings,
	}
}

func (g GenerationConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSecs) * time.Second
}

func (g GenerationConfig) FirstFragmentTimeout() time.Duration {
	return time.Duration(g.FirstFragmentTimeoutSecs) * time.Second
}
