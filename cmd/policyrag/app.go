package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"policyrag/internal/chunker"
	"policyrag/internal/config"
	"policyrag/internal/corpus"
	"policyrag/internal/domain"
	embedopenai "policyrag/internal/embedding/openai"
	"policyrag/internal/embedding/tfidf"
	genopenai "policyrag/internal/generation/openai"
	"policyrag/internal/logging"
	"policyrag/internal/metrics"
	"policyrag/internal/normalize"
	"policyrag/internal/prompt"
	"policyrag/internal/retrieval"
	"policyrag/internal/service"
	"policyrag/internal/summarizer"
)

// app holds the wired components for one process.
type app struct {
	cfg        *config.AppConfig
	cfgPath    string
	logger     *zap.Logger
	metrics    *metrics.Metrics
	index      *corpus.Index
	summarizer *summarizer.FrequencySummarizer
	assistant  *service.Assistant
}

type appOptions struct {
	configPath string
	// interactive routes logs away from the terminal when no file is set.
	interactive bool
	// withGenerator wires the chat completions client.
	withGenerator bool
}

func loadConfig(path string) (*config.AppConfig, string, error) {
	if path == "" {
		return config.LoadDefault()
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	logCfg := cfg.Logging
	if opts.interactive && logCfg.File == "" {
		logCfg.File = filepath.Join(filepath.Dir(cfgPath), "policyrag.log")
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logger.Warn("config warning", zap.String("path", cfgPath), zap.String("warning", w))
	}

	sum, err := newSummarizer(cfg.Summarizer)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:        cfg,
		cfgPath:    cfgPath,
		logger:     logger,
		metrics:    metrics.New(),
		summarizer: sum,
	}
	if addr := cfg.Metrics.ListenAddr; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, a.metrics, addr, cfg.Metrics.Path, logger); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	factory, err := embedderFactory(cfg, logger)
	if err != nil {
		return nil, err
	}
	source, err := corpusSource(cfg)
	if err != nil {
		return nil, err
	}
	a.index, err = corpus.NewIndex(ctx, source, factory, logger.Named("corpus"))
	if err != nil {
		return nil, err
	}
	snap := a.index.Snapshot()
	a.metrics.ObserveCorpus(snap.Version, len(snap.Entries))

	if !opts.withGenerator {
		return a, nil
	}

	gate := retrieval.NewGate(
		normalize.New(cfg.Retrieval.Synonyms),
		retrieval.NewScorer(a.index),
		cfg.Retrieval.Gate(),
		logger.Named("retrieval"),
	)
	builder := &prompt.Builder{
		Temperature:     cfg.Generation.Temperature,
		MaxTokens:       cfg.Generation.MaxTokens,
		MaxContextChars: cfg.Generation.MaxContextChars,
	}
	a.assistant = service.NewAssistant(gate, builder, newGenerator(cfg.Generation, logger), service.Options{
		Stream:               cfg.Generation.Stream,
		FirstFragmentTimeout: cfg.Generation.FirstFragmentTimeout(),
		Metrics:              a.metrics,
		Logger:               logger.Named("assistant"),
	})
	return a, nil
}

func embedderFactory(cfg *config.AppConfig, logger *zap.Logger) (corpus.EmbedderFactory, error) {
	switch cfg.Embedder.Type {
	case "tfidf", "":
		return func() (domain.Embedder, error) { return tfidf.NewEmbedder(), nil }, nil
	case "openai":
		oc := cfg.Embedder.OpenAI
		client, err := embedopenai.NewClient(embedopenai.Config{
			BaseURL:    oc.BaseURL,
			APIKeyEnv:  oc.APIKeyEnv,
			Model:      oc.Model,
			Timeout:    time.Duration(oc.TimeoutSecs) * time.Second,
			BatchSize:  oc.BatchSize,
			MaxRetries: oc.MaxRetries,
			Logger:     logger.Named("embeddings"),
		})
		if err != nil {
			return nil, err
		}
		return func() (domain.Embedder, error) { return client, nil }, nil
	default:
		return nil, fmt.Errorf("unknown embedder: %s", cfg.Embedder.Type)
	}
}

func newSummarizer(cfg config.SummarizerConfig) (*summarizer.FrequencySummarizer, error) {
	switch cfg.Type {
	case "frequency", "":
		return summarizer.NewFrequencySummarizer(), nil
	default:
		return nil, fmt.Errorf("unknown summarizer: %s", cfg.Type)
	}
}

func corpusSource(cfg *config.AppConfig) (corpus.Source, error) {
	switch cfg.Corpus.Source {
	case "builtin", "":
		return corpus.Static(corpus.Builtin()), nil
	case "documents":
		var ch domain.Chunker
		switch cfg.Chunker.Type {
		case "sentence", "":
			ch = chunker.NewSentenceChunker(cfg.Chunker.SentencesPerChunk, cfg.Chunker.OverlapSentences)
		default:
			return nil, fmt.Errorf("unknown chunker: %s", cfg.Chunker.Type)
		}
		return corpus.Documents(cfg.Corpus.Paths, ch), nil
	default:
		return nil, fmt.Errorf("unknown corpus source: %s", cfg.Corpus.Source)
	}
}

// newGenerator falls back to a generator that reports why it is missing, so
// greetings and refusals keep working and answerable questions surface a
// fault rather than a refusal.
func newGenerator(cfg config.GenerationConfig, logger *zap.Logger) domain.Generator {
	client, err := genopenai.NewClient(genopenai.Config{
		BaseURL:   cfg.BaseURL,
		APIKeyEnv: cfg.APIKeyEnv,
		Model:     cfg.Model,
		Timeout:   cfg.Timeout(),
		Logger:    logger.Named("generation"),
	})
	if err != nil {
		logger.Error("generation client unavailable", zap.Error(err))
		return unavailableGenerator{err: err}
	}
	return client
}

type unavailableGenerator struct{ err error }

func (u unavailableGenerator) Name() string { return "unavailable" }

func (u unavailableGenerator) Complete(context.Context, domain.CompletionRequest) (string, error) {
	return "", u.err
}

func (u unavailableGenerator) Stream(context.Context, domain.CompletionRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) { yield("", u.err) }
}

// reload rebuilds the corpus and reports the new snapshot.
func (a *app) reload(ctx context.Context) (string, error) {
	snap, err := a.index.Reload(ctx)
	a.metrics.ObserveReload(err)
	if err != nil {
		return "", err
	}
	a.metrics.ObserveCorpus(snap.Version, len(snap.Entries))
	return fmt.Sprintf("Corpus v%d loaded with %d entries.", snap.Version, len(snap.Entries)), nil
}

// topicLine names the policies the assistant knows about.
func (a *app) topicLine() string {
	var names []string
	seen := map[string]bool{}
	for _, e := range a.index.Snapshot().Entries {
		name := e.Title
		if name == "" {
			name = fmt.Sprintf("#%d", e.ID)
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return "Topics: " + strings.Join(names, " · ")
}

func (a *app) close() {
	_ = a.logger.Sync()
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidConfig):
		return 2
	case errors.Is(err, domain.ErrMalformedCorpus):
		return 3
	case errors.Is(err, domain.ErrDependencyUnavailable), errors.Is(err, domain.ErrStreamingInterrupted):
		return 4
	default:
		return 1
	}
}
