package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/taleweaver/internal/pipeline"
)

// ValidProviderNames lists known LLM provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// apiKeyEnv maps provider names to the environment variable holding their
// API key.
var apiKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
	"mistral":   "MISTRAL_API_KEY",
	"groq":      "GROQ_API_KEY",
}

// keyless providers run locally and need no API key.
var keyless = []string{"ollama", "llamacpp", "llamafile"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default and resolves API
// keys from the environment.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.OutputDir == "" {
		s.OutputDir = DefaultOutputDir
	}
	if s.MaxUploadBytes == 0 {
		s.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if s.MaxConcurrentRuns == 0 {
		s.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}

	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = "openai"
	}
	resolveAPIKey(&cfg.Providers.LLM)
	for i := range cfg.Providers.Fallbacks {
		resolveAPIKey(&cfg.Providers.Fallbacks[i])
	}

	d := pipeline.DefaultModels()
	m := &cfg.Models
	for _, f := range []struct{ v *string; def string }{
		{&m.Analytical, d.Analytical},
		{&m.Narrative, d.Narrative},
		{&m.Synthesis, d.Synthesis},
		{&m.GMFinal, d.GMFinal},
		{&m.PlayerFinal, d.PlayerFinal},
		{&m.QA, d.QA},
	} {
		if *f.v == "" {
			*f.v = f.def
		}
	}

	p := &cfg.Pipeline
	if p.MaxChunkTokens == 0 {
		p.MaxChunkTokens = DefaultMaxChunkTokens
	}
	if p.TokenizerModel == "" {
		p.TokenizerModel = m.Analytical
	}
	if p.Concurrency == 0 {
		p.Concurrency = DefaultConcurrency
	}
	if p.NameThreshold == 0 {
		p.NameThreshold = DefaultNameThreshold
	}
	if p.NameScorer == "" {
		p.NameScorer = ScorerWeightedRatio
	}
	if p.LocationThreshold == 0 {
		p.LocationThreshold = DefaultLocationThreshold
	}
}

func resolveAPIKey(e *ProviderEntry) {
	if e.APIKey != "" {
		return
	}
	if env, ok := apiKeyEnv[e.Name]; ok {
		e.APIKey = os.Getenv(env)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found. Soft
// problems, such as an unknown provider name or a missing API key, are
// logged as warnings.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes %d must be positive", cfg.Server.MaxUploadBytes))
	}
	if cfg.Server.MaxConcurrentRuns < 0 {
		errs = append(errs, fmt.Errorf("server.max_concurrent_runs %d must be positive", cfg.Server.MaxConcurrentRuns))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProvider("providers.llm", cfg.Providers.LLM)
	for i, fb := range cfg.Providers.Fallbacks {
		prefix := fmt.Sprintf("providers.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProvider(prefix, fb)
	}

	// Pipeline
	p := cfg.Pipeline
	if p.MaxChunkTokens < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_chunk_tokens %d must be positive", p.MaxChunkTokens))
	}
	if p.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("pipeline.concurrency %d must be positive", p.Concurrency))
	}
	if p.NameThreshold < 0 || p.NameThreshold > 100 {
		errs = append(errs, fmt.Errorf("pipeline.name_threshold %.1f is out of range [0, 100]", p.NameThreshold))
	}
	if p.NameScorer != "" && !p.NameScorer.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.name_scorer %q is invalid; valid values: weighted_ratio, phonetic", p.NameScorer))
	}
	if p.LocationThreshold < 0 || p.LocationThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.location_threshold %.2f is out of range (0, 1]", p.LocationThreshold))
	}

	// Entities
	if cfg.Entities.Path == "" {
		errs = append(errs, errors.New("entities.path is required"))
	}

	// Discord
	if (cfg.Discord.Token == "") != (cfg.Discord.ChannelID == "") {
		errs = append(errs, errors.New("discord.token and discord.channel_id must be set together"))
	}

	// Archive
	if cfg.Archive.PostgresDSN == "" {
		slog.Debug("archive.postgres_dsn is empty; recaps are only written to the output directory")
	}

	return errors.Join(errs...)
}

// validateProvider logs a warning if the provider name is not in
// [ValidProviderNames] or if a hosted provider has no API key.
func validateProvider(field string, e ProviderEntry) {
	if e.Name == "" {
		return
	}
	if !slices.Contains(ValidProviderNames, e.Name) {
		slog.Warn("unknown provider name, may be a typo or third-party provider",
			"field", field,
			"name", e.Name,
			"known", ValidProviderNames,
		)
		return
	}
	if e.APIKey == "" && !slices.Contains(keyless, e.Name) {
		slog.Warn("provider has no API key; completions will fail",
			"field", field,
			"name", e.Name,
			"env", apiKeyEnv[e.Name],
		)
	}
}
