package runtime

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/loqalabs/jerga/internal/config"
	"github.com/loqalabs/jerga/internal/dictionary"
	"github.com/loqalabs/jerga/internal/slang"
)

// NewLogger returns the JSON logger every jerga binary uses.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// DictionaryLoader returns a lazily built pattern set for cfg. Nothing is
// read until Get is called.
func DictionaryLoader(cfg config.DictionaryConfig, logger *slog.Logger) (*slang.Lazy, error) {
	policy, err := slang.ParseDuplicatePolicy(cfg.DuplicatePolicy)
	if err != nil {
		return nil, err
	}
	var opts []dictionary.Option
	if cfg.AllowEmpty {
		opts = append(opts, dictionary.WithAllowEmpty())
	}
	if cfg.SkipInvalidTables {
		opts = append(opts, dictionary.WithSkipInvalid(logger.With(slog.String("component", "dictionary"))))
	}
	dir := cfg.Directory
	return slang.NewLazy(func() ([]dictionary.Entry, error) {
		return dictionary.Load(dir, opts...)
	}, slang.WithDuplicatePolicy(policy)), nil
}

// LoadSet loads and compiles the dictionary immediately.
func LoadSet(cfg config.DictionaryConfig, logger *slog.Logger) (*slang.Set, error) {
	lazy, err := DictionaryLoader(cfg, logger)
	if err != nil {
		return nil, err
	}
	set, err := lazy.Get()
	if err != nil {
		return nil, fmt.Errorf("load dictionary: %w", err)
	}
	return set, nil
}

// capabilityAttributes describes a loaded set for node announcements.
func capabilityAttributes(set *slang.Set, cfg config.DictionaryConfig) map[string]string {
	policy := cfg.DuplicatePolicy
	if policy == "" {
		policy = "keep_all"
	}
	attrs := map[string]string{
		"patterns":         strconv.Itoa(set.Len()),
		"duplicate_policy": policy,
	}
	for gen, n := range set.Generations() {
		attrs["generation."+string(gen)] = strconv.Itoa(n)
	}
	return attrs
}
