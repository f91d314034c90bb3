package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"med-deid/internal/backend"
	"med-deid/internal/config"
	"med-deid/internal/consistency"
	"med-deid/internal/engine"
	"med-deid/internal/logger"
	"med-deid/internal/metrics"
	"med-deid/internal/rewrite"
	"med-deid/internal/terms"
	"med-deid/internal/transform"
)

// globalFlags override the loaded configuration when set.
type globalFlags struct {
	configPath string
	logLevel   string
	strategy   string
	mode       string
	namePolicy string
	dictDir    string
	cachePath  string
	disable    []string
}

func (f *globalFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "config file (default deid-config.json or deid-config.yaml)")
	pf.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&f.strategy, "strategy", "", "entity or category")
	pf.StringVar(&f.mode, "mode", "", "replacement mode for category passes: tag or mask")
	pf.StringVar(&f.namePolicy, "name-policy", "", "mask or pseudonym")
	pf.StringVar(&f.dictDir, "dict-dir", "", "dictionary directory (default embedded)")
	pf.StringVar(&f.cachePath, "cache", "", "bbolt file for the pseudonym mapping (default in memory)")
	pf.StringSliceVar(&f.disable, "disable", nil, "categories or passes to turn off, e.g. date,age")
}

// load reads the configuration, applies the flags and validates the result.
func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	set := func(src string, dst *string) {
		if src != "" {
			*dst = src
		}
	}
	set(f.logLevel, &cfg.LogLevel)
	set(f.strategy, &cfg.Strategy)
	set(f.mode, &cfg.ReplacementMode)
	set(f.namePolicy, &cfg.NamePolicy)
	set(f.dictDir, &cfg.DictDir)
	set(f.cachePath, &cfg.CachePath)
	if len(f.disable) > 0 {
		if cfg.Toggles == nil {
			cfg.Toggles = make(map[string]bool)
		}
		for _, k := range f.disable {
			if k = strings.TrimSpace(k); k != "" {
				cfg.Toggles[k] = false
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runtime holds what every engine rebuild shares: one cache, one metrics
// registry and the custom term lists.
type runtime struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics
	cache   *consistency.Cache
	terms   *terms.Registry
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	log := logger.New("DEID", cfg.LogLevel)
	cache, err := consistency.Open(cfg.CachePath, cfg.CacheCapacity, log.Module("CACHE"))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &runtime{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(),
		cache:   cache,
		terms:   terms.NewRegistry(cfg.Terms, cfg.TermsFile, log.Module("TERMS")),
	}, nil
}

func (rt *runtime) Close() error {
	err := rt.cache.Close()
	_ = rt.log.Sync() // stderr sync fails on some terminals
	return err
}

// build constructs an engine from the configuration and the given custom
// terms. It is the api.Builder used on every reload.
func (rt *runtime) build(custom map[string][]string) (*engine.Engine, error) {
	cfg := rt.cfg
	mode, err := rewrite.ParseMode(cfg.ReplacementMode)
	if err != nil {
		return nil, err
	}
	policy, err := transform.ParseNamePolicy(cfg.NamePolicy)
	if err != nil {
		return nil, err
	}
	preferred, err := newBackend(cfg, rt.log.Module("BACKEND"))
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Options{
		DictDir:  cfg.DictDir,
		Terms:    custom,
		Toggles:  cfg.Toggles,
		Strategy: cfg.Strategy,
		Mode:     mode,
		LooseIDs: cfg.LooseIDs,
		Transform: transform.Options{
			ShiftDays:  cfg.ShiftDays,
			NamePolicy: policy,
			Salt:       cfg.HashSalt,
			SiteCodes:  cfg.SiteCodes,
		},
		Tagger:      cfg.Tagger,
		TaggerDicts: cfg.TaggerDicts,
		Cache:       rt.cache,
		Preferred:   preferred,
		Log:         rt.log.Module("ENGINE"),
		Metrics:     rt.metrics,
	})
}

// newEngine builds an engine over the registry's current terms.
func (rt *runtime) newEngine() (*engine.Engine, error) {
	return rt.build(rt.terms.All())
}

// newBackend returns the preferred backend named by cfg, or nil for the
// rule engine alone.
func newBackend(cfg *config.Config, log *logger.Logger) (engine.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", engine.BackendRules:
		return nil, nil
	case backend.NameRemote:
		r, err := backend.NewRemote(backend.RemoteOptions{
			URL:     cfg.RemoteURL,
			Token:   cfg.RemoteToken,
			Timeout: time.Duration(cfg.RemoteTimeoutSecs) * time.Second,
			Log:     log,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w %q", engine.ErrUnknownBackend, cfg.Backend)
	}
}

// withRuntime loads the configuration, opens the runtime and closes it once
// fn returns.
func withRuntime(f *globalFlags, fn func(rt *runtime) error) error {
	cfg, err := f.load()
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	return errors.Join(fn(rt), rt.Close())
}
