// Package config loads and holds the de-identification configuration.
// Settings come from built-in defaults, then deid-config.json or
// deid-config.yaml, then environment variables (DEID_*). A .env file in the
// working directory is loaded into the environment first when present.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"med-deid/internal/logger"
)

// DefaultFiles are tried in order when no config path is given.
var DefaultFiles = []string{"deid-config.json", "deid-config.yaml", "deid-config.yml"}

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

var log = logger.New("CONFIG", "info")

// Config holds the full configuration.
type Config struct {
	// Dictionaries and terms
	DictDir     string              `json:"dictDir" yaml:"dictDir"`         // empty = embedded
	WatchDicts  bool                `json:"watchDicts" yaml:"watchDicts"`   // reload on change while serving
	TermsFile   string              `json:"termsFile" yaml:"termsFile"`     // persisted custom terms
	Terms       map[string][]string `json:"terms" yaml:"terms"`             // seed when TermsFile is absent
	SiteCodes   map[string]string   `json:"siteCodes" yaml:"siteCodes"`     // institution name → site code
	Tagger      string              `json:"tagger" yaml:"tagger"`           // surname | gse
	TaggerDicts []string            `json:"taggerDicts" yaml:"taggerDicts"` // extra gse dictionaries

	// Redaction policy
	Toggles         map[string]bool `json:"toggles" yaml:"toggles"`
	Strategy        string          `json:"strategy" yaml:"strategy"`               // entity | category
	ReplacementMode string          `json:"replacementMode" yaml:"replacementMode"` // tag | mask
	NamePolicy      string          `json:"namePolicy" yaml:"namePolicy"`           // mask | pseudonym
	ShiftDays       int             `json:"shiftDays" yaml:"shiftDays"`
	HashSalt        string          `json:"hashSalt" yaml:"hashSalt"`
	LooseIDs        bool            `json:"looseIds" yaml:"looseIds"`

	// Backends
	Backend           string `json:"backend" yaml:"backend"` // rules | remote
	RemoteURL         string `json:"remoteUrl" yaml:"remoteUrl"`
	RemoteToken       string `json:"remoteToken" yaml:"remoteToken"`
	RemoteTimeoutSecs int    `json:"remoteTimeoutSecs" yaml:"remoteTimeoutSecs"`

	// Consistency cache
	CachePath     string `json:"cachePath" yaml:"cachePath"`         // empty = in memory
	CacheCapacity int    `json:"cacheCapacity" yaml:"cacheCapacity"` // in-memory entries over CachePath; 0 = unbounded

	// Runtime
	LogLevel    string `json:"logLevel" yaml:"logLevel"`
	BindAddress string `json:"bindAddress" yaml:"bindAddress"`
	APIPort     int    `json:"apiPort" yaml:"apiPort"`
	APIToken    string `json:"apiToken" yaml:"apiToken"`
	Workers     int    `json:"workers" yaml:"workers"`
}

// Load returns config with defaults overridden by the config file and env
// vars. path selects the file; empty tries DefaultFiles. An explicit path
// that cannot be read or parsed is an error; a default file is optional.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best-effort: .env is optional

	cfg := defaults()
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	} else {
		for _, p := range DefaultFiles {
			err := loadFile(cfg, p)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				log.Warnf("load", "could not parse %s: %v", p, err)
			}
			break
		}
	}
	loadEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		TermsFile:         "deid-terms.json",
		Tagger:            "surname",
		Strategy:          "entity",
		ReplacementMode:   "tag",
		NamePolicy:        "mask",
		ShiftDays:         -100,
		Backend:           "rules",
		RemoteTimeoutSecs: 10,
		LogLevel:          "info",
		BindAddress:       "127.0.0.1",
		APIPort:           8090,
		Workers:           4,
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	log.Infof("load", "loaded %s", path)
	return nil
}

func loadEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				log.Warnf("env", "%s=%q is not a number", key, v)
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}

	str("DEID_DICT_DIR", &cfg.DictDir)
	flag("DEID_WATCH_DICTS", &cfg.WatchDicts)
	str("DEID_TERMS_FILE", &cfg.TermsFile)
	str("DEID_TAGGER", &cfg.Tagger)
	str("DEID_STRATEGY", &cfg.Strategy)
	str("DEID_REPLACEMENT_MODE", &cfg.ReplacementMode)
	str("DEID_NAME_POLICY", &cfg.NamePolicy)
	num("DEID_SHIFT_DAYS", &cfg.ShiftDays)
	str("DEID_HASH_SALT", &cfg.HashSalt)
	flag("DEID_LOOSE_IDS", &cfg.LooseIDs)
	str("DEID_BACKEND", &cfg.Backend)
	str("DEID_REMOTE_URL", &cfg.RemoteURL)
	str("DEID_REMOTE_TOKEN", &cfg.RemoteToken)
	num("DEID_REMOTE_TIMEOUT_SECS", &cfg.RemoteTimeoutSecs)
	str("DEID_CACHE_PATH", &cfg.CachePath)
	num("DEID_CACHE_CAPACITY", &cfg.CacheCapacity)
	str("DEID_LOG_LEVEL", &cfg.LogLevel)
	str("DEID_BIND_ADDRESS", &cfg.BindAddress)
	num("DEID_API_PORT", &cfg.APIPort)
	str("DEID_API_TOKEN", &cfg.APIToken)
	num("DEID_WORKERS", &cfg.Workers)

	// DEID_DISABLE=date,age turns categories or passes off.
	if v := strings.TrimSpace(os.Getenv("DEID_DISABLE")); v != "" {
		if cfg.Toggles == nil {
			cfg.Toggles = make(map[string]bool)
		}
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.Toggles[k] = false
			}
		}
	}
}

func oneOf(v string, allowed ...string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate reports every invalid field, each wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if !oneOf(c.Strategy, "entity", "category") {
		bad("strategy %q (want entity or category)", c.Strategy)
	}
	if !oneOf(c.ReplacementMode, "", "tag", "mask") {
		bad("replacementMode %q (want tag or mask)", c.ReplacementMode)
	}
	if !oneOf(c.NamePolicy, "", "mask", "pseudonym") {
		bad("namePolicy %q (want mask or pseudonym)", c.NamePolicy)
	}
	if !oneOf(c.Tagger, "", "surname", "gse") {
		bad("tagger %q (want surname or gse)", c.Tagger)
	}
	switch {
	case oneOf(c.Backend, "rules"):
	case oneOf(c.Backend, "remote"):
		if c.RemoteURL == "" {
			bad("backend remote needs remoteUrl")
		}
	default:
		bad("backend %q (want rules or remote)", c.Backend)
	}
	if c.ShiftDays == 0 {
		bad("shiftDays must be non-zero (disable the date category to keep dates)")
	}
	if c.RemoteTimeoutSecs < 0 {
		bad("remoteTimeoutSecs %d is negative", c.RemoteTimeoutSecs)
	}
	if c.CacheCapacity < 0 {
		bad("cacheCapacity %d is negative", c.CacheCapacity)
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		bad("apiPort %d out of range", c.APIPort)
	}
	if c.Workers < 1 {
		bad("workers %d must be at least 1", c.Workers)
	}
	return errors.Join(errs...)
}
