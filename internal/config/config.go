// Package config loads agentsync configuration.
//
// A user file (.cue or .json) is unified with the embedded CUE schema, which
// supplies defaults and constraints. Environment variables named
// AGENTSYNC_<KEY> override scalar keys after the file is applied, and .env
// files are read through godotenv.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENTSYNC_"

// Backend configures one storage backend.
type Backend struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Path       string `json:"path,omitempty"`
	URL        string `json:"url,omitempty"`
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`
	CacheBytes int64  `json:"cache_bytes,omitempty"`
}

// Config is the validated configuration.
type Config struct {
	MaxRecursionDepth    int       `json:"max_recursion_depth"`
	ConsensusThreshold   float64   `json:"consensus_threshold"`
	PhaseTimeoutMS       int64     `json:"phase_timeout_ms"`
	FlushRetryMax        int       `json:"flush_retry_max"`
	FlushBackoffBaseMS   int64     `json:"flush_backoff_base_ms"`
	FlushBackoffMaxMS    int64     `json:"flush_backoff_max_ms"`
	FlushTimeoutMS       int64     `json:"flush_timeout_ms"`
	FlushIntervalMS      int64     `json:"flush_interval_ms"`
	LockTimeoutMS        int64     `json:"lock_timeout_ms"`
	VoteWindowMS         int64     `json:"vote_window_ms"`
	ComplexityThreshold  float64   `json:"complexity_threshold"`
	UncertaintyThreshold float64   `json:"uncertainty_threshold"`
	ConcurrentChildren   bool      `json:"concurrent_children"`
	WALPath              string    `json:"wal_path,omitempty"`
	Backends             []Backend `json:"backends,omitempty"`
}

func ms(n int64) time.Duration { return time.Duration(n) * time.Millisecond }

func (c Config) PhaseTimeout() time.Duration     { return ms(c.PhaseTimeoutMS) }
func (c Config) FlushBackoffBase() time.Duration { return ms(c.FlushBackoffBaseMS) }
func (c Config) FlushBackoffMax() time.Duration  { return ms(c.FlushBackoffMaxMS) }
func (c Config) FlushTimeout() time.Duration     { return ms(c.FlushTimeoutMS) }
func (c Config) FlushInterval() time.Duration    { return ms(c.FlushIntervalMS) }
func (c Config) LockTimeout() time.Duration      { return ms(c.LockTimeoutMS) }
func (c Config) VoteWindow() time.Duration       { return ms(c.VoteWindowMS) }

// Error is a configuration problem, with the CUE detail when there is one.
type Error struct {
	Source string
	Err    error
}

func (e *Error) Error() string {
	detail := cueerrors.Details(e.Err, nil)
	return fmt.Sprintf("config %s: %s", e.Source, strings.TrimSpace(detail))
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err wraps an *Error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// schema returns the #Config definition in a fresh CUE context.
func schema() (*cue.Context, cue.Value, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return nil, cue.Value{}, err
	}
	return ctx, v.LookupPath(cue.ParsePath("#Config")), nil
}

// Default returns the schema defaults.
func Default() Config {
	cfg, err := Parse(nil, "defaults")
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema is invalid: %v", err))
	}
	return cfg
}

// Load reads a .cue or .json file. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &Error{Source: path, Err: err}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue", ".json":
	default:
		return Config{}, &Error{Source: path, Err: fmt.Errorf("unsupported extension %q", filepath.Ext(path))}
	}
	return Parse(data, path)
}

// Parse unifies src with the schema. JSON is valid CUE, so both parse here.
func Parse(src []byte, source string) (Config, error) {
	ctx, def, err := schema()
	if err != nil {
		return Config{}, &Error{Source: "schema.cue", Err: err}
	}
	v := def
	if len(src) > 0 {
		user := ctx.CompileBytes(src, cue.Filename(source))
		if err := user.Err(); err != nil {
			return Config{}, &Error{Source: source, Err: err}
		}
		v = def.Unify(user)
	}
	return decode(v, source)
}

func decode(v cue.Value, source string) (Config, error) {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, &Error{Source: source, Err: err}
	}
	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return Config{}, &Error{Source: source, Err: err}
	}
	if err := cfg.check(); err != nil {
		return Config{}, &Error{Source: source, Err: err}
	}
	return cfg, nil
}

// check enforces what the schema cannot express.
func (c Config) check() error {
	if c.FlushBackoffBaseMS > c.FlushBackoffMaxMS {
		return fmt.Errorf("flush_backoff_base_ms %d exceeds flush_backoff_max_ms %d", c.FlushBackoffBaseMS, c.FlushBackoffMaxMS)
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
		if b.Kind == "document" && b.URL == "" {
			return fmt.Errorf("document backend %q needs a url", b.Name)
		}
	}
	return nil
}

// Validate re-checks a Config against the schema.
func (c Config) Validate() error {
	_, err := revalidate(c, nil, "config")
	return err
}

// revalidate encodes cfg, applies overrides by key and unifies the result with the schema.
func revalidate(cfg Config, overrides map[string]any, source string) (Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return Config{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Config{}, err
	}
	normalizeNumbers(fields)
	for k, v := range overrides {
		fields[k] = v
	}
	ctx, def, err := schema()
	if err != nil {
		return Config{}, &Error{Source: "schema.cue", Err: err}
	}
	return decode(def.Unify(ctx.Encode(fields)), source)
}

// normalizeNumbers turns json.Number into int64 or float64 so integral
// fields stay integers when re-encoded for CUE.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	}
	return v
}

// LoadEnv reads the given .env files, then applies AGENTSYNC_<KEY>
// overrides for every scalar key of the schema. Missing .env files are an
// error only when named explicitly.
func LoadEnv(cfg Config, envFiles ...string) (Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return Config{}, &Error{Source: strings.Join(envFiles, ","), Err: err}
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, &Error{Source: ".env", Err: err}
		}
	}

	_, def, err := schema()
	if err != nil {
		return Config{}, &Error{Source: "schema.cue", Err: err}
	}
	iter, err := def.Fields(cue.Optional(true))
	if err != nil {
		return Config{}, &Error{Source: "schema.cue", Err: err}
	}
	overrides := make(map[string]any)
	for iter.Next() {
		key := iter.Selector().Unquoted()
		name := EnvPrefix + strings.ToUpper(key)
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		val, err := parseScalar(iter.Value().IncompleteKind(), raw)
		if err != nil {
			return Config{}, &Error{Source: name, Err: err}
		}
		if val != nil {
			overrides[key] = val
		}
	}
	if len(overrides) == 0 {
		return cfg, nil
	}
	return revalidate(cfg, overrides, "environment")
}

// parseScalar converts raw by the schema kind. Non-scalar kinds return nil.
func parseScalar(kind cue.Kind, raw string) (any, error) {
	switch {
	case kind&cue.BoolKind != 0:
		return strconv.ParseBool(raw)
	case kind&cue.IntKind != 0 && kind&cue.FloatKind == 0:
		return strconv.ParseInt(raw, 10, 64)
	case kind&cue.NumberKind != 0:
		return strconv.ParseFloat(raw, 64)
	case kind&cue.StringKind != 0:
		return raw, nil
	}
	return nil, nil
}
