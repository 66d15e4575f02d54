package wsde

import (
	"cmp"
	"log/slog"
	"slices"
	"time"
)

// Config bounds voting.
type Config struct {
	// Threshold is the share a side must strictly exceed for consensus.
	Threshold    float64
	VoteWindow   time.Duration
	PhaseTimeout time.Duration
}

// DefaultConfig matches the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:    0.5,
		VoteWindow:   5 * time.Second,
		PhaseTimeout: 30 * time.Second,
	}
}

// window is the vote collection bound: the smaller of the two configured limits.
func (c Config) window() time.Duration {
	switch {
	case c.VoteWindow <= 0:
		return c.PhaseTimeout
	case c.PhaseTimeout <= 0:
		return c.VoteWindow
	}
	return min(c.VoteWindow, c.PhaseTimeout)
}

// Engine creates per-cycle sessions.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// NewSession starts the team state for one cycle. Agents are ordered by id.
func (e *Engine) NewSession(cycleID string, agents []Agent) *Session {
	sorted := slices.Clone(agents)
	slices.SortFunc(sorted, func(a, b Agent) int {
		return cmp.Compare(a.Profile().ID, b.Profile().ID)
	})
	return &Session{
		engine:  e,
		cycleID: cycleID,
		agents:  sorted,
		roles:   make(map[string]Role, len(sorted)),
		reviews: make(map[string][]float64),
		logger:  e.logger.With("cycle", cycleID),
	}
}
