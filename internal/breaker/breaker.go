// Package breaker implements per-upstream circuit breakers over a rolling
// window of time buckets.
//
// A breaker opens when, inside the window, the call volume reaches
// VolumeThreshold and the error percentage reaches ErrorThreshold. An open
// breaker rejects calls until Window has elapsed, then closes again with a
// fresh window. There is no half-open probe.
package breaker

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"sync"
	"time"

	"edgecompose/internal/config"
	"edgecompose/internal/model"
)

// ErrOpen is returned without calling upstream while a breaker is open.
var ErrOpen = errors.New("circuit open")

// State is the state of one breaker.
type State int

const (
	// StateClosed lets calls through and records their outcome.
	StateClosed State = iota
	// StateOpen short-circuits calls.
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Config controls thresholds for state transitions.
type Config struct {
	Window          time.Duration
	Buckets         int
	VolumeThreshold int
	ErrorThreshold  float64 // percentage
	IncludePath     bool
}

// FromConfig converts the file configuration. A nil or disabled section
// yields nil, which makes the registry a pass-through.
func FromConfig(c *config.CircuitBreakerConfig) *Config {
	if !c.IsEnabled() {
		return nil
	}
	threshold := 50.0
	if c.ErrorThreshold != nil {
		threshold = *c.ErrorThreshold
	}
	return &Config{
		Window:          model.ParseDuration(c.Window, 10*time.Second),
		Buckets:         c.Buckets,
		VolumeThreshold: c.VolumeThreshold,
		ErrorThreshold:  threshold,
		IncludePath:     c.IncludePath,
	}
}

// Event describes a state change.
type Event struct {
	Key             string
	From, To        State
	Total, Errors   int
	ErrorPercentage float64
}

// Status is a point-in-time view of one breaker.
type Status struct {
	Key             string  `json:"key"`
	State           string  `json:"state"`
	Total           int     `json:"total"`
	Errors          int     `json:"errors"`
	ErrorPercentage float64 `json:"error_percentage"`
}

type neutralError struct{ err error }

func (e *neutralError) Error() string { return e.err.Error() }
func (e *neutralError) Unwrap() error { return e.err }

// Neutral marks err as an outcome that must not count as a failure, such as
// an upstream 404. Execute returns the unwrapped error.
func Neutral(err error) error {
	if err == nil {
		return nil
	}
	return &neutralError{err: err}
}

// Registry owns one breaker per key for the life of the process.
type Registry struct {
	cfg      *Config
	onChange func(Event)
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry. A nil cfg disables breaking entirely.
// onChange, when non-nil, is called after every state change.
func NewRegistry(cfg *Config, onChange func(Event)) *Registry {
	if cfg != nil {
		c := *cfg
		if c.Buckets <= 0 {
			c.Buckets = 10
		}
		if c.Window <= 0 {
			c.Window = 10 * time.Second
		}
		cfg = &c
	}
	return &Registry{
		cfg:      cfg,
		onChange: onChange,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// Enabled reports whether calls are actually guarded.
func (r *Registry) Enabled() bool { return r.cfg != nil }

// Key derives the breaker key for u: the host, plus the path when configured.
func (r *Registry) Key(u *url.URL) string {
	if r.cfg != nil && r.cfg.IncludePath {
		return u.Host + u.Path
	}
	return u.Host
}

// Execute runs fn under the breaker for u. When the breaker is open fn is not
// called and ErrOpen is returned.
func (r *Registry) Execute(ctx context.Context, u *url.URL, fn func(context.Context) error) error {
	if r.cfg == nil {
		err := fn(ctx)
		var ne *neutralError
		if errors.As(err, &ne) {
			return ne.err
		}
		return err
	}

	b := r.get(r.Key(u))

	ok, ev := b.allow(r.now())
	r.emit(ev)
	if !ok {
		return ErrOpen
	}

	err := fn(ctx)
	failed := err != nil
	var ne *neutralError
	if errors.As(err, &ne) {
		failed = false
		err = ne.err
	}

	r.emit(b.record(r.now(), failed))
	return err
}

// Snapshot returns the status of every breaker created so far, sorted by key.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.Unlock()

	now := r.now()
	out := make([]Status, 0, len(all))
	for _, b := range all {
		out = append(out, b.status(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Registry) get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = newBreaker(key, *r.cfg)
		r.breakers[key] = b
	}
	return b
}

func (r *Registry) emit(ev *Event) {
	if ev != nil && r.onChange != nil {
		r.onChange(*ev)
	}
}
