// Package compose streams an HTML page while resolving fragment directives.
//
// A single pass tokenizes the page. Markup without directives is forwarded as
// is; every directive dispatches a fetch and reserves its place in the output.
// One writer goroutine drains the output in document order, waiting on each
// reserved place until its fetch resolves, so later fragments never overtake
// earlier ones.
package compose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"edgecompose/internal/config"
	"edgecompose/internal/fetch"
	"edgecompose/internal/metrics"
	"edgecompose/internal/model"
	"edgecompose/internal/strategy"
	"edgecompose/internal/vars"
)

// ErrPageNotFound aborts a page whose fragment returned 404.
var ErrPageNotFound = errors.New("fragment not found")

// maxLayoutDepth bounds layouts nested inside layouts.
const maxLayoutDepth = 3

// Fetcher resolves one fragment. *fetch.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, opts fetch.Options) (*fetch.Result, error)
}

// Composer holds the page independent composition settings.
type Composer struct {
	fetcher    Fetcher
	strategies *strategy.Registry
	rules      []rule

	defaultTTL      time.Duration
	defaultTimeout  time.Duration
	maxConcurrency  int
	variableHeaders []string

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Composer from the [fragments] and [[rules]] configuration.
// m may be nil.
func New(f Fetcher, s *strategy.Registry, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Composer, error) {
	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}

	headers := make([]string, 0, len(cfg.Fragments.VariableHeaders))
	for _, h := range cfg.Fragments.VariableHeaders {
		headers = append(headers, strings.ToLower(h))
	}

	limit := cfg.Fragments.MaxConcurrency
	if limit <= 0 {
		limit = 16
	}

	return &Composer{
		fetcher:         f,
		strategies:      s,
		rules:           rules,
		defaultTTL:      model.ParseDuration(cfg.Fragments.DefaultTTL, time.Minute),
		defaultTimeout:  model.ParseDuration(cfg.Fragments.DefaultTimeout, time.Second),
		maxConcurrency:  limit,
		variableHeaders: headers,
		logger:          logger.With("component", "composer"),
		metrics:         m,
	}, nil
}

// Request carries the per-page inputs.
type Request struct {
	Vars *vars.Variables
	// Header is forwarded on every fragment request.
	Header http.Header
	// Quiet substitutes stale or empty content for failed fragments.
	Quiet bool
	// ReplaceOuter makes outer replacement the default for directives.
	ReplaceOuter bool
}

// Summary describes a finished composition.
type Summary struct {
	Fragments int
	Errors    int
	// NoStore is set when any fragment forbade caching.
	NoStore bool
}

// page is the state shared by every pass over one page, layouts included.
type page struct {
	req       Request
	vars      atomic.Pointer[vars.Variables]
	noStore   atomic.Bool
	fragments atomic.Int32
	errors    atomic.Int32
}

// Compose reads the page from src and writes the composed page to dst.
// A terminal outcome is returned as an error: ErrPageNotFound or a
// *strategy.Action. Output written before a terminal error must be discarded.
//
// dst is flushed after every fragment when it implements Flush. Whether that
// reaches a client depends on the caller: PageService spools into a buffer so
// a terminal outcome can still change the status line, which means pages are
// not streamed end to end.
func (c *Composer) Compose(ctx context.Context, src io.Reader, dst io.Writer, req Request) (Summary, error) {
	p := &page{req: req}
	p.vars.Store(req.Vars)

	err := c.pass(ctx, p, src, dst, 0)
	return Summary{
		Fragments: int(p.fragments.Load()),
		Errors:    int(p.errors.Load()),
		NoStore:   p.noStore.Load(),
	}, err
}

// piece is one unit of output: static bytes, or a slot filled by a fetch.
type piece struct {
	static []byte
	slot   *slot
}

type slot struct {
	done    chan struct{}
	content []byte
}

type flusher interface{ Flush() }

func (c *Composer) pass(ctx context.Context, p *page, src io.Reader, dst io.Writer, depth int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)

	pieces := make(chan piece, 64)
	written := make(chan error, 1)
	go func() { written <- drain(pieces, dst) }()

	s := &scanner{c: c, p: p, g: g, ctx: gctx, z: html.NewTokenizer(src), out: pieces, depth: depth}
	scanErr := s.run()
	close(pieces)

	writeErr := <-written
	if err := g.Wait(); err != nil {
		return err
	}
	if scanErr != nil {
		return fmt.Errorf("compose: scan: %w", scanErr)
	}
	if writeErr != nil {
		return fmt.Errorf("compose: write: %w", writeErr)
	}
	return nil
}

// drain writes pieces in order. After a write error it keeps consuming so the
// scanner never blocks.
func drain(pieces <-chan piece, w io.Writer) error {
	f, _ := w.(flusher)
	var werr error
	for pc := range pieces {
		b := pc.static
		if pc.slot != nil {
			<-pc.slot.done
			b = pc.slot.content
		}
		if werr != nil || len(b) == 0 {
			continue
		}
		if _, err := w.Write(b); err != nil {
			werr = err
			continue
		}
		if pc.slot != nil && f != nil {
			f.Flush()
		}
	}
	return werr
}

type scanner struct {
	c     *Composer
	p     *page
	g     *errgroup.Group
	ctx   context.Context
	z     *html.Tokenizer
	out   chan<- piece
	depth int
}

func (s *scanner) run() error {
	for {
		if s.ctx.Err() != nil {
			return nil
		}
		tt := s.z.Next()
		if tt == html.ErrorToken {
			if err := s.z.Err(); !errors.Is(err, io.EOF) {
				return err
			}
			return nil
		}
		raw := append([]byte(nil), s.z.Raw()...)

		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			s.emit(raw)
			continue
		}

		tok := s.z.Token()
		d, ok := s.c.directiveFor(tok, s.p.req.ReplaceOuter)
		if !ok {
			s.emit(raw)
			continue
		}
		leaf := tt == html.SelfClosingTagToken || voidElements[tok.Data]

		switch {
		case d.remove:
			if !leaf {
				s.skip(tok.Data, false)
			}

		case d.layout:
			var inner []byte
			if !leaf {
				_, inner = s.skip(tok.Data, true)
			}
			s.reserve(func(ctx context.Context) ([]byte, error) {
				return s.c.resolveLayout(ctx, s.p, d, inner, s.depth)
			})

		case d.outer || leaf:
			s.dispatch(d)
			if !leaf {
				s.skip(tok.Data, false)
			}

		default:
			s.emit(raw)
			s.dispatch(d)
			end, _ := s.skip(tok.Data, false)
			s.emit(end)
		}
	}
}

func (s *scanner) emit(b []byte) {
	if len(b) > 0 {
		s.out <- piece{static: b}
	}
}

func (s *scanner) dispatch(d directive) {
	s.reserve(func(ctx context.Context) ([]byte, error) {
		return s.c.resolve(ctx, s.p, d)
	})
}

// reserve runs fn on the errgroup and places its result at the current
// output position. Only terminal outcomes are returned as errors.
func (s *scanner) reserve(fn func(context.Context) ([]byte, error)) {
	sl := &slot{done: make(chan struct{})}
	s.out <- piece{slot: sl}
	s.p.fragments.Add(1)
	s.g.Go(func() error {
		defer close(sl.done)
		content, err := fn(s.ctx)
		sl.content = content
		return err
	})
}

// skip consumes tokens up to the end tag closing an element named tag, which
// has just been opened. It returns that end tag's raw bytes and, when collect
// is set, the raw markup in between.
func (s *scanner) skip(tag string, collect bool) (end, inner []byte) {
	depth := 0
	for {
		tt := s.z.Next()
		if tt == html.ErrorToken {
			return nil, inner
		}
		raw := s.z.Raw()
		switch tt {
		case html.StartTagToken:
			if name, _ := s.z.TagName(); string(name) == tag {
				depth++
			}
		case html.EndTagToken:
			if name, _ := s.z.TagName(); string(name) == tag {
				if depth == 0 {
					return append([]byte(nil), raw...), inner
				}
				depth--
			}
		}
		if collect {
			inner = append(inner, raw...)
		}
	}
}
