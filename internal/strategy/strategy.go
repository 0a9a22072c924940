// Package strategy maps upstream failure status codes to configured responses.
package strategy

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"edgecompose/internal/config"
	"edgecompose/internal/vars"
)

// Strategy names accepted in [status_handlers].
const (
	Redirect = "redirect"
	Inline   = "inline"
	Page     = "page"
)

// Action is a terminal response that replaces the whole page. It is returned
// as an error so that composition stops at the first one.
type Action struct {
	Status int
	Header http.Header
	Body   []byte
}

func (a *Action) Error() string {
	return fmt.Sprintf("terminal response %d", a.Status)
}

// Outcome is what a handler decided. Exactly one of Content or Terminal is meaningful.
type Outcome struct {
	Content  []byte
	Terminal *Action
}

// Handler resolves one failure. v already carries error:status and error:url.
type Handler interface {
	Handle(v *vars.Variables, status int) Outcome
}

type factory func(cfg config.StatusHandlerConfig) (Handler, error)

var factories = map[string]factory{
	Redirect: newRedirect,
	Inline:   newInline,
	Page:     newPage,
}

// Registry holds one handler per configured status code.
type Registry struct {
	handlers map[int]Handler
}

// New builds a Registry from the [status_handlers] table.
func New(cfgs map[string]config.StatusHandlerConfig) (*Registry, error) {
	r := &Registry{handlers: make(map[int]Handler, len(cfgs))}

	codes := make([]string, 0, len(cfgs))
	for code := range cfgs {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		cfg := cfgs[code]
		status, err := strconv.Atoi(code)
		if err != nil {
			return nil, fmt.Errorf("strategy: status %q: %w", code, err)
		}
		f, ok := factories[strings.ToLower(cfg.Strategy)]
		if !ok {
			return nil, fmt.Errorf("strategy: status %d: unknown strategy %q", status, cfg.Strategy)
		}
		h, err := f(cfg)
		if err != nil {
			return nil, fmt.Errorf("strategy: status %d: %w", status, err)
		}
		r.handlers[status] = h
	}
	return r, nil
}

// Resolve runs the handler registered for status. ok is false when none is.
func (r *Registry) Resolve(v *vars.Variables, status int, failedURL string) (Outcome, bool) {
	if r == nil {
		return Outcome{}, false
	}
	h, ok := r.handlers[status]
	if !ok {
		return Outcome{}, false
	}
	v, _ = v.With("error:status", strconv.Itoa(status))
	v, _ = v.With("error:url", failedURL)
	return h.Handle(v, status), true
}

type redirect struct {
	status   int
	location string
}

func newRedirect(cfg config.StatusHandlerConfig) (Handler, error) {
	if cfg.Location == "" {
		return nil, fmt.Errorf("redirect needs a location")
	}
	status := cfg.Status
	if status == 0 {
		status = http.StatusFound
	}
	if status < 300 || status > 399 {
		return nil, fmt.Errorf("redirect status must be 3xx; got %d", status)
	}
	return &redirect{status: status, location: cfg.Location}, nil
}

func (h *redirect) Handle(v *vars.Variables, _ int) Outcome {
	return Outcome{Terminal: &Action{
		Status: h.status,
		Header: http.Header{"Location": {v.Render(h.location)}},
	}}
}

type inline struct {
	content string
}

func newInline(cfg config.StatusHandlerConfig) (Handler, error) {
	return &inline{content: cfg.Content}, nil
}

func (h *inline) Handle(v *vars.Variables, _ int) Outcome {
	return Outcome{Content: []byte(v.Render(h.content))}
}

// page answers the whole request with a rendered body. A zero status keeps
// the upstream one.
type page struct {
	status  int
	content string
}

func newPage(cfg config.StatusHandlerConfig) (Handler, error) {
	return &page{status: cfg.Status, content: cfg.Content}, nil
}

func (h *page) Handle(v *vars.Variables, status int) Outcome {
	if h.status != 0 {
		status = h.status
	}
	return Outcome{Terminal: &Action{
		Status: status,
		Header: http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:   []byte(v.Render(h.content)),
	}}
}
