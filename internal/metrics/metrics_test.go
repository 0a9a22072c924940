package metrics

import (
	"strings"
	"testing"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	m.CacheOperations.WithLabelValues("memory", "hit").Inc()
	m.FragmentErrors.WithLabelValues("header", "inline").Inc()

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{
		"edgecompose_cache_operations_total": false,
		"edgecompose_fragment_errors_total":  false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s in gathered metrics", name)
		}
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"HEAD", "HEAD"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got := NormalizeMethod(tt.method)
			if got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/healthz", "/healthz"},
		{"/compose/status", "/compose/status"},
		{"/metrics", "/metrics"},
		{"/", "page"},
		{"/story/123", "page"},
		{"/healthzz", "page"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestNormalizeStatsKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "none"},
		{"header", "header"},
		{"page.footer-v2", "page.footer-v2"},
		{"has space", "other"},
		{"<script>", "other"},
		{strings.Repeat("a", 65), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := NormalizeStatsKey(tt.key); got != tt.want {
				t.Errorf("NormalizeStatsKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}
