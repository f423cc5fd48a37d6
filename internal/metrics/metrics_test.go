package metrics

import (
	"testing"

	"gemini-gateway-go/internal/config"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New(nil)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	// Verify our custom metrics exist by incrementing one and gathering again.
	m.RequestsTotal.WithLabelValues("GET", "200", "relay").Inc()

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "gemini_gateway_http_requests_total" {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected gemini_gateway_http_requests_total in gathered metrics")
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
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

func TestNormalizeRoute(t *testing.T) {
	m := New(&config.Config{Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"}})

	tests := []struct {
		path string
		want string
	}{
		{"/healthz", "/healthz"},
		{"/gateway/status", "/gateway/status"},
		{"/metrics", "/metrics"},
		{"/", "relay"},
		{"/v1/models", "relay"},
		{"/v1beta/models/gemini:streamGenerateContent", "relay"},
		{"/healthzilla", "relay"},
		{"/anything/at/all", "relay"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := m.NormalizeRoute(tt.path)
			if got != tt.want {
				t.Errorf("NormalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestNormalizeRoute_CustomMetricsPath(t *testing.T) {
	m := New(&config.Config{Metrics: config.MetricsConfig{Enabled: true, Path: "/internal/metrics"}})

	if got := m.NormalizeRoute("/internal/metrics"); got != "/internal/metrics" {
		t.Errorf("NormalizeRoute(%q) = %q, want the configured exposition path", "/internal/metrics", got)
	}
	// The default path is not registered under this config, so requests to it
	// fall through to the relay catch-all.
	if got := m.NormalizeRoute("/metrics"); got != "relay" {
		t.Errorf("NormalizeRoute(%q) = %q, want %q", "/metrics", got, "relay")
	}
}

func TestNormalizeRoute_ExpositionDisabled(t *testing.T) {
	m := New(&config.Config{Metrics: config.MetricsConfig{Enabled: false, Path: "/metrics"}})

	if got := m.NormalizeRoute("/metrics"); got != "relay" {
		t.Errorf("NormalizeRoute(%q) = %q, want %q", "/metrics", got, "relay")
	}
	if got := m.NormalizeRoute("/healthz"); got != "/healthz" {
		t.Errorf("NormalizeRoute(%q) = %q, want %q", "/healthz", got, "/healthz")
	}
}
