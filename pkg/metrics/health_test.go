package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealthChecker(t *testing.T) {
	t.Helper()
	previous := health
	health = newChecker(ComponentStore, ComponentProjector, ComponentAPI)
	t.Cleanup(func() { health = previous })
}

func TestLiveness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{name: "no components", components: map[string]bool{}, want: "healthy"},
		{name: "all healthy", components: map[string]bool{ComponentStore: true, ComponentAPI: true}, want: "healthy"},
		{name: "one unhealthy", components: map[string]bool{ComponentStore: true, ComponentRuntime: false}, want: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealthChecker(t)
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "containerd socket missing")
			}

			report, ok := health.liveness()
			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, tt.want == "healthy", ok)
			assert.Len(t, report.Components, len(tt.components))
		})
	}
}

func TestLiveness_ComponentMessage(t *testing.T) {
	resetHealthChecker(t)
	SetVersion("0.1.0")

	RegisterComponent(ComponentProjector, false, "reload failed")

	report, _ := health.liveness()
	assert.Equal(t, "unhealthy: reload failed", report.Components[ComponentProjector])
	assert.Equal(t, "0.1.0", report.Version)
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{
			name:       "all critical ready",
			components: map[string]bool{ComponentStore: true, ComponentProjector: true, ComponentAPI: true},
			want:       "ready",
		},
		{
			name:       "missing critical component",
			components: map[string]bool{ComponentStore: true, ComponentAPI: true},
			want:       "not_ready",
		},
		{
			name:       "critical component unhealthy",
			components: map[string]bool{ComponentStore: true, ComponentProjector: false, ComponentAPI: true},
			want:       "not_ready",
		},
		{
			name:       "non-critical component unhealthy",
			components: map[string]bool{ComponentStore: true, ComponentProjector: true, ComponentAPI: true, ComponentRuntime: false},
			want:       "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealthChecker(t)
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "")
			}

			report, ok := health.readiness()
			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, tt.want == "ready", ok)
			if !ok {
				assert.NotEmpty(t, report.Message)
			}
		})
	}
}

func TestSetCriticalComponents(t *testing.T) {
	resetHealthChecker(t)
	SetCriticalComponents(ComponentStore)

	RegisterComponent(ComponentStore, true, "")
	report, ok := health.readiness()
	assert.True(t, ok)
	assert.Equal(t, "ready", report.Status)
}

func TestHandlers(t *testing.T) {
	resetHealthChecker(t)
	RegisterComponent(ComponentStore, true, "")
	RegisterComponent(ComponentAPI, true, "")

	mux := NewServeMux()

	tests := []struct {
		path string
		code int
		want string
	}{
		{path: "/health", code: http.StatusOK, want: "healthy"},
		{path: "/ready", code: http.StatusServiceUnavailable, want: "not_ready"},
		{path: "/live", code: http.StatusOK, want: "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body["status"])
		})
	}
}
