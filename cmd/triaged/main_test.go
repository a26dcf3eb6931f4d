package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firemate/triage/internal/incident"
	"github.com/firemate/triage/internal/metrics"
)

func TestOpsRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveError("lookup")
	h := opsRouter(reg, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "triaged", body["service"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `triage_analysis_errors_total{stage="lookup"} 1`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPercentiles(t *testing.T) {
	d := []time.Duration{4 * time.Millisecond, time.Millisecond, 3 * time.Millisecond, 2 * time.Millisecond}
	assert.InDelta(t, 2.5, avgMillis(d), 1e-9)
	assert.InDelta(t, 3.0, percentileMillis(d, 0.5), 1e-9)
	assert.InDelta(t, 4.0, percentileMillis(d, 0.95), 1e-9)
	assert.Equal(t, 0.0, percentileMillis(nil, 0.5))
}

func TestReadMedia(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.M4A")
	require.NoError(t, os.WriteFile(path, []byte("aac"), 0o600))
	m, err := readMedia(path, incident.MediaAudio)
	require.NoError(t, err)
	assert.Equal(t, "m4a", m.Format)
	assert.Equal(t, incident.MediaAudio, m.Kind)
	assert.Equal(t, []byte("aac"), m.Data)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600))

	v := viper.New()
	v.Set("config", path)
	v.Set("log_format", "json")
	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	v.Set("log_format", "xml")
	_, err = loadConfig(v)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "logging.format"))
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "analyze", "score", "enqueue", "bench"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
