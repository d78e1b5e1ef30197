// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMetricsRegistersAll(t *testing.T) {
	m := NewMetrics()

	m.RecordsIngested.Inc()
	m.ParseErrors.WithLabelValues("short_header").Inc()
	m.AdapterOutcomes.WithLabelValues("sim", "OK").Add(2)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) < 3 {
		t.Fatalf("Expected at least 3 metric families, got %d", len(families))
	}
}

func TestHandlerServesExposition(t *testing.T) {
	m := NewMetrics()
	m.WindowsEvicted.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "netsentry_windows_evicted_total 1") {
		t.Errorf("Exposition missing counter, body:\n%s", rec.Body.String())
	}
}
