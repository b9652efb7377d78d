package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Toronto.ca/bylaws", "toronto.ca"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveFetchCountsBySite(t *testing.T) {
	ObserveFetch("https://metrics-fetch.test/a", "ok", 20*time.Millisecond, 512)
	ObserveFetch("https://metrics-fetch.test/b", "ok", 30*time.Millisecond, 0)

	if val := testutil.ToFloat64(fetchAttemptsTotal.WithLabelValues("metrics-fetch.test", "ok")); val != 2 {
		t.Errorf("expected 2 attempts, got %f", val)
	}
	if val := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("metrics-fetch.test")); val != 512 {
		t.Errorf("expected 512 bytes, got %f", val)
	}
}

func TestObserveGuardAndRetry(t *testing.T) {
	before := testutil.ToFloat64(guardTripsTotal.WithLabelValues("size"))
	ObserveGuardTrip("size")
	if val := testutil.ToFloat64(guardTripsTotal.WithLabelValues("size")); val != before+1 {
		t.Errorf("expected size guard trips to grow by 1, got %f -> %f", before, val)
	}

	ObserveRetry("https://metrics-retry.test/x")
	if val := testutil.ToFloat64(fetchRetriesTotal.WithLabelValues("metrics-retry.test")); val != 1 {
		t.Errorf("expected 1 retry, got %f", val)
	}
}

func TestActiveWorkersGauge(t *testing.T) {
	Init()
	start := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if val := testutil.ToFloat64(activeWorkers); val != start+1 {
		t.Errorf("expected gauge %f, got %f", start+1, val)
	}
	DecActiveWorkers()
}

func TestObserveAction(t *testing.T) {
	ObserveAction("metrics_test_action", true)
	ObserveAction("metrics_test_action", false)
	ObserveAction("metrics_test_action", true)
	if val := testutil.ToFloat64(actionsTotal.WithLabelValues("metrics_test_action", "true")); val != 2 {
		t.Errorf("expected 2 successful actions, got %f", val)
	}
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
