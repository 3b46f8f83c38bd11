package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeOrigin(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard https", "https://www.Reddit.com/svc/shreddit/search/", "www.reddit.com"},
		{"oauth host", "https://oauth.reddit.com/api/info?id=t3_x", "oauth.reddit.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeOrigin(tc.input); got != tc.expected {
				t.Errorf("SanitizeOrigin(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveHelpersInitLazily(t *testing.T) {
	ObserveTokenRefresh("refreshed")
	ObserveTokenRefresh("refreshed")
	if val := testutil.ToFloat64(tokenRefreshTotal.WithLabelValues("refreshed")); val != 2 {
		t.Errorf("Expected tokenRefreshTotal to be 2, got %f", val)
	}

	ObserveJob("enrichment", "succeeded", 10*time.Millisecond)
	if val := testutil.ToFloat64(jobsTotal.WithLabelValues("enrichment", "succeeded")); val != 1 {
		t.Errorf("Expected jobsTotal to be 1, got %f", val)
	}

	ObserveCandidates("primary", 0)
	ObserveCandidates("primary", 3)
	if val := testutil.ToFloat64(candidatesTotal.WithLabelValues("primary")); val != 3 {
		t.Errorf("Expected candidatesTotal to be 3, got %f", val)
	}

	IncActiveWorkers("search")
	IncActiveWorkers("search")
	DecActiveWorkers("search")
	if val := testutil.ToFloat64(activeWorkers.WithLabelValues("search")); val != 1 {
		t.Errorf("Expected activeWorkers to be 1, got %f", val)
	}
}

// Fuzz test for SanitizeOrigin.
func FuzzSanitizeOrigin(f *testing.F) {
	testcases := []string{"http://example.com", "https://reddit.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeOrigin(orig) == "" {
			t.Errorf("SanitizeOrigin(%q) returned an empty string", orig)
		}
	})
}
