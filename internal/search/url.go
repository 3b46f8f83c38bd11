package search

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// DefaultBaseURL is the public site that serves the search fragments.
const DefaultBaseURL = "https://www.reddit.com"

// Allowed query options.
var (
	TimeFilters = []string{"hour", "day", "week", "month", "year", "all"}
	Sorts       = []string{"relevance", "hot", "top", "new", "comments"}
)

// URLConfig controls search URL construction.
type URLConfig struct {
	BaseURL    string
	Sort       string
	TimeFilter string
}

// DefaultURLConfig sorts by relevance over the last week.
func DefaultURLConfig() URLConfig {
	return URLConfig{BaseURL: DefaultBaseURL, Sort: "relevance", TimeFilter: "week"}
}

// Validate rejects unknown sort and time options.
func (c URLConfig) Validate() error {
	if !slices.Contains(Sorts, c.Sort) {
		return fmt.Errorf("unsupported sort %q", c.Sort)
	}
	if !slices.Contains(TimeFilters, c.TimeFilter) {
		return fmt.Errorf("unsupported time filter %q", c.TimeFilter)
	}
	return nil
}

// BuildURL returns the search URL for keyword, scoped to community when set.
func BuildURL(cfg URLConfig, keyword, community string) (string, error) {
	if strings.TrimSpace(keyword) == "" {
		return "", fmt.Errorf("search keyword is empty")
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	path := "/svc/shreddit/search/"
	if community = strings.TrimSpace(community); community != "" {
		path = "/svc/shreddit/r/" + url.PathEscape(community) + "/search/"
	}
	query := "q=" + url.QueryEscape(keyword) + "&type=posts&sort=" + cfg.Sort + "&t=" + cfg.TimeFilter
	return base + path + "?" + query, nil
}
