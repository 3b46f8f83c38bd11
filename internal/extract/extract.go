// Package extract parses rendered search-result pages into candidate items.
package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/mention-monitor/internal/metrics"
	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

// Selectors for the telemetry annotations that wrap each search result.
const (
	PrimarySelector  = `search-telemetry-tracker[data-testid="search-sdui-post"]`
	FallbackSelector = `search-telemetry-tracker[data-faceplate-tracking-context*='"type":"post"']`

	trackingAttr = "data-faceplate-tracking-context"
	defaultTitle = "No title"
)

// Extractor turns page markup into candidate items.
type Extractor struct {
	logger *zap.Logger
}

// New constructs an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract returns the post candidates found in body in document order. The
// first occurrence of an external id wins. A parse failure returns an error
// wrapping monitor.ErrExtraction; an unrecognised page yields no candidates.
func (e *Extractor) Extract(body []byte) ([]monitor.CandidateItem, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse search page: %v", monitor.ErrExtraction, err)
	}

	selector := "primary"
	trackers := doc.Find(PrimarySelector)
	if trackers.Length() == 0 {
		selector = "fallback"
		trackers = doc.Find(FallbackSelector)
	}
	if trackers.Length() == 0 {
		e.logger.Debug("no post annotations found")
		return nil, nil
	}

	seen := make(map[string]struct{}, trackers.Length())
	items := make([]monitor.CandidateItem, 0, trackers.Length())
	trackers.Each(func(_ int, s *goquery.Selection) {
		raw, ok := s.Attr(trackingAttr)
		if !ok || raw == "" {
			return
		}
		ctx, ok := decodeContext(raw)
		if !ok {
			e.logger.Debug("skipping undecodable tracking context", zap.Int("bytes", len(raw)))
			return
		}
		if ctx.ActionInfo.Type != "" && ctx.ActionInfo.Type != "post" {
			return
		}
		if ctx.Post == nil || ctx.Subreddit == nil {
			return
		}
		id := ctx.Post.ID
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}

		title := defaultTitle
		if ctx.Post.Title != nil {
			title = *ctx.Post.Title
		}
		items = append(items, monitor.CandidateItem{
			ExternalID:   id,
			Title:        title,
			Community:    ctx.Subreddit.Name,
			CommunityID:  ctx.Subreddit.ID,
			Permalink:    ctx.Post.Permalink,
			Author:       ctx.Post.Author,
			Score:        int(ctx.Post.Score),
			CommentCount: int(ctx.Post.NumComments),
			CreatedUTC:   float64(ctx.Post.CreatedUTC),
		})
	})

	metrics.ObserveCandidates(selector, len(items))
	return items, nil
}

type trackingContext struct {
	ActionInfo struct {
		Type string `json:"type"`
	} `json:"action_info"`
	Post *struct {
		ID          string  `json:"id"`
		Title       *string `json:"title"`
		Permalink   string  `json:"permalink"`
		Author      string  `json:"author"`
		Score       number  `json:"score"`
		NumComments number  `json:"num_comments"`
		CreatedUTC  number  `json:"created_utc"`
	} `json:"post"`
	Subreddit *struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	} `json:"subreddit"`
}

// decodeContext parses the attribute payload, retrying once with HTML
// entities decoded for pages that double-escape it.
func decodeContext(raw string) (trackingContext, bool) {
	var ctx trackingContext
	if err := json.Unmarshal([]byte(raw), &ctx); err == nil {
		return ctx, true
	}
	unescaped := html.UnescapeString(raw)
	if unescaped == raw {
		return ctx, false
	}
	ctx = trackingContext{}
	if err := json.Unmarshal([]byte(unescaped), &ctx); err != nil {
		return ctx, false
	}
	return ctx, true
}

// number accepts JSON numbers, numeric strings and null.
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*n = 0
		return nil //nolint:nilerr // unparseable metadata defaults to zero
	}
	*n = number(f)
	return nil
}
