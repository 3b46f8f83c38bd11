// Package lookup fetches the canonical record of an item from the
// authoritative, bearer-authenticated info API.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

// DefaultBaseURL is the OAuth API host.
const DefaultBaseURL = "https://oauth.reddit.com"

const (
	postKind   = "t3"
	postPrefix = postKind + "_"
	maxBody    = 4 << 20
)

// Limiter paces requests per origin.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls the client.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Item is the subset of the canonical post the pipeline uses.
type Item struct {
	ID          string
	Title       string
	Selftext    string
	Author      string
	Community   string
	Permalink   string
	Ups         int
	Downs       int
	NumComments int
	Stickied    bool
	Locked      bool
	CreatedUTC  float64
}

// Client calls the info endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    Limiter
	logger     *zap.Logger
}

// New constructs a Client. A nil limiter disables pacing.
func New(cfg Config, limiter Limiter, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger,
	}
}

// NormalizeID accepts bare ("abc") and prefixed ("t3_abc") forms and returns
// both.
func NormalizeID(id string) (bare, full string) {
	bare = strings.TrimPrefix(strings.TrimSpace(id), postPrefix)
	return bare, postPrefix + bare
}

// Fetch looks up one item. A malformed or mismatched payload returns an error
// wrapping monitor.ErrValidation; network failures, throttling and server
// errors wrap monitor.ErrTransient; rejected credentials wrap monitor.ErrAuth.
func (c *Client) Fetch(ctx context.Context, accessToken, externalID string) (Item, error) {
	bare, full := NormalizeID(externalID)
	if bare == "" {
		return Item{}, fmt.Errorf("%w: empty item id", monitor.ErrValidation)
	}
	endpoint := c.cfg.BaseURL + "/api/info?" + url.Values{"id": {full}}.Encode()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, endpoint); err != nil {
			return Item{}, fmt.Errorf("wait for lookup slot: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Item{}, fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Item{}, fmt.Errorf("%w: lookup %s: %v", monitor.ErrTransient, full, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Item{}, fmt.Errorf("%w: read lookup body: %v", monitor.ErrTransient, err)
	}

	if err := classifyStatus(resp.StatusCode); err != nil {
		c.logger.Error("lookup request failed",
			zap.Int("status", resp.StatusCode),
			zap.String("item_id", full),
			zap.ByteString("body", truncate(body, 512)),
		)
		return Item{}, fmt.Errorf("lookup %s: %w", full, err)
	}

	item, err := decodeListing(body, bare)
	if err != nil {
		c.logger.Warn("invalid lookup response", zap.String("item_id", full), zap.Error(err))
		return Item{}, err
	}
	return item, nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", monitor.ErrAuth, code)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: HTTP %d", monitor.ErrTransient, code)
	default:
		return fmt.Errorf("%w: HTTP %d", monitor.ErrValidation, code)
	}
}

type listing struct {
	Data *struct {
		Children *[]child `json:"children"`
	} `json:"data"`
}

type child struct {
	Kind string    `json:"kind"`
	Data *postData `json:"data"`
}

type postData struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Selftext    string  `json:"selftext"`
	Author      string  `json:"author"`
	Subreddit   string  `json:"subreddit"`
	Permalink   string  `json:"permalink"`
	Ups         float64 `json:"ups"`
	Downs       float64 `json:"downs"`
	NumComments float64 `json:"num_comments"`
	Stickied    bool    `json:"stickied"`
	Locked      bool    `json:"locked"`
	CreatedUTC  float64 `json:"created_utc"`
}

var errNoChildren = errors.New("listing has no children")

func decodeListing(body []byte, bare string) (Item, error) {
	var l listing
	if err := json.Unmarshal(body, &l); err != nil {
		return Item{}, fmt.Errorf("%w: decode listing: %v", monitor.ErrValidation, err)
	}
	if l.Data == nil || l.Data.Children == nil {
		return Item{}, fmt.Errorf("%w: listing missing data.children", monitor.ErrValidation)
	}
	children := *l.Data.Children
	if len(children) == 0 {
		return Item{}, fmt.Errorf("%w: %w", monitor.ErrValidation, errNoChildren)
	}
	first := children[0]
	if first.Kind != postKind {
		return Item{}, fmt.Errorf("%w: first child kind %q", monitor.ErrValidation, first.Kind)
	}
	if first.Data == nil || first.Data.ID != bare {
		return Item{}, fmt.Errorf("%w: returned item does not match %q", monitor.ErrValidation, bare)
	}
	d := first.Data
	return Item{
		ID:          d.ID,
		Title:       d.Title,
		Selftext:    d.Selftext,
		Author:      d.Author,
		Community:   d.Subreddit,
		Permalink:   d.Permalink,
		Ups:         int(d.Ups),
		Downs:       int(d.Downs),
		NumComments: int(d.NumComments),
		Stickied:    d.Stickied,
		Locked:      d.Locked,
		CreatedUTC:  d.CreatedUTC,
	}, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
