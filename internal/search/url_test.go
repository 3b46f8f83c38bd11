package search

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildURL(t *testing.T) {
	t.Parallel()
	cfg := DefaultURLConfig()

	global, err := BuildURL(cfg, "red widget", "")
	require.NoError(t, err)
	require.Equal(t, "https://www.reddit.com/svc/shreddit/search/?q=red+widget&type=posts&sort=relevance&t=week", global)

	scoped, err := BuildURL(cfg, "widget&co", " gadgets ")
	require.NoError(t, err)
	require.Equal(t, "https://www.reddit.com/svc/shreddit/r/gadgets/search/?q=widget%26co&type=posts&sort=relevance&t=week", scoped)

	cfg.Sort, cfg.TimeFilter, cfg.BaseURL = "new", "day", "http://localhost:9999/"
	local, err := BuildURL(cfg, "w", "")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:9999/svc/shreddit/search/?q=w&type=posts&sort=new&t=day", local)
}

func TestBuildURLRejectsBadInput(t *testing.T) {
	t.Parallel()
	_, err := BuildURL(DefaultURLConfig(), "  ", "")
	require.Error(t, err)

	cfg := DefaultURLConfig()
	cfg.TimeFilter = "decade"
	_, err = BuildURL(cfg, "w", "")
	require.Error(t, err)

	cfg = DefaultURLConfig()
	cfg.Sort = "random"
	_, err = BuildURL(cfg, "w", "")
	require.Error(t, err)
}
