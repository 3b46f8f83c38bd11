package monitor

import (
	"strings"
	"time"
)

// PersonaType is one of the fixed persona archetypes.
type PersonaType string

// Persona archetypes.
const (
	PersonaSmallBusiness    PersonaType = "small_business"
	PersonaMarketing        PersonaType = "marketing"
	PersonaContentCreator   PersonaType = "content_creator"
	PersonaCustomerSupport  PersonaType = "customer_support"
	PersonaMarketResearcher PersonaType = "market_researcher"
	PersonaFreelancer       PersonaType = "freelancer"
	PersonaPRCrisis         PersonaType = "pr_crisis"
)

// PersonaTypes lists every archetype in declaration order.
func PersonaTypes() []PersonaType {
	return []PersonaType{
		PersonaSmallBusiness,
		PersonaMarketing,
		PersonaContentCreator,
		PersonaCustomerSupport,
		PersonaMarketResearcher,
		PersonaFreelancer,
		PersonaPRCrisis,
	}
}

// Valid reports whether p is a known archetype.
func (p PersonaType) Valid() bool {
	for _, known := range PersonaTypes() {
		if p == known {
			return true
		}
	}
	return false
}

// Persona is a reusable tone/context profile injected into analysis prompts.
type Persona struct {
	ID       int64          `json:"id"`
	UserID   int64          `json:"user_id"`
	Name     string         `json:"name"`
	Type     PersonaType    `json:"user_type"`
	Settings map[string]any `json:"settings"`
}

// Credential is one linked external account. Token fields hold ciphertext.
type Credential struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	ExternalID     string    `json:"reddit_id"`
	Username       string    `json:"username"`
	AccessToken    string    `json:"-"`
	RefreshToken   string    `json:"-"`
	ExpiresIn      int       `json:"expires_in"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TokenUpdate carries the rotated token state written after a refresh.
type TokenUpdate struct {
	AccessToken    string
	RefreshToken   string
	ExpiresIn      int
	TokenExpiresAt time.Time
}

// KeywordRule is a user-defined watch rule.
type KeywordRule struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	CredentialID   int64      `json:"reddit_credential_id"`
	PersonaID      int64      `json:"persona_id"`
	Keyword        string     `json:"keyword"`
	Communities    []string   `json:"subreddits"`
	ScanComments   bool       `json:"scan_comments"`
	MatchWholeWord bool       `json:"match_whole_word"`
	CaseSensitive  bool       `json:"case_sensitive"`
	LastCheckedAt  *time.Time `json:"last_checked_at,omitempty"`
}

// TargetCommunities returns the trimmed, non-empty communities of the rule.
// An empty result means a global search.
func (r KeywordRule) TargetCommunities() []string {
	out := make([]string, 0, len(r.Communities))
	for _, c := range r.Communities {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// CandidateItem is an unverified item surfaced by search extraction.
type CandidateItem struct {
	ExternalID   string  `json:"post_id"`
	Title        string  `json:"title"`
	Community    string  `json:"subreddit,omitempty"`
	CommunityID  string  `json:"subreddit_id,omitempty"`
	Permalink    string  `json:"url,omitempty"`
	Author       string  `json:"author,omitempty"`
	Score        int     `json:"score"`
	CommentCount int     `json:"num_comments"`
	CreatedUTC   float64 `json:"created_utc,omitempty"`
}

// Sentiment is the analysed tone of a mention.
type Sentiment string

// Sentiment values accepted from the analysis collaborator.
const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Valid reports whether s is an accepted sentiment.
func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return true
	}
	return false
}

// Intent is the analysed business intent of a mention.
type Intent string

// Intent values accepted from the analysis collaborator.
const (
	IntentLead              Intent = "lead"
	IntentCompetitor        Intent = "competitor"
	IntentBrandMention      Intent = "brand_mention"
	IntentFeedback          Intent = "feedback"
	IntentHiringOpportunity Intent = "hiring_opportunity"
	IntentIrrelevant        Intent = "irrelevant"
)

// Valid reports whether i is an accepted intent.
func (i Intent) Valid() bool {
	switch i {
	case IntentLead, IntentCompetitor, IntentBrandMention, IntentFeedback, IntentHiringOpportunity, IntentIrrelevant:
		return true
	}
	return false
}

// MentionType distinguishes posts from comments.
type MentionType string

// Mention types.
const (
	MentionPost    MentionType = "post"
	MentionComment MentionType = "comment"
)

// Mention is a confirmed, enriched discovery. ExternalID is unique.
type Mention struct {
	ID                  int64          `json:"id"`
	UserID              int64          `json:"user_id"`
	KeywordID           int64          `json:"reddit_keyword_id"`
	ExternalID          string         `json:"reddit_post_id"`
	Keyword             string         `json:"keyword"`
	Community           string         `json:"subreddit"`
	Author              string         `json:"author"`
	Title               string         `json:"title"`
	Content             string         `json:"content"`
	URL                 string         `json:"url"`
	Type                MentionType    `json:"mention_type"`
	Upvotes             int            `json:"upvotes"`
	Downvotes           int            `json:"downvotes"`
	CommentCount        int            `json:"comment_count"`
	Stickied            bool           `json:"is_stickied"`
	Locked              bool           `json:"is_locked"`
	Sentiment           Sentiment      `json:"sentiment"`
	SentimentConfidence float64        `json:"sentiment_confidence"`
	Intent              Intent         `json:"intent"`
	IntentConfidence    float64        `json:"intent_confidence"`
	SuggestedReply      string         `json:"suggested_reply"`
	ItemCreatedAt       time.Time      `json:"reddit_created_at"`
	FoundAt             time.Time      `json:"found_at"`
	Persona             map[string]any `json:"persona,omitempty"`
}

// DispatchLedger records the last fan-out and last successful write per credential.
type DispatchLedger struct {
	UserID        int64      `json:"user_id"`
	CredentialID  int64      `json:"reddit_credential_id"`
	DispatchAt    *time.Time `json:"dispatch_at,omitempty"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
}
