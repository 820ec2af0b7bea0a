package match

import (
	"strings"

	"github.com/elliotchance/pie/v2"
)

// Client is one roster entry. Name is the matching key; Emoji overrides the
// default reaction when set.
type Client struct {
	Name  string `json:"name"`
	Emoji string `json:"emoji,omitempty"`
}

// Result describes a successful match.
type Result struct {
	Client Client
	Index  int
	Score  float64
}

// Reaction returns the client's override symbol or def.
func (r Result) Reaction(def string) string {
	if s := strings.TrimSpace(r.Client.Emoji); s != "" {
		return s
	}
	return def
}

// Coverage scores a normalized client name against normalized text: the
// fraction of name tokens that occur as substrings of the text. A full
// substring hit scores 1.
func Coverage(name, text string) float64 {
	if name == "" || text == "" {
		return 0
	}
	if strings.Contains(text, name) {
		return 1
	}
	tokens := strings.Fields(name)
	if len(tokens) == 0 {
		return 0
	}
	hits := pie.Filter(tokens, func(tok string) bool { return strings.Contains(text, tok) })
	return float64(len(hits)) / float64(len(tokens))
}

// Matcher scores message text against a roster.
type Matcher struct {
	norm Normalizer
}

func NewMatcher(n Normalizer) Matcher { return Matcher{norm: n} }

func (m Matcher) Normalizer() Normalizer { return m.norm }

// Match returns the first client, in roster order, whose coverage reaches
// threshold. A zero score never matches, whatever the threshold.
func (m Matcher) Match(roster []Client, text string, threshold float64) (Result, bool) {
	return m.MatchNormalized(roster, m.norm.Normalize(text), threshold)
}

// MatchNormalized is Match for text that already went through the same
// Normalizer.
func (m Matcher) MatchNormalized(roster []Client, text string, threshold float64) (Result, bool) {
	if text == "" {
		return Result{}, false
	}
	for i, c := range roster {
		score := Coverage(m.norm.Normalize(c.Name), text)
		if score > 0 && score >= threshold {
			return Result{Client: c, Index: i, Score: score}, true
		}
	}
	return Result{}, false
}

// CleanRoster drops entries whose name is empty after normalization.
func CleanRoster(n Normalizer, roster []Client) []Client {
	return pie.Filter(roster, func(c Client) bool { return n.Normalize(c.Name) != "" })
}
