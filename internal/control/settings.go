package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/elliotchance/pie/v2"
)

var (
	// ErrInvalidSettings wraps every rejected start request.
	ErrInvalidSettings = errors.New("invalid settings")
	ErrStartAtRequired = fmt.Errorf("%w: archive start time is required when backfill is enabled", ErrInvalidSettings)
)

type Mode string

const (
	ModeReact Mode = "react"
	ModeReply Mode = "reply"
)

const (
	DefaultEmoji        = "✅"
	DefaultRateLimit    = 20
	DefaultCooldown     = 3 * time.Second
	DefaultArchiveLimit = 200
	MinArchiveLimit     = 10
)

// EmptySelection decides what an empty conversation selection means.
type EmptySelection string

const (
	EmptySelectionNone EmptySelection = "none"
	EmptySelectionAll  EmptySelection = "all"
)

type Archive struct {
	Enabled bool       `json:"enabled"`
	StartAt *time.Time `json:"startAt"`
	Limit   int        `json:"limit"`
}

// Settings is the active pipeline configuration. It is replaced as a whole on
// every start.
type Settings struct {
	Mode            Mode          `json:"mode"`
	Emoji           string        `json:"emoji"`
	ReplyText       string        `json:"replyText,omitempty"`
	Threshold       float64       `json:"threshold"`
	Cooldown        time.Duration `json:"-"`
	RateLimit       int           `json:"rateLimit"`
	RequiredTerms   []string      `json:"requiredTerms"`
	ExcludedTerms   []string      `json:"excludedTerms"`
	NormalizeArabic bool          `json:"normalizeArabic"`
	EnableOCR       bool          `json:"enableOCR"`
	DryRun          bool          `json:"dryRun"`
	Archive         Archive       `json:"archive"`
}

// DefaultSettings mirrors the bot's historical defaults.
func DefaultSettings() Settings {
	return Settings{
		Mode:            ModeReact,
		Emoji:           DefaultEmoji,
		Threshold:       1,
		Cooldown:        DefaultCooldown,
		RateLimit:       DefaultRateLimit,
		NormalizeArabic: true,
		Archive:         Archive{Limit: DefaultArchiveLimit},
	}
}

// MarshalJSON reports the cooldown in seconds, the unit the API accepts.
func (s Settings) MarshalJSON() ([]byte, error) {
	type plain Settings
	return json.Marshal(struct {
		plain
		Cooldown float64 `json:"cooldown"`
	}{plain: plain(s), Cooldown: s.Cooldown.Seconds()})
}

func (s *Settings) UnmarshalJSON(b []byte) error {
	type plain Settings
	aux := struct {
		*plain
		Cooldown float64 `json:"cooldown"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	s.Cooldown = secondsToDuration(aux.Cooldown)
	return nil
}

// maxCooldownSeconds is the largest cooldown a time.Duration can hold.
const maxCooldownSeconds = float64(math.MaxInt64 / int64(time.Second))

// secondsToDuration converts without overflow; negatives and NaN become 0.
func secondsToDuration(sec float64) time.Duration {
	if math.IsNaN(sec) || sec <= 0 {
		return 0
	}
	if sec >= maxCooldownSeconds {
		return time.Duration(maxCooldownSeconds) * time.Second
	}
	return time.Duration(sec * float64(time.Second))
}

func (s Settings) clone() Settings {
	s.RequiredTerms = append([]string(nil), s.RequiredTerms...)
	s.ExcludedTerms = append([]string(nil), s.ExcludedTerms...)
	if s.Archive.StartAt != nil {
		t := *s.Archive.StartAt
		s.Archive.StartAt = &t
	}
	return s
}

// Timestamp accepts RFC 3339 strings, plain dates, or unix time in seconds
// or milliseconds.
type Timestamp struct{ time.Time }

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	n, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	t.Time = fromUnix(n)
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339))
}

// ParseTimestamp parses the string forms Timestamp accepts.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return fromUnix(n), nil
	}
	return time.Time{}, fmt.Errorf("timestamp: unrecognized format %q", s)
}

func fromUnix(n float64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(int64(n))
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9))
}

type ArchivePatch struct {
	Enabled *bool      `json:"enabled"`
	StartAt *Timestamp `json:"startAt"`
	Limit   *int       `json:"limit"`
}

// SettingsPatch is the settings object of a start request. Nil fields keep
// the current value. HistoryOnStart, ArchiveStart and HistoryLimit are the
// flat spellings of the archive block.
type SettingsPatch struct {
	Mode            *string       `json:"mode"`
	Emoji           *string       `json:"emoji"`
	ReplyText       *string       `json:"replyText"`
	Threshold       *float64      `json:"threshold"`
	Cooldown        *float64      `json:"cooldown"`
	RateLimit       *int          `json:"rateLimit"`
	RequiredTerms   []string      `json:"requiredTerms"`
	ExcludedTerms   []string      `json:"excludedTerms"`
	NormalizeArabic *bool         `json:"normalizeArabic"`
	EnableOCR       *bool         `json:"enableOCR"`
	DryRun          *bool         `json:"dryRun"`
	Archive         *ArchivePatch `json:"archive"`
	HistoryOnStart  *bool         `json:"historyOnStart"`
	ArchiveStart    *Timestamp    `json:"archiveStart"`
	HistoryLimit    *int          `json:"historyLimit"`
}

// NormalizeThreshold maps a 0-100 percentage onto 0-1 and clamps the result.
func NormalizeThreshold(v float64) float64 {
	if math.IsNaN(v) {
		return 1
	}
	if v > 1 {
		v /= 100
	}
	return math.Min(1, math.Max(0, v))
}

// ClampArchiveLimit applies the default and the floor to a per-conversation cap.
func ClampArchiveLimit(n int) int {
	if n <= 0 {
		return DefaultArchiveLimit
	}
	return max(MinArchiveLimit, n)
}

// Merge applies p over base and validates the result.
//
// Archive.Enabled is never inherited from base: backfill on start runs only for
// the request that asks for it. StartAt and Limit carry over as defaults.
func Merge(base Settings, p SettingsPatch) (Settings, error) {
	s := base.clone()
	s.Archive.Enabled = false

	if p.Mode != nil {
		switch m := Mode(strings.ToLower(strings.TrimSpace(*p.Mode))); m {
		case ModeReact, ModeReply:
			s.Mode = m
		case "":
		default:
			return base, fmt.Errorf("%w: unknown mode %q", ErrInvalidSettings, *p.Mode)
		}
	}
	if p.Emoji != nil {
		s.Emoji = strings.TrimSpace(*p.Emoji)
	}
	if s.Emoji == "" {
		s.Emoji = DefaultEmoji
	}
	if p.ReplyText != nil {
		s.ReplyText = strings.TrimSpace(*p.ReplyText)
	}
	if p.Threshold != nil {
		s.Threshold = *p.Threshold
	}
	s.Threshold = NormalizeThreshold(s.Threshold)
	if p.Cooldown != nil {
		s.Cooldown = secondsToDuration(*p.Cooldown)
	}
	s.Cooldown = max(0, s.Cooldown)
	if p.RateLimit != nil {
		s.RateLimit = *p.RateLimit
	}
	s.RateLimit = max(1, s.RateLimit)
	if p.RequiredTerms != nil {
		s.RequiredTerms = cleanTerms(p.RequiredTerms)
	}
	if p.ExcludedTerms != nil {
		s.ExcludedTerms = cleanTerms(p.ExcludedTerms)
	}
	if p.NormalizeArabic != nil {
		s.NormalizeArabic = *p.NormalizeArabic
	}
	if p.EnableOCR != nil {
		s.EnableOCR = *p.EnableOCR
	}
	if p.DryRun != nil {
		s.DryRun = *p.DryRun
	}

	if p.HistoryOnStart != nil {
		s.Archive.Enabled = *p.HistoryOnStart
	}
	if p.ArchiveStart != nil && !p.ArchiveStart.IsZero() {
		t := p.ArchiveStart.Time
		s.Archive.StartAt = &t
	}
	if p.HistoryLimit != nil {
		s.Archive.Limit = *p.HistoryLimit
	}
	if a := p.Archive; a != nil {
		if a.Enabled != nil {
			s.Archive.Enabled = *a.Enabled
		}
		if a.StartAt != nil && !a.StartAt.IsZero() {
			t := a.StartAt.Time
			s.Archive.StartAt = &t
		}
		if a.Limit != nil {
			s.Archive.Limit = *a.Limit
		}
	}
	s.Archive.Limit = ClampArchiveLimit(s.Archive.Limit)

	if s.Mode == ModeReply && s.ReplyText == "" {
		return base, fmt.Errorf("%w: reply mode needs replyText", ErrInvalidSettings)
	}
	if s.Archive.Enabled && s.Archive.StartAt == nil {
		return base, ErrStartAtRequired
	}
	return s, nil
}

func cleanTerms(in []string) []string {
	out := pie.Filter(pie.Map(in, strings.TrimSpace), func(s string) bool { return s != "" })
	return pie.Unique(out)
}
