package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Rule folds every rune in From into To. A zero To strips the rune.
type Rule struct {
	From []rune
	To   rune
}

// ArabicRules is the default folding table.
//
// Hamza-carrying letters (أ إ آ ؤ ئ) and the harakat are also handled by
// the NFD + nonspacing-mark removal step; they are listed here so the table
// alone documents the letter unification.
var ArabicRules = []Rule{
	{From: []rune{'أ', 'إ', 'آ', 'ٱ', 'ٲ', 'ٳ'}, To: 'ا'},
	{From: []rune{'ة'}, To: 'ه'},
	{From: []rune{'ى'}, To: 'ي'},
	{From: []rune{'ؤ'}, To: 'و'},
	{From: []rune{'ئ'}, To: 'ي'},
	{From: []rune{'ـ'}}, // tatweel
}

// Normalizer is a pure text transform used on both sides of every match.
type Normalizer struct {
	fold  bool
	table map[rune]rune
}

// NewNormalizer builds a normalizer. With fold disabled only lowercasing and
// trimming apply. Without rules, ArabicRules are used.
func NewNormalizer(fold bool, rules ...Rule) Normalizer {
	if len(rules) == 0 {
		rules = ArabicRules
	}
	table := make(map[rune]rune)
	for _, r := range rules {
		for _, from := range r.From {
			table[from] = r.To
		}
	}
	return Normalizer{fold: fold, table: table}
}

// Normalize lowercases, folds letter variants, strips diacritics and replaces
// every rune that is not a letter, digit or space with a single space.
func (n Normalizer) Normalize(s string) string {
	if s == "" {
		return ""
	}
	if !n.fold {
		return strings.ToLower(strings.TrimSpace(s))
	}

	t := transform.Chain(
		runes.Remove(runes.Predicate(func(r rune) bool {
			to, ok := n.table[r]
			return ok && to == 0
		})),
		runes.Map(func(r rune) rune {
			if to, ok := n.table[r]; ok && to != 0 {
				return to
			}
			return r
		}),
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteByte(' ')
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
