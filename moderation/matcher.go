// Package moderation compiles the banned-phrase wordlist into a single matcher
// and applies it to relayed text. Compiled matchers are immutable; the Filter
// swaps in a fresh one whenever the wordlist file changes on disk.
package moderation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mode decides what happens to a message that matches the wordlist.
type Mode string

const (
	ModeMask Mode = "mask" // replace each matched span with the filler rune
	ModeDrop Mode = "drop" // discard the whole message
)

// Verdict classifies a moderation decision.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictMask  Verdict = "mask"
	VerdictDrop  Verdict = "drop"
)

// Decision is the outcome of moderating one message. Text carries the rewritten
// message for mask, the original for allow, and is empty for drop.
type Decision struct {
	Verdict Verdict
	Text    string
}

// Matcher is an immutable compiled snapshot of the wordlist. The zero value
// matches nothing and allows everything.
type Matcher struct {
	re      *regexp.Regexp
	phrases int
}

// ParseWordlist extracts phrases from wordlist content: one per line, trimmed;
// blank lines and lines whose first non-space character is '#' are skipped.
func ParseWordlist(content string) []string {
	var phrases []string
	for _, line := range strings.Split(content, "\n") {
		w := strings.TrimSpace(line)
		if w == "" || strings.HasPrefix(w, "#") {
			continue
		}
		phrases = append(phrases, w)
	}
	return phrases
}

// Compile builds a whole-word matcher over literal phrases. Each phrase is
// quoted, so nothing in it acts as a regex metacharacter. Word boundaries are
// checked per match in Apply rather than with \b, which in RE2 only knows
// ASCII word characters and would never bound a Cyrillic or accented phrase.
func Compile(phrases []string, caseSensitive bool) *Matcher {
	parts := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		parts = append(parts, regexp.QuoteMeta(p))
	}
	if len(parts) == 0 {
		return &Matcher{}
	}
	expr := strings.Join(parts, "|")
	if !caseSensitive {
		expr = "(?i)" + expr
	}
	return &Matcher{re: regexp.MustCompile(expr), phrases: len(parts)}
}

// Phrases returns how many phrases the matcher holds.
func (m *Matcher) Phrases() int {
	return m.phrases
}

// Apply computes the moderation decision for text. Masking replaces every
// matched span with the filler repeated to the span's rune count, preserving
// the message's length and shape.
func (m *Matcher) Apply(text string, mode Mode, filler string) Decision {
	if m == nil || m.re == nil {
		return Decision{Verdict: VerdictAllow, Text: text}
	}
	spans := m.wholeWordSpans(text)
	if len(spans) == 0 {
		return Decision{Verdict: VerdictAllow, Text: text}
	}
	if mode == ModeDrop {
		return Decision{Verdict: VerdictDrop}
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, sp := range spans {
		b.WriteString(text[last:sp[0]])
		b.WriteString(strings.Repeat(filler, utf8.RuneCountInString(text[sp[0]:sp[1]])))
		last = sp[1]
	}
	b.WriteString(text[last:])
	return Decision{Verdict: VerdictMask, Text: b.String()}
}

// wholeWordSpans scans text for phrase occurrences that sit on word boundaries.
// A rejected occurrence advances the scan by one rune, so a later overlapping
// occurrence is still found.
func (m *Matcher) wholeWordSpans(text string) [][2]int {
	var spans [][2]int
	idx := 0
	for idx < len(text) {
		loc := m.re.FindStringIndex(text[idx:])
		if loc == nil {
			break
		}
		s, e := idx+loc[0], idx+loc[1]
		if boundedWord(text, s, e) {
			spans = append(spans, [2]int{s, e})
			idx = e
			continue
		}
		_, size := utf8.DecodeRuneInString(text[s:])
		idx = s + size
	}
	return spans
}

// boundedWord reports whether text[s:e] starts and ends on a word boundary,
// with letters, digits, and '_' of any script counting as word runes.
func boundedWord(text string, s, e int) bool {
	first, _ := utf8.DecodeRuneInString(text[s:e])
	last, _ := utf8.DecodeLastRuneInString(text[s:e])
	startOK := isWordRune(first)
	if s > 0 {
		prev, _ := utf8.DecodeLastRuneInString(text[:s])
		startOK = isWordRune(prev) != isWordRune(first)
	}
	endOK := isWordRune(last)
	if e < len(text) {
		next, _ := utf8.DecodeRuneInString(text[e:])
		endOK = isWordRune(next) != isWordRune(last)
	}
	return startOK && endOK
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
