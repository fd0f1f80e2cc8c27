// Package viewmatch selects, for each of a plan's canonical view names,
// the best matching view name actually exposed by an upstream source.
// Matching is deliberately fuzzy: upstream view names are written by
// humans in whatever locale and punctuation they like.
package viewmatch

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const minNeedleLen = 3

var excludedPrefixes = []string{"..admin", "*help", "*aide", "(lookup"}

// patternReducers turns the library of configured fuzzy-match patterns
// (regex-flavored strings meant for a human reading a config file) into
// literal substrings ("needles") usable with plain substring matching.
var (
	alternationRe  = regexp.MustCompile(`\(([^()]+)\)`)
	charClassRe    = regexp.MustCompile(`\[([^\]]+)\]`)
	whitespaceMeta = regexp.MustCompile(`\\b|\\s\*|\\t`)
	quantifierRe   = regexp.MustCompile(`\{[^}]*\}`)
	escapedMetaRe  = regexp.MustCompile(`\\([.^$|?*+()\[\]{}])`)
)

// ReducePattern converts one configured pattern string into a literal
// substring per spec §4.3 step 1: alternations reduce to their first
// alternative, character classes to their first alphabetic (or first)
// character, whitespace metacharacters collapse to a space, escaped
// metacharacters are literalized, and quantifiers are stripped.
func ReducePattern(pattern string) string {
	s := pattern

	s = alternationRe.ReplaceAllStringFunc(s, func(m string) string {
		inner := m[1 : len(m)-1]
		parts := strings.SplitN(inner, "|", 2)
		return parts[0]
	})

	s = charClassRe.ReplaceAllStringFunc(s, func(m string) string {
		inner := m[1 : len(m)-1]
		for _, r := range inner {
			if unicode.IsLetter(r) {
				return string(r)
			}
		}
		if len(inner) > 0 {
			return string(inner[0])
		}
		return ""
	})

	s = whitespaceMeta.ReplaceAllString(s, " ")
	s = escapedMetaRe.ReplaceAllString(s, "$1")
	s = quantifierRe.ReplaceAllString(s, "")

	return strings.TrimSpace(s)
}

// Needles computes the set of literal substrings to search for against a
// canonical view name, per spec §4.3 step 1.
func Needles(canonicalName string, override string, configuredPatterns []string) []string {
	canon := strings.ToLower(strings.TrimSpace(canonicalName))

	if override != "" {
		seen := map[string]bool{}
		var out []string
		for _, form := range []string{strings.ToLower(override), normalize(override)} {
			form = strings.TrimSpace(form)
			if form != "" && !seen[form] {
				seen[form] = true
				out = append(out, form)
			}
		}
		if !seen[canon] {
			out = append(out, canon)
		}
		return out
	}

	seen := map[string]bool{canon: true}
	out := []string{canon}
	for _, p := range configuredPatterns {
		needle := strings.ToLower(strings.TrimSpace(ReducePattern(p)))
		if len(needle) < minNeedleLen {
			continue
		}
		if !seen[needle] {
			seen[needle] = true
			out = append(out, needle)
		}
	}
	return out
}

// normalize applies Unicode NFKC normalization and strips punctuation,
// matching the override-pattern handling in spec §4.3 step 1.
func normalize(s string) string {
	n := norm.NFKC.String(s)
	var b strings.Builder
	for _, r := range n {
		if unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(strings.TrimSpace(b.String()))
}

// leaf returns the last path component of a view name, splitting on / or \.
func leaf(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	parts := strings.Split(name, "/")
	return parts[len(parts)-1]
}

// Candidate is one upstream view name under consideration for a canonical
// name.
type Candidate struct {
	Name string
}

// excluded reports whether name's lowercased full form starts with one of
// the fixed exclusion prefixes (spec §4.3 step 4).
func excluded(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range excludedPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func containsAny(haystacks []string, needles []string) bool {
	for _, h := range haystacks {
		for _, n := range needles {
			if n != "" && strings.Contains(h, n) {
				return true
			}
		}
	}
	return false
}

func isEnglishTieBreak(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "english") || strings.Contains(lower, "anglais")
}

// Select picks one upstream view per canonical name. The result map's
// value is "" when no upstream view matched. diagnostics is populated
// only when the plan as a whole matched nothing: up to 20 available view
// names plus a suggested override SQL statement for the first.
func Select(canonicalNames []string, overrides map[string]string, configuredPatterns []string, upstreamViews []string) (selected map[string]string, diagnostics string) {
	selected = make(map[string]string, len(canonicalNames))

	type normed struct {
		raw       string
		fullRaw   string
		leafRaw   string
		fullNorm  string
		leafNorm  string
	}
	views := make([]normed, 0, len(upstreamViews))
	for _, v := range upstreamViews {
		if excluded(v) {
			continue
		}
		views = append(views, normed{
			raw:      v,
			fullRaw:  strings.ToLower(v),
			leafRaw:  strings.ToLower(leaf(v)),
			fullNorm: normalize(v),
			leafNorm: normalize(leaf(v)),
		})
	}

	anyMatch := false
	for _, canon := range canonicalNames {
		needles := Needles(canon, overrides[canon], configuredPatterns)

		var best *normed
		var bestIsEnglish bool
		for i := range views {
			v := &views[i]
			forms := []string{v.fullRaw, v.leafRaw, v.fullNorm, v.leafNorm}
			if !containsAny(forms, needles) {
				continue
			}
			isEnglish := isEnglishTieBreak(v.raw)
			if best == nil || (isEnglish && !bestIsEnglish) {
				best = v
				bestIsEnglish = isEnglish
			}
		}

		if best != nil {
			selected[canon] = best.raw
			anyMatch = true
		} else {
			selected[canon] = ""
		}
	}

	if !anyMatch {
		diagnostics = buildDiagnostics(upstreamViews)
	}
	return selected, diagnostics
}

func buildDiagnostics(upstreamViews []string) string {
	names := append([]string(nil), upstreamViews...)
	sort.Strings(names)
	if len(names) > 20 {
		names = names[:20]
	}
	var b strings.Builder
	b.WriteString("no canonical view matched any upstream view; available views:\n")
	for _, n := range names {
		b.WriteString("  - " + n + "\n")
	}
	if len(names) > 0 {
		b.WriteString(fmt.Sprintf(
			"suggested override: UPDATE plan_views SET regex_override = %q WHERE canonical_name = <canonical>;\n",
			names[0],
		))
	}
	return b.String()
}
