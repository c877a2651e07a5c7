// Package resolver turns semantic goals ("Add to cart") into CSS selectors
// by scoring candidate elements extracted by the driver.
package resolver

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cba-labs/starlight-hub/internal/driver"
)

const (
	// scoreTerminal ends the scan immediately: an exact visible-text match
	// on a primary interactive tag cannot be beaten.
	scoreTerminal = 110
	scoreExact    = 100
	scoreContains = 95
	scoreReverse  = 90
	scoreAllWords = 85
	scorePrimary  = 70

	primaryTagBonus = 10
	minScore        = 50
)

var primaryTags = map[string]bool{"BUTTON": true, "INPUT": true, "A": true, "SELECT": true}

// Match is a scored candidate.
type Match struct {
	Candidate driver.Candidate
	Score     int
	Selector  string
}

// Resolver scores driver-extracted candidates against goals.
type Resolver struct {
	ShadowEnabled  bool
	ShadowMaxDepth int
}

// ResolveGeneral resolves a click/hover/scroll goal against the current page.
// Returns the winning selector, or ok=false on a miss.
func (r *Resolver) ResolveGeneral(ctx context.Context, d driver.Driver, goal string) (string, bool, error) {
	cands, err := d.CollectCandidates(ctx, r.ShadowEnabled, r.ShadowMaxDepth)
	if err != nil {
		return "", false, fmt.Errorf("collect candidates: %w", err)
	}
	m, ok := bestMatch(goal, cands)
	if !ok {
		return "", false, nil
	}
	return m.Selector, true, nil
}

// bestMatch scores all candidates and returns the winner above the floor.
func bestMatch(goal string, cands []driver.Candidate) (Match, bool) {
	ng := Normalize(goal)
	if ng == "" {
		return Match{}, false
	}

	var best Match
	for _, c := range cands {
		s := scoreCandidate(ng, c)
		if s > best.Score {
			best = Match{Candidate: c, Score: s, Selector: SelectorFor(c)}
		}
		if s >= scoreTerminal {
			break
		}
	}
	if best.Score < minScore {
		return Match{}, false
	}
	return best, true
}

// scoreCandidate applies the scoring ladder to every text facet of the
// candidate and keeps the highest rung reached.
func scoreCandidate(normGoal string, c driver.Candidate) int {
	primary := primaryTags[c.Tag]

	if primary && Normalize(c.Text) == normGoal {
		return scoreTerminal
	}

	best := 0
	for _, facet := range textVector(c) {
		if facet == "" {
			continue
		}
		s := scoreText(normGoal, facet)
		if s > best {
			best = s
		}
	}
	if best == 0 {
		return 0
	}
	if primary {
		best += primaryTagBonus
	}
	return best
}

// scoreText runs the ladder for one normalized text facet.
func scoreText(normGoal, facet string) int {
	v := Normalize(facet)
	if v == "" {
		return 0
	}
	if v == normGoal {
		return scoreExact
	}
	if strings.Contains(v, normGoal) {
		return scoreContains
	}
	// Reverse containment only counts for short labels, where the goal is a
	// phrase embedding the label ("the Add button" vs "Add").
	if len(v) >= 3 && len(v) < len(normGoal) && strings.Contains(normGoal, v) {
		return scoreReverse
	}

	goalWords := strings.Fields(normGoal)
	if len(goalWords) == 0 {
		return 0
	}
	matched := 0
	for _, w := range goalWords {
		if strings.Contains(v, w) {
			matched++
		}
	}
	switch {
	case matched == len(goalWords):
		return scoreAllWords
	case matched > 0 && strings.Contains(v, primaryWord(goalWords)):
		return scorePrimary
	case matched > 0:
		return minScore + (30*matched)/len(goalWords)
	}
	return 0
}

// primaryWord picks the longest goal word as its semantic anchor.
func primaryWord(words []string) string {
	best := words[0]
	for _, w := range words[1:] {
		if len(w) > len(best) {
			best = w
		}
	}
	return best
}

// textVector collects every text facet the goal can be matched against.
func textVector(c driver.Candidate) []string {
	facets := []string{c.Text, c.Value}
	for _, key := range []string{"aria-label", "title", "alt", "placeholder", "data-tooltip", "name", "data-testid"} {
		if v := c.Attrs[key]; v != "" {
			facets = append(facets, v)
		}
	}
	facets = append(facets, c.ParentAria, c.ParentTitle, c.SRText, c.SVGTitle)
	for _, cls := range c.Classes {
		if w := ClassWords(cls); w != "" {
			facets = append(facets, w)
		}
	}
	return facets
}

var (
	spaceRe = regexp.MustCompile(`\s+`)
	camelRe = regexp.MustCompile(`([a-z0-9])([A-Z])`)
)

// Normalize lowercases and collapses whitespace.
func Normalize(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	return spaceRe.ReplaceAllString(s, " ")
}

// ClassWords converts a class token from snake/kebab/camel case to spaced
// words: "shopping_cart_link" and "shoppingCartLink" both become
// "shopping cart link".
func ClassWords(cls string) string {
	cls = camelRe.ReplaceAllString(cls, "$1 $2")
	cls = strings.NewReplacer("_", " ", "-", " ").Replace(cls)
	return Normalize(cls)
}

const shortTextLimit = 40

// SelectorFor renders the candidate as a CSS selector. Prefers #id; uses a
// text predicate for short-labelled anchors and buttons; pierces shadow
// roots via the host chain.
func SelectorFor(c driver.Candidate) string {
	var sel string
	switch {
	case c.ID != "":
		sel = "#" + cssEscape(c.ID)
	case (c.Tag == "A" || c.Tag == "BUTTON") && c.Text != "" && len(c.Text) <= shortTextLimit:
		sel = fmt.Sprintf("%s:has-text(%q)", strings.ToLower(c.Tag), strings.TrimSpace(c.Text))
	case c.Path != "":
		sel = c.Path
	default:
		sel = strings.ToLower(c.Tag)
	}

	if len(c.ShadowHosts) > 0 {
		return strings.Join(c.ShadowHosts, " >>> ") + " >>> " + sel
	}
	return sel
}

// cssEscape escapes the characters that break a bare #id selector.
func cssEscape(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, `\%c`, r)
		}
	}
	return b.String()
}
