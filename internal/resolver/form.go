package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cba-labs/starlight-hub/internal/driver"
)

const (
	formScanTimeout = 10 * time.Second
	formScanMax     = 2000

	labelForBonus   = 15
	parentTextBonus = 5
)

// wellKnownSearch is the fast path consulted before any scan when the goal
// mentions search.
var wellKnownSearch = []string{
	`input[type="search"]`,
	`input[name="q"]`,
	`input[name="query"]`,
	`input[name="search"]`,
	`#search`,
	`#search-input`,
	`[role="searchbox"]`,
	`.search-input`,
	`.search-field`,
}

// ResolveForm resolves a fill/press/upload goal to a form input. The whole
// resolution races a 10 s wall clock; timeout is a miss, not an error.
func (r *Resolver) ResolveForm(ctx context.Context, d driver.Driver, goal string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, formScanTimeout)
	defer cancel()

	if strings.Contains(Normalize(goal), "search") {
		if sel, ok, err := r.searchFastPath(ctx, d); err == nil && ok {
			return sel, true, nil
		}
	}

	cands, err := d.CollectFormCandidates(ctx, formScanMax)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("collect form candidates: %w", err)
	}

	ng := Normalize(goal)
	var best Match
	for _, c := range cands {
		s := scoreFormCandidate(ng, c)
		if s > best.Score {
			best = Match{Candidate: c, Score: s, Selector: formSelector(c)}
		}
	}
	if best.Score < minScore {
		return "", false, nil
	}
	return best.Selector, true, nil
}

// searchFastPath probes the well-known search inputs in order.
func (r *Resolver) searchFastPath(ctx context.Context, d driver.Driver) (string, bool, error) {
	cands, err := d.CollectFormCandidates(ctx, formScanMax)
	if err != nil {
		return "", false, err
	}
	for _, probe := range wellKnownSearch {
		for _, c := range cands {
			if matchesProbe(probe, c) {
				return formSelector(c), true, nil
			}
		}
	}
	return "", false, nil
}

// matchesProbe checks a candidate against one well-known selector without a
// DOM query: the probes only use id, name, type, role and class.
func matchesProbe(probe string, c driver.Candidate) bool {
	switch {
	case strings.HasPrefix(probe, "#"):
		return c.ID == probe[1:]
	case strings.HasPrefix(probe, "."):
		for _, cls := range c.Classes {
			if cls == probe[1:] {
				return true
			}
		}
		return false
	case strings.Contains(probe, `type="search"`):
		return c.Attrs["type"] == "search"
	case strings.Contains(probe, `name="`):
		name := probe[strings.Index(probe, `name="`)+6:]
		name = name[:strings.Index(name, `"`)]
		return c.Attrs["name"] == name
	case strings.Contains(probe, `role="searchbox"`):
		return c.Attrs["role"] == "searchbox"
	}
	return false
}

// scoreFormCandidate scores the concatenated identity facets of a form
// input, with bonuses for an explicit label and matching parent text.
func scoreFormCandidate(normGoal string, c driver.Candidate) int {
	identity := strings.Join([]string{
		c.Attrs["aria-label"],
		c.Attrs["placeholder"],
		c.Attrs["name"],
		c.ID,
		ClassWords(strings.Join(c.Classes, " ")),
	}, " ")

	s := scoreText(normGoal, identity)
	if s == 0 {
		return 0
	}
	if c.LabelFor != "" && scoreText(normGoal, c.LabelFor) >= minScore {
		s += labelForBonus
	}
	if c.ParentText != "" && scoreText(normGoal, c.ParentText) >= minScore {
		s += parentTextBonus
	}
	return s
}

// formSelector renders a form candidate, preferring #id over the assembled
// CSS path.
func formSelector(c driver.Candidate) string {
	var sel string
	switch {
	case c.ID != "":
		sel = "#" + cssEscape(c.ID)
	case c.Attrs["name"] != "":
		sel = fmt.Sprintf("%s[name=%q]", strings.ToLower(c.Tag), c.Attrs["name"])
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

// ResolveSelect resolves a select-dropdown goal by associated label,
// aria-label and name.
func (r *Resolver) ResolveSelect(ctx context.Context, d driver.Driver, goal string) (string, bool, error) {
	return r.resolveSpecialized(ctx, d, goal, "SELECT", func(c driver.Candidate) []string {
		return []string{c.LabelFor, c.Attrs["aria-label"], c.Attrs["name"]}
	})
}

// ResolveCheckbox resolves a check/uncheck goal by wrapping-label text,
// label-for text and aria-label.
func (r *Resolver) ResolveCheckbox(ctx context.Context, d driver.Driver, goal string) (string, bool, error) {
	return r.resolveSpecialized(ctx, d, goal, "INPUT", func(c driver.Candidate) []string {
		return []string{c.WrappingLabel, c.LabelFor, c.Attrs["aria-label"]}
	})
}

func (r *Resolver) resolveSpecialized(ctx context.Context, d driver.Driver, goal, tag string, facets func(driver.Candidate) []string) (string, bool, error) {
	cands, err := d.CollectFormCandidates(ctx, formScanMax)
	if err != nil {
		return "", false, fmt.Errorf("collect form candidates: %w", err)
	}

	ng := Normalize(goal)
	var best Match
	for _, c := range cands {
		if c.Tag != tag {
			continue
		}
		for _, f := range facets(c) {
			if f == "" {
				continue
			}
			if s := scoreText(ng, f); s > best.Score {
				best = Match{Candidate: c, Score: s, Selector: formSelector(c)}
			}
		}
	}
	if best.Score < minScore {
		return "", false, nil
	}
	return best.Selector, true, nil
}
