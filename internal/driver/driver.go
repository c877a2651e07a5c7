// Package driver names the browser collaborator the hub executes approved
// commands against. Backends (chromium, firefox, webkit, stealth) live
// outside the hub; the coordination engine only sees this interface.
package driver

import (
	"context"

	"github.com/cba-labs/starlight-hub/internal/protocol"
)

// Candidate describes one interactive element extracted from the page for
// semantic goal resolution. The driver collects candidates (shadow-aware,
// bounded); the resolver scores them hub-side.
type Candidate struct {
	Tag     string            // upper-case element tag ("BUTTON", "A", …)
	ID      string            // element id attribute, if any
	Text    string            // visible text
	Value   string            // input value
	Attrs   map[string]string // aria-label, title, alt, placeholder, data-tooltip, name, class, data-testid, …
	Classes []string          // class list

	ParentAria  string // parent's aria-label
	ParentTitle string // parent's title
	ParentText  string // parent's trimmed text
	SRText      string // screen-reader-only sub-element text
	SVGTitle    string // svg <title> or use href token

	LabelFor      string // text of a <label for=id> pointing at this element
	WrappingLabel string // text of an enclosing <label>

	ShadowHosts []string // host selectors when the element lives in a shadow root
	Path        string   // driver-assembled CSS path fallback
}

// PageContext is the extractor's summary of the current page, served to
// clients on getPageContext and attached to command completions.
type PageContext struct {
	URL     string         `json:"url"`
	Title   string         `json:"title"`
	Extra   map[string]any `json:"extra,omitempty"`
	Fetched int64          `json:"fetched"` // unix ms
}

// Driver is the browser handle. Implementations must be safe for use from a
// single goroutine at a time; the execution pipeline serializes access.
type Driver interface {
	Goto(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, text string) error
	Press(ctx context.Context, selector, key string) error
	Type(ctx context.Context, selector, text string) error
	Scroll(ctx context.Context, selector string) error // empty selector scrolls to bottom
	SelectOption(ctx context.Context, selector, value string) error
	Hover(ctx context.Context, selector string) error
	SetChecked(ctx context.Context, selector string, checked bool) error
	Upload(ctx context.Context, selector string, files []string) error

	Screenshot(ctx context.Context) ([]byte, error) // JPEG bytes
	Evaluate(ctx context.Context, script string) (any, error)
	PageText(ctx context.Context) (string, error)
	A11ySnapshot(ctx context.Context) (any, error)
	TargetRect(ctx context.Context, selector string) (*protocol.Rect, error)
	PageContext(ctx context.Context) (*PageContext, error)

	// CollectCandidates extracts interactive-element candidates for the
	// general resolver. CollectFormCandidates scans form inputs for the
	// form-input resolver; the scan is bounded by maxNodes.
	CollectCandidates(ctx context.Context, shadow bool, maxDepth int) ([]Candidate, error)
	CollectFormCandidates(ctx context.Context, maxNodes int) ([]Candidate, error)

	Close(ctx context.Context) error
}
