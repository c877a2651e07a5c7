// Package null provides a no-op Driver. The real browser backends are
// linked by embedders; the stock binary runs the coordination protocol
// against this driver so agents and clients can be developed without a
// browser.
package null

import (
	"context"

	"github.com/cba-labs/starlight-hub/internal/driver"
	"github.com/cba-labs/starlight-hub/internal/protocol"
)

// Driver accepts every command and does nothing.
type Driver struct{}

// New returns a no-op driver.
func New() *Driver { return &Driver{} }

func (*Driver) Goto(context.Context, string) error                 { return nil }
func (*Driver) Click(context.Context, string) error                { return nil }
func (*Driver) Fill(context.Context, string, string) error         { return nil }
func (*Driver) Press(context.Context, string, string) error        { return nil }
func (*Driver) Type(context.Context, string, string) error         { return nil }
func (*Driver) Scroll(context.Context, string) error               { return nil }
func (*Driver) SelectOption(context.Context, string, string) error { return nil }
func (*Driver) Hover(context.Context, string) error                { return nil }
func (*Driver) SetChecked(context.Context, string, bool) error     { return nil }
func (*Driver) Upload(context.Context, string, []string) error     { return nil }

func (*Driver) Screenshot(context.Context) ([]byte, error) { return nil, nil }
func (*Driver) Evaluate(context.Context, string) (any, error) {
	return nil, nil
}
func (*Driver) PageText(context.Context) (string, error)   { return "", nil }
func (*Driver) A11ySnapshot(context.Context) (any, error)  { return nil, nil }
func (*Driver) TargetRect(context.Context, string) (*protocol.Rect, error) {
	return nil, nil
}
func (*Driver) PageContext(context.Context) (*driver.PageContext, error) {
	return &driver.PageContext{URL: "about:blank"}, nil
}

func (*Driver) CollectCandidates(context.Context, bool, int) ([]driver.Candidate, error) {
	return nil, nil
}
func (*Driver) CollectFormCandidates(context.Context, int) ([]driver.Candidate, error) {
	return nil, nil
}

func (*Driver) Close(context.Context) error { return nil }
