// Package drivertest provides a scripted in-memory Driver for tests.
package drivertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/cba-labs/starlight-hub/internal/driver"
	"github.com/cba-labs/starlight-hub/internal/protocol"
)

// Call records one driver invocation.
type Call struct {
	Op       string
	Selector string
	Arg      string
}

// Fake is a scripted driver. Zero value is usable: every call succeeds and
// is recorded.
type Fake struct {
	mu    sync.Mutex
	calls []Call

	// FailOps makes the named operations fail. The count is decremented per
	// failure, so FailOps["click"]=1 fails once then succeeds (exercising the
	// pipeline's single retry).
	FailOps map[string]int

	Candidates     []driver.Candidate
	FormCandidates []driver.Candidate
	Text           string
	Shot           []byte
	Rect           *protocol.Rect
	Context        *driver.PageContext
}

func (f *Fake) record(op, selector, arg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Selector: selector, Arg: arg})
	if n, ok := f.FailOps[op]; ok && n > 0 {
		f.FailOps[op] = n - 1
		return fmt.Errorf("%s failed (scripted)", op)
	}
	return nil
}

// Calls returns a snapshot of all recorded invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the recorded invocations of a single operation.
func (f *Fake) CallsTo(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) Goto(_ context.Context, url string) error  { return f.record("goto", "", url) }
func (f *Fake) Click(_ context.Context, sel string) error { return f.record("click", sel, "") }
func (f *Fake) Fill(_ context.Context, sel, text string) error {
	return f.record("fill", sel, text)
}
func (f *Fake) Press(_ context.Context, sel, key string) error { return f.record("press", sel, key) }
func (f *Fake) Type(_ context.Context, sel, text string) error { return f.record("type", sel, text) }
func (f *Fake) Scroll(_ context.Context, sel string) error     { return f.record("scroll", sel, "") }
func (f *Fake) SelectOption(_ context.Context, sel, value string) error {
	return f.record("select", sel, value)
}
func (f *Fake) Hover(_ context.Context, sel string) error { return f.record("hover", sel, "") }
func (f *Fake) SetChecked(_ context.Context, sel string, checked bool) error {
	if checked {
		return f.record("check", sel, "")
	}
	return f.record("uncheck", sel, "")
}
func (f *Fake) Upload(_ context.Context, sel string, files []string) error {
	return f.record("upload", sel, fmt.Sprint(files))
}

func (f *Fake) Screenshot(_ context.Context) ([]byte, error) {
	if err := f.record("screenshot", "", ""); err != nil {
		return nil, err
	}
	if f.Shot != nil {
		return f.Shot, nil
	}
	return []byte{0xff, 0xd8, 0xff}, nil
}

func (f *Fake) Evaluate(_ context.Context, script string) (any, error) {
	return nil, f.record("evaluate", "", script)
}

func (f *Fake) PageText(_ context.Context) (string, error) {
	if err := f.record("page_text", "", ""); err != nil {
		return "", err
	}
	return f.Text, nil
}

func (f *Fake) A11ySnapshot(_ context.Context) (any, error) {
	if err := f.record("a11y", "", ""); err != nil {
		return nil, err
	}
	return map[string]any{"role": "document"}, nil
}

func (f *Fake) TargetRect(_ context.Context, sel string) (*protocol.Rect, error) {
	if err := f.record("target_rect", sel, ""); err != nil {
		return nil, err
	}
	return f.Rect, nil
}

func (f *Fake) PageContext(_ context.Context) (*driver.PageContext, error) {
	if err := f.record("page_context", "", ""); err != nil {
		return nil, err
	}
	if f.Context != nil {
		return f.Context, nil
	}
	return &driver.PageContext{URL: "about:blank"}, nil
}

func (f *Fake) CollectCandidates(_ context.Context, _ bool, _ int) ([]driver.Candidate, error) {
	if err := f.record("collect", "", ""); err != nil {
		return nil, err
	}
	return f.Candidates, nil
}

func (f *Fake) CollectFormCandidates(_ context.Context, _ int) ([]driver.Candidate, error) {
	if err := f.record("collect_form", "", ""); err != nil {
		return nil, err
	}
	return f.FormCandidates, nil
}

func (f *Fake) Close(_ context.Context) error { return f.record("close", "", "") }
