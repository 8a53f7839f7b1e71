package ui

import (
	"slices"

	"github.com/rivo/tview"
)

type page struct {
	name  string
	title string
}

// Pages is a stack-based page manager wrapping tview.Pages. Each entry
// carries a title for the breadcrumb bar.
type Pages struct {
	*tview.Pages
	stack    []page
	onChange func(titles []string)
}

// NewPages creates a new stack-based page manager.
func NewPages() *Pages {
	return &Pages{
		Pages: tview.NewPages(),
	}
}

// SetOnChange sets a callback that fires with the stack titles whenever
// the stack changes.
func (p *Pages) SetOnChange(fn func(titles []string)) {
	p.onChange = fn
}

// Push shows name on top of the stack. Pushing the page that is already
// on top only updates its title; a page further down is moved up.
func (p *Pages) Push(name, title string) {
	if n := len(p.stack); n > 0 {
		if p.stack[n-1].name == name {
			p.stack[n-1].title = title
			p.notify()
			return
		}
		p.HidePage(p.stack[n-1].name)
	}
	p.stack = slices.DeleteFunc(p.stack, func(e page) bool { return e.name == name })
	p.stack = append(p.stack, page{name: name, title: title})
	p.ShowPage(name)
	p.SendToFront(name)
	p.notify()
}

// Pop removes the top page and shows the previous one. The root page is
// never popped. Returns the name of the popped page, or "".
func (p *Pages) Pop() string {
	if len(p.stack) <= 1 {
		return ""
	}
	top := p.stack[len(p.stack)-1]
	p.HidePage(top.name)
	p.stack = p.stack[:len(p.stack)-1]
	current := p.stack[len(p.stack)-1].name
	p.ShowPage(current)
	p.SendToFront(current)
	p.notify()
	return top.name
}

// Current returns the name of the top page.
func (p *Pages) Current() string {
	if len(p.stack) == 0 {
		return ""
	}
	return p.stack[len(p.stack)-1].name
}

// Titles returns the stack titles, root first.
func (p *Pages) Titles() []string {
	out := make([]string, len(p.stack))
	for i, e := range p.stack {
		out[i] = e.title
	}
	return out
}

// Depth returns the current stack depth.
func (p *Pages) Depth() int {
	return len(p.stack)
}

// Reset clears the stack and shows only the given page.
func (p *Pages) Reset(name, title string) {
	for _, e := range p.stack {
		p.HidePage(e.name)
	}
	p.stack = []page{{name: name, title: title}}
	p.ShowPage(name)
	p.SendToFront(name)
	p.notify()
}

func (p *Pages) notify() {
	if p.onChange != nil {
		p.onChange(p.Titles())
	}
}
