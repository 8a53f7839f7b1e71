package ui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Crumbs is a breadcrumb bar showing the current navigation path.
type Crumbs struct {
	*tview.TextView
	theme *Theme
}

// NewCrumbs creates a new breadcrumb bar.
func NewCrumbs(theme *Theme) *Crumbs {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)

	return &Crumbs{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders the breadcrumb trail from the page titles, oldest
// first. The last crumb is highlighted.
func (c *Crumbs) Update(titles []string) {
	c.Clear()
	active := fmt.Sprintf("[%s:%s:b]", ColorName(c.theme.CrumbActiveFg), ColorName(c.theme.CrumbActiveBg))
	inactive := fmt.Sprintf("[%s:%s:]", ColorName(c.theme.CrumbInactiveFg), ColorName(c.theme.CrumbInactiveBg))

	parts := make([]string, len(titles))
	for i, t := range titles {
		style := inactive
		if i == len(titles)-1 {
			style = active
		}
		parts[i] = style + " " + tview.Escape(t) + " [-:-:-]"
	}
	_, _ = fmt.Fprint(c, strings.Join(parts, " "))
}

// ColorName returns c as a tview color tag value.
func ColorName(c tcell.Color) string {
	return fmt.Sprintf("#%06x", c.Hex())
}
