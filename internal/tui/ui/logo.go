package ui

import (
	"fmt"

	"github.com/rivo/tview"
)

// Logo displays a compact ASCII art logo.
type Logo struct {
	*tview.TextView
	theme *Theme
}

// NewLogo creates a new logo component.
func NewLogo(theme *Theme) *Logo {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(1, 0, 1, 0)

	l := &Logo{
		TextView: tv,
		theme:    theme,
	}
	l.render()
	return l
}

var logoLines = []string{
	" ┌─┐┌─┐┬─┐┌─┐",
	" │  ├─┤├┬┘├┤ ",
	" └─┘┴ ┴┴└─└─┘",
}

func (l *Logo) render() {
	title := ColorName(l.theme.TitleColor)
	for _, line := range logoLines {
		_, _ = fmt.Fprintf(l, "[%s::b]%s[-:-:-]\n", title, line)
	}
	_, _ = fmt.Fprintf(l, "[%s] care team chat[-:-:-]", ColorName(l.theme.FgColor))
}
