package views

import (
	"fmt"
	"time"

	"github.com/carechat/carechat/internal/status"
	"github.com/carechat/carechat/internal/tui/ui"
	"github.com/rivo/tview"
)

// StatusBar displays the profile, connection state and unread total.
type StatusBar struct {
	*tview.TextView
	theme   *ui.Theme
	profile string
	state   status.State
	unread  int
}

// NewStatusBar creates a new status bar.
func NewStatusBar(theme *ui.Theme) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	return &StatusBar{TextView: tv, theme: theme, state: status.Disconnected}
}

// SetProfile updates the profile name display.
func (sb *StatusBar) SetProfile(name string) {
	sb.profile = name
	sb.render()
}

// SetState updates the connection indicator.
func (sb *StatusBar) SetState(s status.State) {
	sb.state = s
	sb.render()
}

// SetUnread updates the unread counter.
func (sb *StatusBar) SetUnread(n int) {
	sb.unread = n
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()

	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s", tview.Escape(sb.profile), stateLabel(sb.theme, sb.state))
	if sb.unread > 0 {
		line += fmt.Sprintf(" | [%s]%d unread[-]", ui.ColorName(sb.theme.CounterColor), sb.unread)
	}
	line += " | " + time.Now().Format("15:04")

	_, _ = fmt.Fprint(sb, line)
}

func stateLabel(theme *ui.Theme, s status.State) string {
	var color = theme.OfflineColor
	switch s {
	case status.Connected:
		color = theme.ConnectedColor
	case status.Connecting, status.Reconnecting:
		color = theme.ReconnectingColor
	}
	return fmt.Sprintf("[%s]● %s[-]", ui.ColorName(color), s)
}
