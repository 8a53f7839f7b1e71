package views

import (
	"fmt"

	"github.com/carechat/carechat/internal/store"
	"github.com/carechat/carechat/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationInfo displays detailed information about a conversation.
type ConversationInfo struct {
	*tview.TextView
	theme *ui.Theme
}

// NewConversationInfo creates a new conversation info view.
func NewConversationInfo(theme *ui.Theme) *ConversationInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Conversation Details ")
	tv.SetTitleColor(theme.TitleColor)

	return &ConversationInfo{
		TextView: tv,
		theme:    theme,
	}
}

// Name implements Component.
func (ci *ConversationInfo) Name() string { return "Details" }

// Hints implements Component.
func (ci *ConversationInfo) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Esc", Description: "Back"},
		{Key: ":", Description: "Command"},
		{Key: "?", Description: "Help"},
	}
}

// Update renders conversation details.
func (ci *ConversationInfo) Update(c store.Conversation, online bool) {
	ci.Clear()

	fg := ui.ColorName(ci.theme.FgColor)
	ct := ui.ColorName(ci.theme.CounterColor)

	presence := "offline"
	if online {
		presence = "online"
	}
	lastActive := formatTimestamp(c.LastMessageAt)
	if lastActive == "" {
		lastActive = "-"
	}
	peerID := c.PeerID
	if peerID == "" {
		peerID = "-"
	}

	text := fmt.Sprintf(
		"\n [%s::b]Name:[-:-:-]         [%s]%s[-]\n"+
			" [%s::b]Peer:[-:-:-]         [%s]%s[-]\n"+
			" [%s::b]Presence:[-:-:-]     [%s]%s[-]\n"+
			" [%s::b]Unread:[-:-:-]       [%s]%d[-]\n"+
			" [%s::b]Last Active:[-:-:-]  [%s]%s[-]\n"+
			" [%s::b]Last Message:[-:-:-] [%s]%s[-]\n"+
			" [%s::b]Conversation:[-:-:-] [%s]%s[-]",
		fg, ct, tview.Escape(c.PeerName),
		fg, ct, tview.Escape(peerID),
		fg, ct, presence,
		fg, ct, c.UnreadCount,
		fg, ct, lastActive,
		fg, ct, tview.Escape(sanitizeLine(c.LastMessagePreview)),
		fg, ct, tview.Escape(c.ID),
	)

	_, _ = fmt.Fprint(ci, text)
	ci.SetTitle(fmt.Sprintf(" %s Details ", tview.Escape(c.PeerName)))
}
