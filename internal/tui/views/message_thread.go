package views

import (
	"fmt"
	"strings"

	"github.com/carechat/carechat/internal/timeline"
	"github.com/carechat/carechat/internal/tui/ui"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// MessageThread displays one conversation's timeline, who is typing, and
// a composer.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	messages *tview.TextView
	typing   *tview.TextView
	composer *tview.InputField
	peerName string
	convID   string
	onSend   func(text string)
	onChange func(text string)
}

// NewMessageThread creates a new message thread view.
func NewMessageThread(theme *ui.Theme) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitle(" Messages ")
	messages.SetTitleColor(theme.TitleColor)

	typing := tview.NewTextView().
		SetDynamicColors(true)
	typing.SetBackgroundColor(theme.BgColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.MenuKeyColor)
	composer.SetTitle(" Compose (i to focus) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(typing, 1, 0, false).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		messages: messages,
		typing:   typing,
		composer: composer,
	}

	composer.SetChangedFunc(func(text string) {
		if mt.onChange != nil {
			mt.onChange(text)
		}
	})
	composer.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && mt.onSend != nil {
			text := composer.GetText()
			if strings.TrimSpace(text) != "" {
				mt.onSend(text)
				composer.SetText("")
			}
		}
	})

	return mt
}

// Name implements Component.
func (mt *MessageThread) Name() string {
	if mt.peerName != "" {
		return mt.peerName
	}
	return "Messages"
}

// Hints implements Component.
func (mt *MessageThread) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "i", Description: "Compose"},
		{Key: "r", Description: "Resend failed"},
		{Key: "d", Description: "Details"},
		{Key: "Esc", Description: "Back"},
		{Key: ":", Description: "Command"},
		{Key: "?", Description: "Help"},
	}
}

// SetConversation sets the conversation shown and clears the composer.
func (mt *MessageThread) SetConversation(id, peerName string) {
	mt.convID = id
	mt.peerName = peerName
	mt.messages.SetTitle(fmt.Sprintf(" %s ", tview.Escape(peerName)))
	mt.composer.SetText("")
	mt.messages.Clear()
	mt.typing.Clear()
}

// ConversationID returns the conversation shown.
func (mt *MessageThread) ConversationID() string {
	return mt.convID
}

// SetOnSend sets the callback when a message is submitted.
func (mt *MessageThread) SetOnSend(fn func(text string)) {
	mt.onSend = fn
}

// SetOnChange sets the callback for every composer edit.
func (mt *MessageThread) SetOnChange(fn func(text string)) {
	mt.onChange = fn
}

// Update renders the timeline, oldest first.
func (mt *MessageThread) Update(msgs []timeline.Message, selfID string) {
	mt.messages.Clear()
	for _, m := range msgs {
		_, _ = fmt.Fprint(mt.messages, formatMessage(mt.theme, m, selfID))
	}
	mt.messages.ScrollToEnd()
}

// SetTyping shows who is typing, or nothing.
func (mt *MessageThread) SetTyping(names []string) {
	mt.typing.Clear()
	if line := typingLine(names); line != "" {
		_, _ = fmt.Fprintf(mt.typing, " [::d]%s[-:-:-]", tview.Escape(line))
	}
}

// Messages returns the messages text view (for focus management).
func (mt *MessageThread) Messages() *tview.TextView {
	return mt.messages
}

// Composer returns the composer input field (for focus management).
func (mt *MessageThread) Composer() *tview.InputField {
	return mt.composer
}

func formatMessage(theme *ui.Theme, m timeline.Message, selfID string) string {
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	mine := m.SenderID == selfID
	if mine {
		sender = "You"
	}

	line := fmt.Sprintf("[::b]%s[-:-:-] [::d]%s[-:-:-]", tview.Escape(sanitizeLine(sender)), formatTime(m.CreatedAt))
	if mine {
		line += " " + statusMark(theme, m.Status)
	}
	return line + "\n" + tview.Escape(sanitizeForTerminal(m.Content)) + "\n\n"
}

func statusMark(theme *ui.Theme, s timeline.Status) string {
	muted := ui.ColorName(theme.MutedColor)
	switch s {
	case timeline.Sending:
		return "[" + muted + "]…[-]"
	case timeline.Sent:
		return "[" + muted + "]✓[-]"
	case timeline.Delivered:
		return "[" + muted + "]✓✓[-]"
	case timeline.Read:
		return "[" + ui.ColorName(theme.ReadColor) + "]✓✓[-]"
	case timeline.Failed:
		return "[" + ui.ColorName(theme.FailedColor) + "]! not sent (r to resend)[-]"
	}
	return ""
}

func typingLine(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	default:
		return fmt.Sprintf("%s and %d others are typing...", names[0], len(names)-1)
	}
}
