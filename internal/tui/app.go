// Package tui is the terminal front end of a client session.
package tui

import (
	"context"
	"errors"
	"time"

	"github.com/carechat/carechat/internal/app"
	"github.com/carechat/carechat/internal/conversation"
	"github.com/carechat/carechat/internal/tui/keys"
	"github.com/carechat/carechat/internal/tui/model"
	"github.com/carechat/carechat/internal/tui/ui"
	"github.com/carechat/carechat/internal/tui/views"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const (
	pageList    = "list"
	pageThread  = "thread"
	pageDetails = "details"
	pageHelp    = "help"
)

// App is the main TUI application shell.
type App struct {
	app      *tview.Application
	root     *tview.Flex
	pages    *ui.Pages
	vm       *model.ViewModel
	registry *keys.Registry
	theme    *ui.Theme
	flash    *ui.FlashModel
	started  time.Time

	info      *ui.SessionInfo
	menu      *ui.Menu
	crumbs    *ui.Crumbs
	prompt    *ui.Prompt
	flashBar  *ui.FlashBar
	statusBar *views.StatusBar
	list      *views.ConversationList
	thread    *views.MessageThread
	details   *views.ConversationInfo
	help      *views.HelpView

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates the TUI for a running client session.
func NewApp(c *app.Client) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:       tview.NewApplication(),
		pages:     ui.NewPages(),
		vm:        model.NewViewModel(c),
		registry:  keys.NewRegistry(),
		theme:     theme,
		flash:     ui.NewFlashModel(),
		started:   time.Now(),
		info:      ui.NewSessionInfo(theme),
		menu:      ui.NewMenu(theme),
		crumbs:    ui.NewCrumbs(theme),
		prompt:    ui.NewPrompt(theme),
		flashBar:  ui.NewFlashBar(theme),
		statusBar: views.NewStatusBar(theme),
		list:      views.NewConversationList(theme),
		thread:    views.NewMessageThread(theme),
		details:   views.NewConversationInfo(theme),
		help:      views.NewHelpView(theme),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetProfile(c.Profile)
	a.list.SetPresence(a.vm.PeerOnline)
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: 'q', Description: "quit",
		Handler: func() {
			if a.pages.Depth() > 1 {
				a.back()
				return
			}
			a.Stop()
		},
	})
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: '?', Description: "help",
		Handler: func() { a.push(pageHelp, a.help.Name(), a.help) },
	})
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: ':', Description: "command",
		Handler: func() { a.showPrompt(ui.PromptCommand) },
	})

	a.registry.AddView(pageList, &keys.Action{
		Key: tcell.KeyRune, Rune: '/', Description: "filter",
		Handler: func() { a.showPrompt(ui.PromptFilter) },
	})
	a.registry.AddView(pageList, &keys.Action{
		Key: tcell.KeyRune, Rune: '0', Description: "clear filter",
		Handler: func() { a.list.ClearFilter() },
	})
	a.registry.AddView(pageList, &keys.Action{
		Key: tcell.KeyRune, Rune: 'd', Description: "details",
		Handler: func() { a.showDetails(a.list.SelectedConversation()) },
	})
	for n := 1; n <= 9; n++ {
		a.registry.AddView(pageList, &keys.Action{
			Key: tcell.KeyRune, Rune: rune('0' + n), Description: "jump",
			Handler: func() {
				if id := a.list.ConversationByIndex(n); id != "" {
					a.openConversation(id)
				}
			},
		})
	}

	a.registry.AddView(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'i', Description: "compose",
		Handler: func() { a.app.SetFocus(a.thread.Composer()) },
	})
	a.registry.AddView(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'r', Description: "resend",
		Handler: a.resend,
	})
	a.registry.AddView(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'd', Description: "details",
		Handler: func() { a.showDetails(a.thread.ConversationID()) },
	})
}

func (a *App) setupCallbacks() {
	a.list.SetSelectedFunc(func(row, _ int) {
		if id := a.list.ConversationByIndex(row); id != "" {
			a.openConversation(id)
		}
	})

	a.thread.SetOnSend(func(text string) {
		if err := a.vm.Send(a.ctx, text); err != nil {
			a.flash.Err(err)
		}
		a.refresh()
	})
	a.thread.SetOnChange(func(text string) {
		a.vm.Keystroke(a.ctx, text)
	})

	a.prompt.SetOnSubmit(func(mode ui.PromptMode, text string) {
		a.hidePrompt()
		switch mode {
		case ui.PromptFilter:
			a.list.SetFilter(text)
		case ui.PromptCommand:
			a.runCommand(ParseCommand(text))
		}
	})
	a.prompt.SetOnCancel(a.hidePrompt)

	a.pages.SetOnChange(func(titles []string) {
		a.crumbs.Update(titles)
	})
}

func (a *App) setupLayout() {
	a.pages.AddPage(pageList, a.list, true, false)
	a.pages.AddPage(pageThread, a.thread, true, false)
	a.pages.AddPage(pageDetails, a.details, true, false)
	a.pages.AddPage(pageHelp, a.help, true, false)
	a.pages.Reset(pageList, a.list.Name())

	header := tview.NewFlex().
		AddItem(a.info, 0, 2, false).
		AddItem(a.menu, 0, 3, false).
		AddItem(ui.NewLogo(a.theme), 17, 0, false)

	a.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(header, 8, 0, false).
		AddItem(a.crumbs, 1, 0, false).
		AddItem(a.prompt, 0, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.flashBar, 1, 0, false).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(a.root, true)
	a.app.SetFocus(a.list)
	a.app.SetInputCapture(a.capture)
}

func (a *App) capture(event *tcell.EventKey) *tcell.EventKey {
	if a.prompt.HasFocus() {
		return event
	}
	if a.thread.Composer().HasFocus() {
		if event.Key() == tcell.KeyEscape {
			a.app.SetFocus(a.thread.Messages())
			return nil
		}
		return event
	}

	if event.Key() == tcell.KeyEscape {
		a.back()
		return nil
	}
	if a.registry.HandleEvent(a.pages.Current(), event) {
		return nil
	}
	return event
}

func (a *App) components() map[string]ui.Component {
	return map[string]ui.Component{
		pageList:    a.list,
		pageThread:  a.thread,
		pageDetails: a.details,
		pageHelp:    a.help,
	}
}

func (a *App) push(page, title string, focus tview.Primitive) {
	a.pages.Push(page, title)
	a.app.SetFocus(focus)
	a.refresh()
}

// back pops the current page. Leaving the thread leaves the room.
func (a *App) back() {
	popped := a.pages.Pop()
	if popped == "" {
		return
	}
	if popped == pageThread {
		a.vm.Close(a.ctx)
	}
	switch a.pages.Current() {
	case pageThread:
		a.app.SetFocus(a.thread.Messages())
	case pageList:
		a.app.SetFocus(a.list)
	}
	a.refresh()
}

func (a *App) openConversation(id string) {
	name := id
	if c, ok := a.vm.Conversation(id); ok {
		name = c.PeerName
	}
	a.thread.SetConversation(id, name)
	a.push(pageThread, name, a.thread.Messages())

	go func() {
		err := a.vm.Open(a.ctx, id)
		if err != nil && !errors.Is(err, conversation.ErrSuperseded) {
			a.flash.Err(err)
		}
		a.app.QueueUpdateDraw(a.refresh)
	}()
}

func (a *App) showDetails(id string) {
	c, ok := a.vm.Conversation(id)
	if !ok {
		return
	}
	a.details.Update(c, a.vm.PeerOnline(c))
	a.push(pageDetails, a.details.Name(), a.details)
}

func (a *App) resend() {
	if err := a.vm.ResendLast(a.ctx); err != nil {
		a.flash.Warn(err.Error())
	}
	a.refresh()
}

func (a *App) showPrompt(mode ui.PromptMode) {
	if mode == ui.PromptFilter && a.pages.Current() != pageList {
		return
	}
	a.prompt.Activate(mode)
	a.root.ResizeItem(a.prompt, 3, 0)
	a.app.SetFocus(a.prompt)
}

func (a *App) hidePrompt() {
	a.root.ResizeItem(a.prompt, 0, 0)
	switch a.pages.Current() {
	case pageThread:
		a.app.SetFocus(a.thread.Messages())
	case pageList:
		a.app.SetFocus(a.list)
	case pageDetails:
		a.app.SetFocus(a.details)
	case pageHelp:
		a.app.SetFocus(a.help)
	}
}

func (a *App) runCommand(cmd Command) {
	switch cmd.Name {
	case "quit":
		a.Stop()
	case "help":
		a.push(pageHelp, a.help.Name(), a.help)
	case "open":
		c, ok := a.vm.FindConversation(cmd.Args)
		if !ok {
			a.flash.Warn("no conversation matches " + cmd.Args)
			return
		}
		a.pages.Reset(pageList, a.list.Name())
		a.openConversation(c.ID)
	case "close":
		a.vm.Close(a.ctx)
		a.pages.Reset(pageList, a.list.Name())
		a.app.SetFocus(a.list)
	case "resend":
		a.resend()
	default:
		a.flash.Warn("unknown command: " + cmd.Name)
	}
}

// refresh redraws every view from the view model. Must run on the UI
// goroutine.
func (a *App) refresh() {
	convs := a.vm.Conversations()
	a.list.Update(convs)

	online := 0
	for _, c := range convs {
		if a.vm.PeerOnline(c) {
			online++
		}
	}
	state := a.vm.ConnectionState()
	unread := a.vm.TotalUnread()
	a.info.Update(&ui.SessionData{
		Profile:       a.vm.Profile(),
		User:          a.vm.UserName(),
		State:         string(state),
		Conversations: len(convs),
		Unread:        unread,
		Online:        online,
		Uptime:        time.Since(a.started),
	})
	a.statusBar.SetState(state)
	a.statusBar.SetUnread(unread)

	if a.pages.Current() == pageThread && a.thread.ConversationID() == a.vm.Active() {
		a.thread.Update(a.vm.Messages(), a.vm.SelfID())
		a.thread.SetTyping(a.vm.Typing())
	}
	if c, ok := a.components()[a.pages.Current()]; ok {
		a.menu.Update(c.Hints())
	}
	a.flashBar.Update(a.flash.Current())
}

// Run starts the TUI and blocks until it exits.
func (a *App) Run() error {
	if err := a.vm.LoadConversations(); err != nil {
		a.flash.Err(err)
	}
	a.vm.Watch(a.ctx)
	a.refresh()
	go a.loop()
	return a.app.Run()
}

// loop redraws on view model changes, and once a second for typing
// expiry and the clock.
func (a *App) loop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.vm.RefreshCh():
		case n := <-a.vm.Notices():
			if n.Error {
				a.flash.Notify(n.Text, ui.FlashErr)
			} else {
				a.flash.Info(n.Text)
			}
		case <-ticker.C:
		case <-a.ctx.Done():
			return
		}
		a.app.QueueUpdateDraw(a.refresh)
	}
}

// Stop shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
