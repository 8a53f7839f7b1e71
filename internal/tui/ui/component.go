package ui

// MenuHint describes a keyboard shortcut for display in the menu.
type MenuHint struct {
	Key         string
	Description string
	Numeric     bool // digit shortcuts, drawn in their own color
}

// Component is a page of the TUI: it has a breadcrumb title and the key
// hints shown while it is on top.
type Component interface {
	Name() string
	Hints() []MenuHint
}
