package dashboard

import "github.com/charmbracelet/bubbles/key"

// keyMap is the dashboard keyboard surface: digits stage a row selection,
// lowercase letters delete the staged index from a category, uppercase
// letters bulk-flush a category.
type keyMap struct {
	Select          key.Binding
	DeleteOngoing   key.Binding
	DeleteHanging   key.Binding
	DeleteFailed    key.Binding
	DeleteCompleted key.Binding
	FlushFailed     key.Binding
	FlushCompleted  key.Binding
	FlushHanging    key.Binding
	FlushTerminal   key.Binding
	Quit            key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Select: key.NewBinding(
			key.WithKeys("1", "2", "3", "4", "5", "6"),
			key.WithHelp("1-6", "select row"),
		),
		DeleteOngoing: key.NewBinding(
			key.WithKeys("o"),
			key.WithHelp("o", "delete selected from ONGOING"),
		),
		DeleteHanging: key.NewBinding(
			key.WithKeys("h"),
			key.WithHelp("h", "delete selected from HANGING"),
		),
		DeleteFailed: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "delete selected from FAILED"),
		),
		DeleteCompleted: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "delete selected from COMPLETED"),
		),
		FlushFailed: key.NewBinding(
			key.WithKeys("F"),
			key.WithHelp("F", "flush FAILED"),
		),
		FlushCompleted: key.NewBinding(
			key.WithKeys("C"),
			key.WithHelp("C", "flush COMPLETED"),
		),
		FlushHanging: key.NewBinding(
			key.WithKeys("H"),
			key.WithHelp("H", "flush HANGING"),
		),
		FlushTerminal: key.NewBinding(
			key.WithKeys("A"),
			key.WithHelp("A", "flush all finished"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}
