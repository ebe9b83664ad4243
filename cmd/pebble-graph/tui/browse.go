package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/marshallshelly/pebble-graph/pkg/migration"
)

// BrowseMode represents the current screen of the browser
type BrowseMode int

const (
	ModeList BrowseMode = iota
	ModeDetail
	ModeConfirm
	ModeApplying
	ModeComplete
	ModeError
)

// ApplyFunc creates the schema in the database.
type ApplyFunc func(ctx context.Context) error

// BrowseModel is the Bubbletea model listing the tables of a schema. Selecting
// a table shows its DDL; the whole schema can be applied after confirmation
// when an ApplyFunc is given.
type BrowseModel struct {
	mode         BrowseMode
	list         list.Model
	viewport     viewport.Model
	confirmation ConfirmationDialog
	logs         LogView
	err          error
	width        int
	height       int
	schema       *migration.Schema
	planner      *migration.Planner
	apply        ApplyFunc
}

// NewBrowseModel creates a browser for s. apply may be nil for a read-only view.
func NewBrowseModel(s *migration.Schema, planner *migration.Planner, apply ApplyFunc) BrowseModel {
	items := make([]list.Item, len(s.Tables))
	for i, t := range s.Tables {
		items[i] = TableItem{Table: t}
	}

	l := list.New(items, TableItemDelegate{}, 0, 0)
	l.Title = fmt.Sprintf("Tables (%s)", planner.Dialect().Name())
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)
	l.Styles.Title = titleStyle

	return BrowseModel{
		mode:     ModeList,
		list:     l,
		viewport: viewport.New(0, 0),
		logs:     NewLogView(10),
		schema:   s,
		planner:  planner,
		apply:    apply,
	}
}

// Init initializes the model
func (m BrowseModel) Init() tea.Cmd {
	return tea.EnterAltScreen
}

type schemaAppliedMsg struct {
	statements int
	err        error
}

func applyCmd(apply ApplyFunc, statements int) tea.Cmd {
	return func() tea.Msg {
		return schemaAppliedMsg{statements: statements, err: apply(context.Background())}
	}
}

// Mode returns the current screen.
func (m BrowseModel) Mode() BrowseMode { return m.mode }

// tableDDL renders the statements creating t alone.
func (m BrowseModel) tableDDL(t *migration.Table) string {
	statements := m.planner.CreateStatements(&migration.Schema{Tables: []*migration.Table{t}})
	return migration.Script(statements)
}

// Update handles messages
func (m BrowseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.list.SetSize(msg.Width-4, msg.Height-8)
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = msg.Height - 8
		return m, nil

	case schemaAppliedMsg:
		if msg.err != nil {
			m.mode = ModeError
			m.err = msg.err
			return m, nil
		}
		m.logs.AddLog(successStyle.Render(fmt.Sprintf("✓ Applied %d statement(s)", msg.statements)))
		m.mode = ModeComplete
		return m, nil

	case tea.KeyMsg:
		switch m.mode {
		case ModeList:
			if m.list.FilterState() == list.Filtering {
				break
			}
			switch msg.String() {
			case "ctrl+c", "q":
				return m, tea.Quit

			case "enter", " ":
				item, ok := m.list.SelectedItem().(TableItem)
				if !ok {
					return m, nil
				}
				m.viewport.SetContent(codeStyle.Render(m.tableDDL(item.Table)))
				m.viewport.GotoTop()
				m.mode = ModeDetail
				return m, nil

			case "a":
				if m.apply == nil {
					m.logs.AddLog(warningStyle.Render("No database configured; schema is read-only"))
					return m, nil
				}
				m.confirmation = NewConfirmationDialog(
					"Apply Schema",
					fmt.Sprintf("Create %d table(s) in the %s database?\nExisting tables are left untouched.",
						len(m.schema.Tables), m.planner.Dialect().Name()),
				)
				m.mode = ModeConfirm
				return m, nil
			}

		case ModeDetail:
			switch msg.String() {
			case "ctrl+c", "q":
				return m, tea.Quit
			case "esc", "backspace":
				m.mode = ModeList
				return m, nil
			}
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd

		case ModeConfirm:
			if msg.String() == "esc" || msg.String() == "ctrl+c" {
				m.mode = ModeList
				return m, nil
			}
			answered, yes := m.confirmation.Update(msg)
			if !answered {
				return m, nil
			}
			if !yes {
				m.mode = ModeList
				return m, nil
			}
			m.mode = ModeApplying
			statements := len(m.planner.CreateStatements(m.schema))
			m.logs.AddLog(infoStyle.Render(fmt.Sprintf("Applying %d statement(s)...", statements)))
			return m, applyCmd(m.apply, statements)

		case ModeComplete, ModeError:
			switch msg.String() {
			case "ctrl+c", "q", "enter":
				return m, tea.Quit
			}
		}
	}

	if m.mode == ModeList {
		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the UI
func (m BrowseModel) View() string {
	switch m.mode {
	case ModeList:
		keys := []string{
			FormatKey("↑/↓", "navigate"),
			FormatKey("enter", "show DDL"),
			FormatKey("/", "filter"),
		}
		if m.apply != nil {
			keys = append(keys, FormatKey("a", "apply schema"))
		}
		keys = append(keys, FormatKey("q", "quit"))

		parts := []string{m.list.View(), helpStyle.Render(strings.Join(keys, " • "))}
		if len(m.logs.Logs) > 0 {
			parts = append(parts, m.logs.View())
		}
		return lipgloss.JoinVertical(lipgloss.Left, parts...)

	case ModeDetail:
		item, _ := m.list.SelectedItem().(TableItem)
		title := ""
		if item.Table != nil {
			title = item.Table.Name
		}
		return lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render(title),
			m.viewport.View(),
			helpStyle.Render(FormatKey("↑/↓", "scroll")+" • "+FormatKey("esc", "back")+" • "+FormatKey("q", "quit")),
		)

	case ModeConfirm:
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, m.confirmation.View())

	case ModeApplying:
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, m.logs.View())

	case ModeComplete:
		msg := titleStyle.Render("Schema Applied") + "\n\n" +
			m.logs.View() + "\n" +
			helpStyle.Render(FormatKey("enter/q", "exit"))
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, boxStyle.Render(msg))

	case ModeError:
		msg := titleStyle.Render("Apply Failed") + "\n\n" +
			errorStyle.Render(m.err.Error()) + "\n\n" +
			helpStyle.Render(FormatKey("enter/q", "exit"))
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, boxStyle.Render(msg))
	}

	return "Unknown mode"
}

// RunBrowser starts the interactive schema browser
func RunBrowser(s *migration.Schema, planner *migration.Planner, apply ApplyFunc) error {
	p := tea.NewProgram(NewBrowseModel(s, planner, apply))
	_, err := p.Run()
	return err
}
