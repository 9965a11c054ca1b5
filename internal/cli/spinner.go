package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type submitDoneMsg struct {
	err error
}

type submitSpinnerModel struct {
	spinner spinner.Model
	label   string
	submit  tea.Cmd
	err     error
	done    bool
}

func newSubmitSpinnerModel(label string, submit tea.Cmd) submitSpinnerModel {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("208"))),
	)

	return submitSpinnerModel{
		spinner: s,
		label:   label,
		submit:  submit,
	}
}

func (m submitSpinnerModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.submit)
}

func (m submitSpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case submitDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m submitSpinnerModel) View() string {
	if m.done {
		return ""
	}

	return fmt.Sprintf("%s %s", m.spinner.View(), m.label)
}

// runWithSpinner shows a spinner on output while submit runs.
func runWithSpinner(ctx context.Context, output io.Writer, label string, submit func(context.Context) error) error {
	submitCmd := func() tea.Msg {
		return submitDoneMsg{err: submit(ctx)}
	}

	p := tea.NewProgram(
		newSubmitSpinnerModel(label, submitCmd),
		tea.WithInput(nil),
		tea.WithOutput(output),
		tea.WithContext(ctx),
	)

	finalModel, err := p.Run()
	if err != nil {
		return err
	}

	result, ok := finalModel.(submitSpinnerModel)
	if !ok {
		return fmt.Errorf("unexpected final spinner model type %T", finalModel)
	}

	return result.err
}
