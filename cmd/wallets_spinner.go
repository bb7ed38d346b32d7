package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bnema/walletd/internal/domain"
)

var (
	createdMarkStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	conflictMarkStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	failedMarkStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	walletIDStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))
)

type walletCreatedMsg struct {
	walletID domain.WalletID
	err      error
}

type createWalletModel struct {
	spinner   spinner.Model
	accountID domain.AccountID
	task      tea.Cmd
	walletID  domain.WalletID
	err       error
	done      bool
}

func newCreateWalletModel(accountID domain.AccountID, task tea.Cmd) createWalletModel {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("69"))),
	)

	return createWalletModel{
		spinner:   s,
		accountID: accountID,
		task:      task,
	}
}

func (m createWalletModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.task)
}

func (m createWalletModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case walletCreatedMsg:
		m.done = true
		m.walletID = msg.walletID
		m.err = msg.err
		return m, tea.Quit
	default:
		return m, nil
	}
}

// View leaves the outcome on screen once the wallet task has returned.
func (m createWalletModel) View() string {
	if !m.done {
		return fmt.Sprintf("%s Creating wallet for account %s...", m.spinner.View(), m.accountID)
	}

	switch {
	case m.err == nil:
		return fmt.Sprintf("%s Created wallet %s for account %s\n",
			createdMarkStyle.Render("✓"), walletIDStyle.Render(string(m.walletID)), m.accountID)
	case errors.Is(m.err, domain.ErrWalletFileConflict):
		return fmt.Sprintf("%s Wallet file already on disk; record kept for account %s without a secret\n",
			conflictMarkStyle.Render("!"), m.accountID)
	default:
		return fmt.Sprintf("%s Wallet not created for account %s\n", failedMarkStyle.Render("✗"), m.accountID)
	}
}

// runCreateWalletSpinner shows progress on output until create returns and
// leaves the outcome line behind.
func runCreateWalletSpinner(ctx context.Context, output io.Writer, accountID domain.AccountID, create func(context.Context) (domain.WalletID, error)) (domain.WalletID, error) {
	taskCmd := func() tea.Msg {
		walletID, err := create(ctx)
		return walletCreatedMsg{walletID: walletID, err: err}
	}

	p := tea.NewProgram(
		newCreateWalletModel(accountID, taskCmd),
		tea.WithInput(nil),
		tea.WithOutput(output),
		tea.WithContext(ctx),
	)

	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}

	result, ok := finalModel.(createWalletModel)
	if !ok {
		return "", fmt.Errorf("unexpected final spinner model type %T", finalModel)
	}

	return result.walletID, result.err
}
