package wallets

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bnema/walletd/internal/domain"
)

type RenderOptions struct {
	Now time.Time
	// FreshFor is the age under which a wallet is drawn at full brightness.
	FreshFor time.Duration
}

const defaultFreshFor = 7 * 24 * time.Hour

func renderView(records []domain.WalletRecord, opts RenderOptions, s styles) string {
	groups := groupByAccount(records)
	lines := []string{
		s.title.Render("Wallet Server Records"),
		s.header.Render(fmt.Sprintf("accounts: %d  wallets: %d", len(groups), len(records))),
	}

	if len(records) == 0 {
		lines = append(lines, s.empty.Render("No wallets registered."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, group := range groups {
		lines = append(lines, s.section.Render(renderAccount(group, opts, s)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

type accountGroup struct {
	account domain.AccountID
	wallets []domain.WalletRecord
}

func groupByAccount(records []domain.WalletRecord) []accountGroup {
	index := make(map[domain.AccountID]int)
	var groups []accountGroup
	for _, record := range records {
		i, ok := index[record.AccountID]
		if !ok {
			i = len(groups)
			index[record.AccountID] = i
			groups = append(groups, accountGroup{account: record.AccountID})
		}
		groups[i].wallets = append(groups[i].wallets, record)
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].account < groups[j].account
	})
	for _, group := range groups {
		sort.SliceStable(group.wallets, func(i, j int) bool {
			return group.wallets[i].CreatedAt.Before(group.wallets[j].CreatedAt)
		})
	}
	return groups
}

func renderAccount(group accountGroup, opts RenderOptions, s styles) string {
	parts := []string{
		s.account.Render(fmt.Sprintf("Account: %s", group.account)),
	}
	for _, record := range group.wallets {
		parts = append(parts, walletLine(record, opts, s))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func walletLine(record domain.WalletRecord, opts RenderOptions, s styles) string {
	id := s.wallet.Render(string(record.ID))
	created := lipgloss.NewStyle().
		Foreground(ageColor(record.CreatedAt, opts)).
		Render(fmt.Sprintf("(%s)", formatCreated(record.CreatedAt, opts.Now)))

	line := lipgloss.JoinHorizontal(lipgloss.Top, "  ", id, " ", created)
	if record.SecretRef == "" {
		line += " " + s.warning.Render("[no secret]")
	}
	return line
}

func formatCreated(createdAt, now time.Time) string {
	if createdAt.IsZero() {
		return "created unknown"
	}
	if now.IsZero() {
		return "created " + createdAt.Format(time.RFC3339)
	}

	age := now.Sub(createdAt)
	if age < time.Minute {
		return "created just now"
	}
	if age < time.Hour {
		return plural(int(age.Minutes()), "minute") + " ago"
	}
	if age < 24*time.Hour {
		return plural(int(age.Hours()), "hour") + " ago"
	}

	return fmt.Sprintf("%s ago (%s)", plural(int(age.Hours()/24), "day"), createdAt.Format("02 Jan 2006"))
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// ageColor fades from bright white for new wallets to grey at FreshFor.
func ageColor(createdAt time.Time, opts RenderOptions) lipgloss.Color {
	if opts.Now.IsZero() || createdAt.IsZero() {
		return lipgloss.Color("255")
	}
	freshFor := opts.FreshFor
	if freshFor <= 0 {
		freshFor = defaultFreshFor
	}

	remaining := freshFor - opts.Now.Sub(createdAt)
	return interpolateColor(remaining.Seconds(), 0, freshFor.Seconds())
}

func interpolateColor(value, min, max float64) lipgloss.Color {
	if max == min {
		return lipgloss.Color("255")
	}

	normalized := math.Max(0, math.Min(1, (value-min)/(max-min)))

	// ANSI 256 greyscale ramp, 240 faded to 255 bright
	code := int(240 + 15*normalized)
	return lipgloss.Color(fmt.Sprintf("%d", code))
}
