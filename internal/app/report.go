package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/pool"
)

const reportLimit = 500

// ReportSource is the read side the report needs. *service.MarketService
// satisfies it.
type ReportSource interface {
	ListMarkets(ctx context.Context, filter domain.MarketFilter) ([]domain.Market, error)
	ListBettors(ctx context.Context, opts domain.ListOpts) ([]domain.Bettor, error)
}

// WriteReport renders the market ledger and bettor standings as console
// tables.
func WriteReport(ctx context.Context, w io.Writer, src ReportSource) error {
	markets, err := src.ListMarkets(ctx, domain.MarketFilter{ListOpts: domain.ListOpts{Limit: reportLimit}})
	if err != nil {
		return fmt.Errorf("report: list markets: %w", err)
	}
	bettors, err := src.ListBettors(ctx, domain.ListOpts{Limit: reportLimit})
	if err != nil {
		return fmt.Errorf("report: list bettors: %w", err)
	}

	fmt.Fprintf(w, "Markets (%d)\n", len(markets))
	mt := tablewriter.NewWriter(w)
	mt.Header("ID", "Question", "Type", "Status", "YES pool", "NO pool", "YES odds", "Outcome", "Expires")
	for _, m := range markets {
		outcome := "-"
		if m.Outcome != nil {
			outcome = string(*m.Outcome)
		}
		mt.Append(
			shortID(m.ID),
			truncate(m.Question, 48),
			string(m.ResolutionType),
			string(m.Status),
			m.YesVolume.String(),
			m.NoVolume.String(),
			pool.Odds(m, domain.PositionYes).String()+"%",
			outcome,
			m.ExpiresAt.UTC().Format(time.RFC3339),
		)
	}
	mt.Render()

	fmt.Fprintf(w, "\nBettors (%d)\n", len(bettors))
	bt := tablewriter.NewWriter(w)
	bt.Header("Bettor", "Bets", "Won", "Staked", "Winnings")
	for _, b := range bettors {
		bt.Append(
			b.ID,
			fmt.Sprintf("%d", b.BetsPlaced),
			fmt.Sprintf("%d", b.BetsWon),
			b.TotalStaked.String(),
			b.TotalWinnings.String(),
		)
	}
	bt.Render()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
