package app_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictpool/internal/app"
	"github.com/alanyoungcy/predictpool/internal/config"
	"github.com/alanyoungcy/predictpool/internal/domain"
	"github.com/alanyoungcy/predictpool/internal/service"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func sqliteConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Mode = "report"
	require.NoError(t, cfg.Validate())
	return &cfg
}

func TestWire_SQLiteReport(t *testing.T) {
	ctx := context.Background()
	deps, cleanup, err := app.Wire(ctx, sqliteConfig(t), quiet)
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, deps.Archiver)
	assert.Nil(t, deps.Notifier)
	assert.Nil(t, deps.Verifier)
	require.Len(t, deps.Pingers, 1)
	assert.Equal(t, "sqlite", deps.Pingers[0].Name())
	require.NoError(t, deps.Pingers[0].Ping(ctx))

	m, err := deps.Markets.CreateMarket(ctx, service.CreateMarketRequest{
		Question:       "Will it rain in Lisbon tomorrow?",
		CreatorID:      "carol",
		ExpiresAt:      time.Now().Add(2 * time.Hour),
		ResolutionType: domain.ResolutionManual,
	})
	require.NoError(t, err)

	_, err = deps.Bets.PlaceBet(ctx, service.PlaceBetRequest{
		MarketID:   m.ID,
		BettorID:   "alice",
		Position:   domain.PositionYes,
		Amount:     decimal.NewFromInt(1),
		PaymentRef: "0xfeed",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, app.WriteReport(ctx, &buf, deps.Markets))
	out := buf.String()
	assert.Contains(t, out, "Markets (1)")
	assert.Contains(t, out, "Bettors (1)")
	assert.Contains(t, out, "alice")
}

func TestWire_RejectsUnknownDriver(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Database.Driver = "mysql"
	_, _, err := app.Wire(context.Background(), cfg, quiet)
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestNewLogger_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predictpool.log")
	logger, closeFn := app.NewLogger(config.LogConfig{
		Level:     "debug",
		Format:    "text",
		File:      path,
		MaxSizeMB: 1,
	})
	logger.Debug("ledger opened", slog.String("driver", "sqlite"))
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ledger opened")
	assert.Contains(t, string(data), "driver=sqlite")
}
