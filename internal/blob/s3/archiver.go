package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/alanyoungcy/predictpool/internal/domain"
)

// multipartThreshold switches daily batches to multipart uploads.
const multipartThreshold = 8 * 1024 * 1024

// SettlementRecord is the per-market archive document.
type SettlementRecord struct {
	Market     domain.Market            `json:"market"`
	Summary    domain.SettlementSummary `json:"summary"`
	ArchivedAt time.Time                `json:"archived_at"`
}

// SettlementArchiver implements domain.Archiver on top of a blob store.
//
// Archives are write-once: a settlement document that already exists is left
// untouched. Ledger rows are never deleted here.
type SettlementArchiver struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	markets domain.MarketStore
	bets    domain.BetStore
	audit   domain.AuditStore
	now     func() time.Time
}

// NewArchiver creates a SettlementArchiver. audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	markets domain.MarketStore,
	bets domain.BetStore,
	audit domain.AuditStore,
) *SettlementArchiver {
	return &SettlementArchiver{
		writer:  writer,
		reader:  reader,
		markets: markets,
		bets:    bets,
		audit:   audit,
		now:     time.Now,
	}
}

// ArchiveSettlement uploads settlements/{id}.json unless it already exists.
func (a *SettlementArchiver) ArchiveSettlement(ctx context.Context, m domain.Market, summary domain.SettlementSummary) error {
	path := settlementPath(m.ID)
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("s3blob: archive settlement %s: %w", m.ID, err)
	}
	if exists {
		return nil
	}

	buf, err := json.Marshal(SettlementRecord{Market: m, Summary: summary, ArchivedAt: a.now().UTC()})
	if err != nil {
		return fmt.Errorf("s3blob: archive settlement marshal: %w", err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive settlement upload: %w", err)
	}

	return a.log(ctx, "archive.settlement", map[string]any{
		"path":      path,
		"market_id": m.ID,
		"bets":      len(m.Bets),
	})
}

// ArchiveSettledMarkets writes markets settled in the 24 hours before the
// cutoff, with their bets, to archive/markets/YYYY-MM-DD.jsonl.
func (a *SettlementArchiver) ArchiveSettledMarkets(ctx context.Context, before time.Time) (int64, error) {
	after := before.Add(-24 * time.Hour)
	markets, err := a.markets.List(ctx, domain.MarketFilter{
		Status:        domain.MarketStatusSettled,
		SettledAfter:  &after,
		SettledBefore: &before,
	})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive markets query: %w", err)
	}
	if len(markets) == 0 {
		return 0, nil
	}

	for i := range markets {
		bets, err := a.bets.ListByMarket(ctx, markets[i].ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive markets bets %s: %w", markets[i].ID, err)
		}
		markets[i].Bets = bets
	}

	buf, err := marshalJSONL(markets)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive markets marshal: %w", err)
	}

	path := archivePath("markets", after)
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive markets upload: %w", err)
	}

	count := int64(len(markets))
	if err := a.log(ctx, "archive.markets", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, err
	}
	return count, nil
}

// LoadSettlement reads back the archive document for marketID. It returns
// domain.ErrNotFound when the market was never archived.
func (a *SettlementArchiver) LoadSettlement(ctx context.Context, marketID string) (SettlementRecord, error) {
	body, err := a.reader.Get(ctx, settlementPath(marketID))
	if err != nil {
		return SettlementRecord{}, err
	}
	defer body.Close()

	var rec SettlementRecord
	if err := json.NewDecoder(io.LimitReader(body, 64<<20)).Decode(&rec); err != nil {
		return SettlementRecord{}, fmt.Errorf("s3blob: decode settlement %s: %w", marketID, err)
	}
	if rec.Market.ID != marketID {
		return SettlementRecord{}, errors.New("s3blob: settlement document does not match key")
	}
	return rec, nil
}

func (a *SettlementArchiver) log(ctx context.Context, event string, detail map[string]any) error {
	if a.audit == nil {
		return nil
	}
	if err := a.audit.Log(ctx, event, detail); err != nil {
		return fmt.Errorf("s3blob: %s audit log: %w", event, err)
	}
	return nil
}

func settlementPath(marketID string) string {
	return "settlements/" + marketID + ".json"
}

// archivePath builds the key for a batch file, partitioned by day.
//
//	archive/markets/2026-03-01.jsonl
func archivePath(kind string, day time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, day.UTC().Format("2006-01-02"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*SettlementArchiver)(nil)
