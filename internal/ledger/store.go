package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/polarpass/teller/pkg/models"
)

// ExternalID derives a stable ledger id from a channel-native string
// identifier. Gateways hand out opaque string ids, so those channels hash
// them into the numeric id space; a redelivery of the same payment then
// maps to the same (place, id) pair and the insert conflict guard holds.
func ExternalID(native string) int64 {
	h := fnv.New64a()
	h.Write([]byte(native))
	return int64(h.Sum64() & math.MaxInt64)
}

// Store is the append-only ledger of recognized payment events. Entries are
// written once by a channel scanner or the purchase engine; settlement later
// flips the completed flag and nothing else.
type Store struct {
	db *sql.DB
}

// NewStore creates a ledger store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Watermark returns the highest channel-native id already recorded for a
// channel, or 0 when the channel has no entries yet.
func (s *Store) Watermark(ctx context.Context, place models.Channel) (int64, error) {
	var watermark int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM teller.ledger WHERE place = $1`,
		place,
	).Scan(&watermark)
	if err != nil {
		return 0, fmt.Errorf("failed to read channel watermark: %w", err)
	}
	return watermark, nil
}

// TimeWatermark returns the newest channel-native created-at already
// recorded for a channel. Channels whose sequence ids are not comparable
// across fetches (the bank portal) page by operation time instead of id.
func (s *Store) TimeWatermark(ctx context.Context, place models.Channel, floor int64) (int64, error) {
	var watermark int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created_at), $2) FROM teller.ledger WHERE place = $1`,
		place, floor,
	).Scan(&watermark)
	if err != nil {
		return 0, fmt.Errorf("failed to read channel time watermark: %w", err)
	}
	return watermark, nil
}

// ResolveAccount matches a correlation tag against the account directory.
// An unknown tag resolves to nil so the entry is recorded unresolved.
func (s *Store) ResolveAccount(ctx context.Context, tag string) (*string, error) {
	if tag == "" {
		return nil, nil
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM teller.accounts WHERE id = $1`,
		tag,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account tag: %w", err)
	}
	return &id, nil
}

// InsertBatch writes the entries in a single transaction. Entries already
// present for their (place, id) pair are silently skipped, which makes
// overlapping re-deliveries from a channel safe.
func (s *Store) InsertBatch(ctx context.Context, entries []models.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger insert: %w", err)
	}
	defer tx.Rollback()

	var (
		placeholders []string
		args         []interface{}
	)
	for i, e := range entries {
		base := i * 9
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.ID, e.Amount, e.Currency, e.Message, e.AccountID,
			e.Direction, e.Place, e.Completed, e.CreatedAt,
		)
	}

	query := `
		INSERT INTO teller.ledger (id, amount, currency, message, account_id, direction, place, completed, created_at)
		VALUES ` + strings.Join(placeholders, ", ") + `
		ON CONFLICT (place, id) DO NOTHING`

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert ledger entries: %w", err)
	}
	return tx.Commit()
}
