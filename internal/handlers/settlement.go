package handlers

import (
	"context"
	"database/sql"
	"math"

	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/models"
)

// SettlementEngine converts recorded credits into account balance. Each
// ledger row settles in its own transaction, so one bad row never blocks the
// batch, and the completed flag is the idempotence guard: the balance
// increment and the flag flip are one atomic unit.
type SettlementEngine struct {
	db           *sql.DB
	logger       logging.Logger
	rates        *RateOracle
	bonusPercent float64
}

// NewSettlementEngine creates a settlement engine. bonusPercent is added on
// top of the converted amount for entries paid in a non-settlement currency.
func NewSettlementEngine(database *sql.DB, log logging.Logger, rates *RateOracle, bonusPercent float64) *SettlementEngine {
	return &SettlementEngine{db: database, logger: log, rates: rates, bonusPercent: bonusPercent}
}

type pendingCredit struct {
	id        int64
	place     models.Channel
	amount    float64
	currency  string
	accountID string
	createdAt int64
}

// RunSettlement settles every credit entry that has an owner and no
// settlement yet. Entries whose rate snapshot has not been ingested are
// skipped and picked up on a later cycle.
func (se *SettlementEngine) RunSettlement(ctx context.Context) error {
	rows, err := se.db.QueryContext(ctx, `
		SELECT id, place, amount, currency, account_id, created_at
		FROM teller.ledger
		WHERE direction = $1 AND completed = false AND account_id IS NOT NULL
		ORDER BY created_at ASC
	`, models.DirectionCredit)
	if err != nil {
		return err
	}
	defer rows.Close()

	var pending []pendingCredit
	for rows.Next() {
		var p pendingCredit
		if err := rows.Scan(&p.id, &p.place, &p.amount, &p.currency, &p.accountID, &p.createdAt); err != nil {
			se.logger.WithError(err).Error("Failed to scan pending credit")
			continue
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range pending {
		if err := se.settleOne(ctx, p); err != nil {
			se.logger.WithError(err).WithFields(logging.Fields{
				"place":     p.place,
				"ledger_id": p.id,
			}).Error("Failed to settle ledger entry")
		}
	}
	return nil
}

func (se *SettlementEngine) settleOne(ctx context.Context, p pendingCredit) error {
	rate, ok, err := se.rates.PriceAt(ctx, p.currency, models.CurrencyRUB, p.createdAt)
	if err != nil {
		return err
	}
	if !ok {
		se.logger.WithFields(logging.Fields{
			"place":     p.place,
			"ledger_id": p.id,
			"currency":  p.currency,
		}).Debug("No rate snapshot yet, deferring settlement")
		return nil
	}

	credit := p.amount * rate
	if p.currency != models.CurrencyRUB && se.bonusPercent > 0 {
		credit *= 1 + se.bonusPercent/100
	}
	amount := int64(math.Round(credit))

	tx, err := se.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE teller.ledger SET completed = true
		WHERE place = $1 AND id = $2 AND completed = false
	`, p.place, p.id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// settled by a concurrent run
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE teller.accounts SET balance = balance + $1 WHERE id = $2
	`, amount, p.accountID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	se.logger.WithFields(logging.Fields{
		"account_id": p.accountID,
		"place":      p.place,
		"ledger_id":  p.id,
		"currency":   p.currency,
		"credited":   amount,
	}).Info("Settled ledger entry")
	return nil
}
