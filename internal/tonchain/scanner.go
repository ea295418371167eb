package tonchain

import (
	"context"
	"fmt"

	"github.com/polarpass/teller/internal/ledger"
	"github.com/polarpass/teller/internal/toncell"
	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/models"
)

const defaultScanLimit = 500

// Scanner pulls wallet transactions from the chain API, decodes them into
// ledger entries and appends the unseen ones.
type Scanner struct {
	client     *Client
	store      *ledger.Store
	logger     logging.Logger
	wallet     string
	walletAddr *toncell.Address
	limit      int
}

// NewScanner creates a chain scanner for the given wallet address. The
// address is parsed up front; the decoder compares it against message
// destinations to tell credits from debits.
func NewScanner(client *Client, store *ledger.Store, log logging.Logger, wallet string) (*Scanner, error) {
	addr, err := toncell.ParseAddress(wallet)
	if err != nil {
		return nil, fmt.Errorf("bad wallet address: %w", err)
	}
	return &Scanner{
		client:     client,
		store:      store,
		logger:     log,
		wallet:     wallet,
		walletAddr: addr,
		limit:      defaultScanLimit,
	}, nil
}

// Scan runs one scan cycle. Only transactions with a logical time strictly
// greater than the stored channel watermark are inserted; transactions that
// fail to decode are logged and skipped without aborting the batch.
func (s *Scanner) Scan(ctx context.Context) error {
	watermark, err := s.store.Watermark(ctx, models.ChannelTON)
	if err != nil {
		return err
	}

	txs, err := s.client.GetTransactions(ctx, s.wallet, s.limit)
	if err != nil {
		return fmt.Errorf("chain scan fetch failed: %w", err)
	}

	var entries []models.LedgerEntry
	for _, tx := range txs {
		if int64(tx.LogicalTime) <= watermark {
			continue
		}

		payment, err := DecodePayment(tx, s.walletAddr)
		if err != nil {
			s.logger.WithFields(logging.Fields{
				"error":   err,
				"tx_hash": tx.Hash,
				"lt":      tx.LogicalTime,
			}).Warn("Skipping undecodable chain transaction")
			continue
		}
		if payment == nil {
			continue
		}

		accountID, err := s.store.ResolveAccount(ctx, payment.Tag)
		if err != nil {
			return err
		}

		var message *string
		if payment.Tag != "" {
			tag := payment.Tag
			message = &tag
		}

		entries = append(entries, models.LedgerEntry{
			ID:        int64(tx.LogicalTime),
			Amount:    payment.Amount,
			Currency:  payment.Currency,
			Message:   message,
			AccountID: accountID,
			Direction: payment.Direction,
			Place:     models.ChannelTON,
			Completed: false,
			CreatedAt: tx.Now * 1000,
		})
	}

	if len(entries) == 0 {
		return nil
	}

	if err := s.store.InsertBatch(ctx, entries); err != nil {
		return err
	}

	s.logger.WithFields(logging.Fields{
		"entries":   len(entries),
		"watermark": watermark,
	}).Info("Recorded new chain payments")
	return nil
}
