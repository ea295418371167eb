package handlers

import (
	"context"
	"database/sql"

	"github.com/polarpass/teller/internal/provisioner"
	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/models"
)

// SweepService expires overdue access keys. Revocation at the backend is
// best effort: a key whose revoke call fails is still marked expired, and
// the miss is logged for manual reconciliation because the sweep will not
// see that key again.
type SweepService struct {
	db           *sql.DB
	logger       logging.Logger
	provisioners *provisioner.Selector
}

// NewSweepService creates an expiry sweep service.
func NewSweepService(database *sql.DB, log logging.Logger, sel *provisioner.Selector) *SweepService {
	return &SweepService{db: database, logger: log, provisioners: sel}
}

// SweepExpired marks every overdue active key expired, revoking it at the
// provisioning backend first.
func (sw *SweepService) SweepExpired(ctx context.Context) error {
	rows, err := sw.db.QueryContext(ctx, `
		SELECT id, key, protocol, account_id, server_id, tariff_id, vpn_username
		FROM teller.access_keys
		WHERE status = $1 AND expires_at <= NOW()
	`, models.KeyStatusActive)
	if err != nil {
		return err
	}
	defer rows.Close()

	var expired []models.AccessKey
	for rows.Next() {
		var key models.AccessKey
		if err := rows.Scan(&key.ID, &key.Key, &key.Protocol, &key.AccountID,
			&key.ServerID, &key.TariffID, &key.VPNUsername); err != nil {
			sw.logger.WithError(err).Error("Failed to scan expired key")
			continue
		}
		expired = append(expired, key)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, key := range expired {
		sw.revokeAndExpire(ctx, key)
	}
	return nil
}

func (sw *SweepService) revokeAndExpire(ctx context.Context, key models.AccessKey) {
	prov, err := sw.provisioners.For(key.Protocol)
	if err == nil {
		err = prov.Revoke(ctx, key)
	}
	if err != nil {
		sw.logger.WithError(err).WithFields(logging.Fields{
			"key_id":         key.ID,
			"vpn_username":   key.VPNUsername,
			"revoke_skipped": true,
		}).Error("Failed to revoke expired key at backend")
	}

	if _, err := sw.db.ExecContext(ctx, `
		UPDATE teller.access_keys SET status = $1 WHERE id = $2
	`, models.KeyStatusExpired, key.ID); err != nil {
		sw.logger.WithError(err).WithField("key_id", key.ID).Error("Failed to mark key expired")
		return
	}

	sw.logger.WithFields(logging.Fields{
		"key_id":     key.ID,
		"account_id": key.AccountID,
	}).Info("Expired access key")
}
