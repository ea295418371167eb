package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/polarpass/teller/internal/provisioner"
	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/models"
)

func newSweepFixture(t *testing.T) (*SweepService, sqlmock.Sqlmock, *fakeProvisioner) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	fake := &fakeProvisioner{}
	sel := provisioner.NewSelector(models.ProtocolXray)
	sel.Register(models.ProtocolXray, fake)

	return NewSweepService(mockDB, logging.NewLoggerWithService("sweep-test"), sel), mock, fake
}

func expiredKeyRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "key", "protocol", "account_id", "server_id", "tariff_id", "vpn_username"})
}

func TestSweepExpiredRevokesAndMarks(t *testing.T) {
	svc, mock, fake := newSweepFixture(t)

	mock.ExpectQuery(`FROM teller\.access_keys`).
		WithArgs("active").
		WillReturnRows(expiredKeyRows().
			AddRow("key-1", "vpn://a", "xray", "acct-1", nil, "tariff-1", "client-1").
			AddRow("key-2", "vpn://b", "xray", "acct-2", nil, "tariff-1", "client-2"))
	mock.ExpectExec(`UPDATE teller\.access_keys SET status = \$1`).
		WithArgs("expired", "key-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE teller\.access_keys SET status = \$1`).
		WithArgs("expired", "key-2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := svc.SweepExpired(context.Background()); err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if fake.revoked != 2 {
		t.Errorf("expected two revoke calls, got %d", fake.revoked)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSweepExpiresEvenWhenRevokeFails(t *testing.T) {
	svc, mock, fake := newSweepFixture(t)
	fake.revokeErr = errors.New("backend unreachable")

	mock.ExpectQuery(`FROM teller\.access_keys`).
		WithArgs("active").
		WillReturnRows(expiredKeyRows().
			AddRow("key-1", "vpn://a", "xray", "acct-1", nil, "tariff-1", "client-1"))
	mock.ExpectExec(`UPDATE teller\.access_keys SET status = \$1`).
		WithArgs("expired", "key-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := svc.SweepExpired(context.Background()); err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSweepNothingExpired(t *testing.T) {
	svc, mock, fake := newSweepFixture(t)

	mock.ExpectQuery(`FROM teller\.access_keys`).
		WithArgs("active").
		WillReturnRows(expiredKeyRows())

	if err := svc.SweepExpired(context.Background()); err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if fake.revoked != 0 {
		t.Errorf("expected no revoke calls, got %d", fake.revoked)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
