package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/polarpass/teller/internal/provisioner"
	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/models"
)

type fakeProvisioner struct {
	cred         *provisioner.Credential
	provisionErr error
	renewErr     error
	revokeErr    error

	provisioned int
	renewed     int
	revoked     int
}

func (f *fakeProvisioner) Provision(ctx context.Context, accountID string, tariff models.Tariff) (*provisioner.Credential, error) {
	f.provisioned++
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	return f.cred, nil
}

func (f *fakeProvisioner) Renew(ctx context.Context, key models.AccessKey, tariff models.Tariff) error {
	f.renewed++
	return f.renewErr
}

func (f *fakeProvisioner) Revoke(ctx context.Context, key models.AccessKey) error {
	f.revoked++
	return f.revokeErr
}

func newPurchaseFixture(t *testing.T) (*PurchaseService, sqlmock.Sqlmock, *fakeProvisioner) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	fake := &fakeProvisioner{cred: &provisioner.Credential{
		Key:      "vpn://abc",
		Protocol: models.ProtocolXray,
		Username: "client-1",
	}}
	sel := provisioner.NewSelector(models.ProtocolXray)
	sel.Register(models.ProtocolXray, fake)

	log := logging.NewLoggerWithService("purchase-test")
	return NewPurchaseService(mockDB, log, sel), mock, fake
}

func tariffRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "traffic_gb", "expiration_days", "price", "is_unlimited", "active"}).
		AddRow("tariff-1", "Monthly", 100, 30, int64(700), false, true)
}

func TestDiscountedPrice(t *testing.T) {
	tests := []struct {
		name  string
		price int64
		promo models.PromoCode
		want  int64
	}{
		{"half off", 700, models.PromoCode{DiscountPercent: 50}, 350},
		{"rounds to nearest", 333, models.PromoCode{DiscountPercent: 10}, 300},
		{"rounds the discount amount", 335, models.PromoCode{DiscountPercent: 10}, 301},
		{"free key ignores percent", 700, models.PromoCode{IsFreeKey: true, DiscountPercent: 10}, 0},
		{"full discount", 700, models.PromoCode{DiscountPercent: 100}, 0},
		{"no discount", 700, models.PromoCode{}, 700},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := discountedPrice(tt.price, tt.promo); got != tt.want {
				t.Errorf("discountedPrice(%d) = %d, want %d", tt.price, got, tt.want)
			}
		})
	}
}

func TestPurchaseSuccess(t *testing.T) {
	svc, mock, fake := newPurchaseFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM teller\.accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(1000)))
	mock.ExpectQuery(`FROM teller\.tariffs WHERE id = \$1 AND active = true`).
		WithArgs("tariff-1").
		WillReturnRows(tariffRow())
	mock.ExpectExec(`INSERT INTO teller\.access_keys`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// the debit id comes from the purchase sequence, not from the caller
	mock.ExpectExec(`VALUES \(nextval\('teller\.ledger_purchase_seq'\)`).
		WithArgs(float64(700), "RUB", "Monthly", "acct-1", "Debit", "purchase", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE teller\.accounts SET balance = balance - \$1`).
		WithArgs(int64(700), "acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result := svc.Purchase(context.Background(), PurchaseRequest{AccountID: "acct-1", TariffID: "tariff-1"})

	if result.Code != CodeOK {
		t.Fatalf("expected ok, got %s", result.Code)
	}
	if result.Price != 700 || result.Balance != 300 {
		t.Errorf("expected price 700 balance 300, got %d / %d", result.Price, result.Balance)
	}
	if result.Key == nil || result.Key.Key != "vpn://abc" {
		t.Errorf("expected provisioned key in result, got %+v", result.Key)
	}
	if fake.provisioned != 1 {
		t.Errorf("expected one provisioning call, got %d", fake.provisioned)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	svc, mock, fake := newPurchaseFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM teller\.accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(100)))
	mock.ExpectQuery(`FROM teller\.tariffs WHERE id = \$1 AND active = true`).
		WithArgs("tariff-1").
		WillReturnRows(tariffRow())
	mock.ExpectRollback()

	result := svc.Purchase(context.Background(), PurchaseRequest{AccountID: "acct-1", TariffID: "tariff-1"})

	if result.Code != CodeInsufficientFunds {
		t.Fatalf("expected insufficient_funds, got %s", result.Code)
	}
	if result.Price != 700 || result.Balance != 100 {
		t.Errorf("expected price 700 balance 100, got %d / %d", result.Price, result.Balance)
	}
	if fake.provisioned != 0 {
		t.Errorf("expected no provisioning call, got %d", fake.provisioned)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPurchaseFreeKeyPromo(t *testing.T) {
	svc, mock, fake := newPurchaseFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM teller\.accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(0)))
	mock.ExpectQuery(`FROM teller\.tariffs WHERE id = \$1 AND active = true`).
		WithArgs("tariff-1").
		WillReturnRows(tariffRow())
	mock.ExpectQuery(`FROM teller\.promocodes`).
		WithArgs("FREE2026").
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "discount_percent", "is_free_key"}).
			AddRow("promo-1", "FREE2026", 0, true))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM teller\.promocode_usages`).
		WithArgs("acct-1", "promo-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO teller\.access_keys`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// the debit entry is written with a zero amount and no balance update
	mock.ExpectExec(`INSERT INTO teller\.ledger`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO teller\.promocode_usages`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	result := svc.Purchase(context.Background(), PurchaseRequest{
		AccountID: "acct-1", TariffID: "tariff-1", PromoCode: "FREE2026",
	})

	if result.Code != CodeOK {
		t.Fatalf("expected ok, got %s", result.Code)
	}
	if result.Price != 0 {
		t.Errorf("expected zero price, got %d", result.Price)
	}
	if fake.provisioned != 1 {
		t.Errorf("expected one provisioning call, got %d", fake.provisioned)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPurchasePromoAlreadyUsed(t *testing.T) {
	svc, mock, fake := newPurchaseFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM teller\.accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(1000)))
	mock.ExpectQuery(`FROM teller\.tariffs WHERE id = \$1 AND active = true`).
		WithArgs("tariff-1").
		WillReturnRows(tariffRow())
	mock.ExpectQuery(`FROM teller\.promocodes`).
		WithArgs("HALF").
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "discount_percent", "is_free_key"}).
			AddRow("promo-1", "HALF", 50, false))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM teller\.promocode_usages`).
		WithArgs("acct-1", "promo-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	result := svc.Purchase(context.Background(), PurchaseRequest{
		AccountID: "acct-1", TariffID: "tariff-1", PromoCode: "HALF",
	})

	if result.Code != CodePromoAlreadyUsed {
		t.Fatalf("expected promo_already_used, got %s", result.Code)
	}
	if fake.provisioned != 0 {
		t.Errorf("expected no provisioning call, got %d", fake.provisioned)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPurchaseProvisioningFailureLeavesNoWrites(t *testing.T) {
	svc, mock, fake := newPurchaseFixture(t)
	fake.provisionErr = errors.New("ssh dial failed")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM teller\.accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(1000)))
	mock.ExpectQuery(`FROM teller\.tariffs WHERE id = \$1 AND active = true`).
		WithArgs("tariff-1").
		WillReturnRows(tariffRow())
	mock.ExpectRollback()

	result := svc.Purchase(context.Background(), PurchaseRequest{AccountID: "acct-1", TariffID: "tariff-1"})

	if result.Code != CodeProvisioningFailed {
		t.Fatalf("expected provisioning_failed, got %s", result.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPurchaseAccountNotFound(t *testing.T) {
	svc, mock, _ := newPurchaseFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM teller\.accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))
	mock.ExpectRollback()

	result := svc.Purchase(context.Background(), PurchaseRequest{AccountID: "nobody", TariffID: "tariff-1"})

	if result.Code != CodeAccountNotFound {
		t.Fatalf("expected account_not_found, got %s", result.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRenewSuccess(t *testing.T) {
	svc, mock, fake := newPurchaseFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM teller\.accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(1000)))
	mock.ExpectQuery(`FROM teller\.access_keys`).
		WithArgs("key-1", "acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "key", "protocol", "account_id", "tariff_id", "expiration_days", "expires_at", "status", "vpn_username"}).
			AddRow("key-1", "vpn://abc", "xray", "acct-1", "tariff-1", 30, time.Now(), "expired", "client-1"))
	mock.ExpectQuery(`FROM teller\.tariffs WHERE id = \$1`).
		WithArgs("tariff-1").
		WillReturnRows(tariffRow())
	mock.ExpectExec(`UPDATE teller\.access_keys SET expires_at = \$1, status = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO teller\.ledger`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE teller\.accounts SET balance = balance - \$1`).
		WithArgs(int64(700), "acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result := svc.Renew(context.Background(), RenewRequest{AccountID: "acct-1", KeyID: "key-1"})

	if result.Code != CodeOK {
		t.Fatalf("expected ok, got %s", result.Code)
	}
	if fake.renewed != 1 {
		t.Errorf("expected one renew call, got %d", fake.renewed)
	}
	if result.Key == nil || result.Key.Status != models.KeyStatusActive {
		t.Errorf("expected key to be active after renewal, got %+v", result.Key)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRenewRetiredTariffMissing(t *testing.T) {
	svc, mock, _ := newPurchaseFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM teller\.accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(1000)))
	mock.ExpectQuery(`FROM teller\.access_keys`).
		WithArgs("key-1", "acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "key", "protocol", "account_id", "tariff_id", "expiration_days", "expires_at", "status", "vpn_username"}).
			AddRow("key-1", "vpn://abc", "xray", "acct-1", "tariff-gone", 30, time.Now(), "active", "client-1"))
	mock.ExpectQuery(`FROM teller\.tariffs WHERE id = \$1`).
		WithArgs("tariff-gone").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "traffic_gb", "expiration_days", "price", "is_unlimited", "active"}))
	mock.ExpectRollback()

	result := svc.Renew(context.Background(), RenewRequest{AccountID: "acct-1", KeyID: "key-1"})

	if result.Code != CodeTariffMissing {
		t.Fatalf("expected tariff_missing, got %s", result.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPriceWithPromo(t *testing.T) {
	svc, mock, _ := newPurchaseFixture(t)

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM teller\.accounts`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`SELECT price FROM teller\.tariffs`).
		WithArgs("tariff-1").
		WillReturnRows(sqlmock.NewRows([]string{"price"}).AddRow(int64(700)))
	mock.ExpectQuery(`FROM teller\.promocodes`).
		WithArgs("HALF").
		WillReturnRows(sqlmock.NewRows([]string{"id", "discount_percent", "is_free_key"}).
			AddRow("promo-1", 50, false))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM teller\.promocode_usages`).
		WithArgs("acct-1", "promo-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	result := svc.PriceWithPromo(context.Background(), PriceRequest{
		AccountID: "acct-1", TariffID: "tariff-1", PromoCode: "HALF",
	})

	if result.Code != CodeOK || result.Price != 350 {
		t.Fatalf("expected ok with price 350, got %s / %d", result.Code, result.Price)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
