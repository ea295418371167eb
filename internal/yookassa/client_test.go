package yookassa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/polarpass/teller/internal/ledger"
	"github.com/polarpass/teller/pkg/logging"
)

func newTestClient(t *testing.T, baseURL string) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	client := NewClient(db, Config{
		ShopID:    "shop-1",
		SecretKey: "secret-1",
		ReturnURL: "https://t.me/polarpass_bot",
		Logger:    logging.NewLoggerWithService("yookassa-test"),
	})
	if baseURL != "" {
		client.baseURL = baseURL
	}
	return client, mock
}

func TestCreatePayment(t *testing.T) {
	var gotAuth, gotIdemKey string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v3/payments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotIdemKey = r.Header.Get("Idempotence-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "pay-123",
			"status": "pending",
			"confirmation": map[string]string{
				"type":             "redirect",
				"confirmation_url": "https://yookassa.example/confirm/pay-123",
			},
		})
	}))
	defer srv.Close()

	client, mock := newTestClient(t, srv.URL)

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM teller\.accounts WHERE id = \$1\)`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`INSERT INTO teller\.gateway_payments`).
		WithArgs(sqlmock.AnyArg(), "acct-1", "yookassa", "pay-123", int64(500), "pending",
			"https://yookassa.example/confirm/pay-123").
		WillReturnResult(sqlmock.NewResult(1, 1))

	gp, err := client.CreatePayment(context.Background(), "acct-1", 500)
	if err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}
	if gp.Label != "pay-123" {
		t.Errorf("expected label pay-123, got %s", gp.Label)
	}
	if gp.PaymentURL != "https://yookassa.example/confirm/pay-123" {
		t.Errorf("unexpected payment URL %s", gp.PaymentURL)
	}

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("shop-1:secret-1"))
	if gotAuth != wantAuth {
		t.Errorf("expected auth %q, got %q", wantAuth, gotAuth)
	}
	if gotIdemKey == "" {
		t.Error("expected Idempotence-Key header to be set")
	}
	amount, ok := gotBody["amount"].(map[string]interface{})
	if !ok || amount["value"] != "500.00" || amount["currency"] != "RUB" {
		t.Errorf("unexpected amount in request body: %v", gotBody["amount"])
	}
	if gotBody["capture"] != true {
		t.Error("expected capture to be true")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreatePaymentAccountMissing(t *testing.T) {
	client, mock := newTestClient(t, "")

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM teller\.accounts WHERE id = \$1\)`).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	if _, err := client.CreatePayment(context.Background(), "nobody", 100); err == nil {
		t.Fatal("expected error for unknown account")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestHandleWebhookSettlesPending(t *testing.T) {
	client, mock := newTestClient(t, "")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, account_id, amount, status FROM teller\.gateway_payments`).
		WithArgs("pay-123", "yookassa").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "amount", "status"}).
			AddRow("gp-1", "acct-1", int64(500), "pending"))
	mock.ExpectExec(`UPDATE teller\.accounts SET balance = balance \+ \$1`).
		WithArgs(int64(500), "acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO teller\.ledger`).
		WithArgs(ledger.ExternalID("pay-123"), float64(500), "RUB", "pay-123", "acct-1",
			"Credit", "yookassa", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE teller\.gateway_payments SET status = \$1`).
		WithArgs("paid", "gp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payload := WebhookPayload{Event: "payment.succeeded"}
	payload.Object.ID = "pay-123"
	payload.Object.Status = "succeeded"

	if err := client.HandleWebhook(context.Background(), payload); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestHandleWebhookDuplicateIsNoop(t *testing.T) {
	client, mock := newTestClient(t, "")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, account_id, amount, status FROM teller\.gateway_payments`).
		WithArgs("pay-123", "yookassa").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "amount", "status"}).
			AddRow("gp-1", "acct-1", int64(500), "paid"))
	mock.ExpectRollback()

	payload := WebhookPayload{Event: "payment.succeeded"}
	payload.Object.ID = "pay-123"
	payload.Object.Status = "succeeded"

	if err := client.HandleWebhook(context.Background(), payload); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestHandleWebhookIgnoresOtherEvents(t *testing.T) {
	client, mock := newTestClient(t, "")

	payload := WebhookPayload{Event: "payment.canceled"}
	payload.Object.ID = "pay-123"
	payload.Object.Status = "canceled"

	if err := client.HandleWebhook(context.Background(), payload); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
