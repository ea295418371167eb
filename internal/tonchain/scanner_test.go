package tonchain

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/polarpass/teller/internal/ledger"
	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/models"
)

func chainAPIStub(t *testing.T, txJSON string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/getTransactions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ok": true, "result": [%s]}`, txJSON)
	}))
}

func newTestScanner(t *testing.T, client *Client, db *sql.DB, log logging.Logger) *Scanner {
	t.Helper()
	scanner, err := NewScanner(client, ledger.NewStore(db), log, testWallet)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	return scanner
}

func TestScanInsertsNewPayments(t *testing.T) {
	boc := base64.StdEncoding.EncodeToString(jettonTransfer(t, 1_500_000, testWallet, textComment(t, "acct-1")).ToBOC())
	srv := chainAPIStub(t, fmt.Sprintf(`{
		"transaction_id": {"lt": "200", "hash": "h1"},
		"utime": 1700000000,
		"in_msg": {
			"source": %q, "destination": %q, "value": "0",
			"msg_data": {"@type": "msg.dataRaw", "body": %q}
		},
		"out_msgs": []
	}`, foreignWallet, testWallet, boc))
	defer srv.Close()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(id\\), 0\\) FROM teller.ledger").
		WithArgs(models.ChannelTON).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(100))
	mock.ExpectQuery("SELECT id FROM teller.accounts").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acct-1"))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO teller.ledger").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	log := logging.NewLogger()
	client := NewClient(ClientConfig{BaseURL: srv.URL, Logger: log})
	scanner := newTestScanner(t, client, db, log)

	if err := scanner.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestScanRespectsWatermark(t *testing.T) {
	srv := chainAPIStub(t, fmt.Sprintf(`{
		"transaction_id": {"lt": "90", "hash": "h1"},
		"utime": 1700000000,
		"in_msg": {
			"source": %q, "destination": %q, "value": "5000000000",
			"msg_data": {"@type": "msg.dataText", "text": "YWNjdC0x"}
		},
		"out_msgs": []
	}`, foreignWallet, testWallet))
	defer srv.Close()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// lt 90 is at or below the watermark, nothing gets written
	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(id\\), 0\\) FROM teller.ledger").
		WithArgs(models.ChannelTON).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(100))

	log := logging.NewLogger()
	client := NewClient(ClientConfig{BaseURL: srv.URL, Logger: log})
	scanner := newTestScanner(t, client, db, log)

	if err := scanner.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestScanRecordsUnresolvedTag(t *testing.T) {
	srv := chainAPIStub(t, fmt.Sprintf(`{
		"transaction_id": {"lt": "200", "hash": "h1"},
		"utime": 1700000000,
		"in_msg": {
			"source": %q, "destination": %q, "value": "5000000000",
			"msg_data": {"@type": "msg.dataText", "text": "bm8tc3VjaA=="}
		},
		"out_msgs": []
	}`, foreignWallet, testWallet))
	defer srv.Close()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(id\\), 0\\) FROM teller.ledger").
		WithArgs(models.ChannelTON).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectQuery("SELECT id FROM teller.accounts").
		WithArgs("no-such").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO teller.ledger").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	log := logging.NewLogger()
	client := NewClient(ClientConfig{BaseURL: srv.URL, Logger: log})
	scanner := newTestScanner(t, client, db, log)

	if err := scanner.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestScanKeepsTransactionWithBadCompanionMessage(t *testing.T) {
	srv := chainAPIStub(t, fmt.Sprintf(`{
		"transaction_id": {"lt": "400", "hash": "h3"},
		"utime": 1700000200,
		"in_msg": {
			"source": %q, "destination": %q, "value": "5000000000",
			"msg_data": {"@type": "msg.dataText", "text": "YWNjdC0x"}
		},
		"out_msgs": [{
			"source": %q, "destination": %q, "value": "0",
			"msg_data": {"@type": "msg.dataRaw", "body": "not base64!"}
		}]
	}`, foreignWallet, testWallet, testWallet, foreignWallet))
	defer srv.Close()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(id\\), 0\\) FROM teller.ledger").
		WithArgs(models.ChannelTON).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectQuery("SELECT id FROM teller.accounts").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acct-1"))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO teller.ledger").
		WithArgs(int64(400), float64(5), "TON", "acct-1", "acct-1", "Credit", "ton", false, int64(1700000200000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	log := logging.NewLogger()
	client := NewClient(ClientConfig{BaseURL: srv.URL, Logger: log})
	scanner := newTestScanner(t, client, db, log)

	if err := scanner.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestScanRecordsOutgoingTransferAsDebit(t *testing.T) {
	srv := chainAPIStub(t, fmt.Sprintf(`{
		"transaction_id": {"lt": "300", "hash": "h2"},
		"utime": 1700000100,
		"in_msg": {
			"source": "", "destination": %q, "value": "0",
			"msg_data": {"@type": "msg.dataRaw", "body": ""}
		},
		"out_msgs": [{
			"source": %q, "destination": %q, "value": "2000000000",
			"msg_data": {"@type": "msg.dataRaw", "body": ""}
		}]
	}`, testWallet, testWallet, foreignWallet))
	defer srv.Close()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(id\\), 0\\) FROM teller.ledger").
		WithArgs(models.ChannelTON).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO teller.ledger").
		WithArgs(int64(300), float64(2), "TON", nil, nil, "Debit", "ton", false, int64(1700000100000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	log := logging.NewLogger()
	client := NewClient(ClientConfig{BaseURL: srv.URL, Logger: log})
	scanner := newTestScanner(t, client, db, log)

	if err := scanner.Scan(context.Background()); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
