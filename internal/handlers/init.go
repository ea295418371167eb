package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/polarpass/teller/internal/provisioner"
	"github.com/polarpass/teller/internal/yookassa"
	"github.com/polarpass/teller/internal/yoomoney"
	"github.com/polarpass/teller/pkg/logging"
)

var (
	db             *sql.DB
	logger         logging.Logger
	metrics        *TellerMetrics
	provisioners   *provisioner.Selector
	purchases      *PurchaseService
	rateOracle     *RateOracle
	yookassaClient *yookassa.Client
	yoomoneyClient *yoomoney.Client
)

// TellerMetrics holds all Prometheus metrics for Teller
type TellerMetrics struct {
	PaymentsRecorded   *prometheus.CounterVec
	SettlementRuns     *prometheus.CounterVec
	PurchaseOperations *prometheus.CounterVec
	KeysSwept          *prometheus.CounterVec
	RateRefreshes      *prometheus.CounterVec
	DBQueries          *prometheus.CounterVec
	DBDuration         *prometheus.HistogramVec
	DBConnections      *prometheus.GaugeVec
}

// Init initializes the handlers with database, logger, metrics, the
// provisioner selector shared by purchase, renewal and the expiry sweep,
// and the gateway clients behind the topup endpoints.
func Init(database *sql.DB, log logging.Logger, tellerMetrics *TellerMetrics, sel *provisioner.Selector, yk *yookassa.Client, ym *yoomoney.Client) {
	db = database
	logger = log
	metrics = tellerMetrics
	provisioners = sel
	purchases = NewPurchaseService(database, log, sel)
	rateOracle = NewRateOracle(database, log)
	yookassaClient = yk
	yoomoneyClient = ym
}
