package handlers

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/polarpass/teller/internal/ledger"
	"github.com/polarpass/teller/internal/tbank"
	"github.com/polarpass/teller/internal/tonchain"
	"github.com/polarpass/teller/internal/yoomoney"
	"github.com/polarpass/teller/pkg/config"
	"github.com/polarpass/teller/pkg/logging"
)

// JobManager runs the background loops: channel scanners, rate refresh,
// settlement and the expiry sweep.
type JobManager struct {
	db           *sql.DB
	logger       logging.Logger
	chainScanner *tonchain.Scanner
	bankScanner  *tbank.Scanner
	settlement   *SettlementEngine
	sweep        *SweepService
	wallet       *yoomoney.Client
	stopCh       chan struct{}
}

// NewJobManager creates a job manager. The ton channel scanner is only
// wired when TON_WALLET is set, the bank scanner always runs and fails
// soft until a session is stored.
func NewJobManager(database *sql.DB, log logging.Logger) *JobManager {
	store := ledger.NewStore(database)

	var chainScanner *tonchain.Scanner
	if wallet := config.GetEnv("TON_WALLET", ""); wallet != "" {
		client := tonchain.NewClient(tonchain.ClientConfig{
			BaseURL: config.GetEnv("TON_API_URL", ""),
			APIKey:  config.GetEnv("TON_API_KEY", ""),
			Logger:  log,
		})
		scanner, err := tonchain.NewScanner(client, store, log, wallet)
		if err != nil {
			log.WithError(err).Error("Invalid TON_WALLET, chain scanner disabled")
		} else {
			chainScanner = scanner
		}
	} else {
		log.Warn("TON_WALLET not set, chain scanner disabled")
	}

	bonusPercent, err := strconv.ParseFloat(config.GetEnv("SETTLE_BONUS_PERCENT", "0"), 64)
	if err != nil {
		log.WithError(err).Warn("Invalid SETTLE_BONUS_PERCENT, using 0")
		bonusPercent = 0
	}

	return &JobManager{
		db:           database,
		logger:       log,
		chainScanner: chainScanner,
		bankScanner:  tbank.NewScanner(tbank.NewClient(database, log), store, log),
		settlement:   NewSettlementEngine(database, log, rateOracle, bonusPercent),
		sweep:        NewSweepService(database, log, provisioners),
		wallet:       yoomoneyClient,
		stopCh:       make(chan struct{}),
	}
}

// Start begins all background jobs.
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting job manager")

	if jm.chainScanner != nil {
		go jm.runChainScan(ctx)
	}
	go jm.runBankScan(ctx)
	go jm.runRateRefresh(ctx)
	go jm.runSettlement(ctx)
	go jm.runSweep(ctx)
	if jm.wallet != nil && jm.wallet.Configured() {
		go jm.runWalletPoll(ctx)
	}
}

// Stop stops all background jobs.
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping job manager")
	close(jm.stopCh)
}

func (jm *JobManager) runChainScan(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	jm.logger.Info("Starting chain scan job")
	jm.scanChain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.scanChain(ctx)
		}
	}
}

func (jm *JobManager) scanChain(ctx context.Context) {
	if err := jm.chainScanner.Scan(ctx); err != nil {
		jm.logger.WithError(err).Error("Chain scan failed")
		return
	}
	if metrics != nil {
		metrics.PaymentsRecorded.WithLabelValues("ton").Inc()
	}
}

func (jm *JobManager) runBankScan(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	jm.logger.Info("Starting bank scan job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			if err := jm.bankScanner.Scan(ctx); err != nil {
				jm.logger.WithError(err).Warn("Bank scan failed")
				continue
			}
			if metrics != nil {
				metrics.PaymentsRecorded.WithLabelValues("t_bank").Inc()
			}
		}
	}
}

func (jm *JobManager) runRateRefresh(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	jm.logger.Info("Starting rate refresh job")
	jm.refreshRates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.refreshRates(ctx)
		}
	}
}

func (jm *JobManager) refreshRates(ctx context.Context) {
	if err := rateOracle.RefreshRates(ctx); err != nil {
		jm.logger.WithError(err).Error("Rate refresh failed")
		if metrics != nil {
			metrics.RateRefreshes.WithLabelValues("error").Inc()
		}
		return
	}
	if metrics != nil {
		metrics.RateRefreshes.WithLabelValues("ok").Inc()
	}
}

func (jm *JobManager) runSettlement(ctx context.Context) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	jm.logger.Info("Starting settlement job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			if err := jm.settlement.RunSettlement(ctx); err != nil {
				jm.logger.WithError(err).Error("Settlement run failed")
				if metrics != nil {
					metrics.SettlementRuns.WithLabelValues("error").Inc()
				}
				continue
			}
			if metrics != nil {
				metrics.SettlementRuns.WithLabelValues("ok").Inc()
			}
		}
	}
}

func (jm *JobManager) runSweep(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	jm.logger.Info("Starting expiry sweep job")
	jm.sweepExpired(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.sweepExpired(ctx)
		}
	}
}

func (jm *JobManager) sweepExpired(ctx context.Context) {
	if err := jm.sweep.SweepExpired(ctx); err != nil {
		jm.logger.WithError(err).Error("Expiry sweep failed")
		return
	}
	if metrics != nil {
		metrics.KeysSwept.WithLabelValues("ok").Inc()
	}
}

func (jm *JobManager) runWalletPoll(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	jm.logger.Info("Starting wallet history job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			if err := jm.wallet.Poll(ctx); err != nil {
				jm.logger.WithError(err).Error("Wallet history poll failed")
				continue
			}
			if metrics != nil {
				metrics.PaymentsRecorded.WithLabelValues("yoomoney").Inc()
			}
		}
	}
}
