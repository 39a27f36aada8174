package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rcnfinance/rcn-network-sub002/config"
	"github.com/rcnfinance/rcn-network-sub002/core/events"
	"github.com/rcnfinance/rcn-network-sub002/crypto"
	"github.com/rcnfinance/rcn-network-sub002/native/collateral"
	"github.com/rcnfinance/rcn-network-sub002/native/debt"
	"github.com/rcnfinance/rcn-network-sub002/native/loans"
	"github.com/rcnfinance/rcn-network-sub002/native/registry"
	"github.com/rcnfinance/rcn-network-sub002/observability/logging"
	"github.com/rcnfinance/rcn-network-sub002/state"
	"github.com/rcnfinance/rcn-network-sub002/storage"
)

// moduleAddress derives a stable vault address for a named component so the
// engine accounts survive restarts without a key ceremony.
func moduleAddress(name string) crypto.Address {
	digest := crypto.Keccak256([]byte("rcnsettled/module/"), []byte(name))
	var addr crypto.Address
	copy(addr[:], digest[12:])
	return addr
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flushInterval := flag.Duration("flush-interval", time.Minute, "How often the settlement state is flushed to disk")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RCN_ENV"))
	logger := logging.Setup("rcnsettled", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	manager := state.NewManager()
	if err := manager.Load(db); err != nil {
		logger.Error("Failed to restore settlement state", slog.Any("error", err))
		os.Exit(1)
	}

	emitter := events.NewLogEmitter(logger)
	effortBudget := time.Duration(cfg.EffortBudgetMillis) * time.Millisecond

	debtAddr := moduleAddress("debt-vault")
	loansAddr := moduleAddress("loans")
	collateralAddr := moduleAddress("collateral-vault")
	auctionAddr := moduleAddress("auction")

	debtRegistry := registry.NewLedger("debts", manager)
	entryRegistry := registry.NewLedger("collateral-entries", manager)

	ledger := debt.NewEngine(debtAddr, cfg.LendingToken)
	ledger.SetState(manager)
	ledger.SetRegistry(debtRegistry)
	ledger.SetEmitter(emitter)
	ledger.SetEffortBudget(effortBudget)
	ledger.SetNegotiator(loansAddr)

	negotiation := loans.NewEngine(loansAddr, ledger)
	negotiation.SetState(manager)
	negotiation.SetEmitter(emitter)
	negotiation.SetEffortBudget(effortBudget)

	vault := collateral.NewEngine(collateralAddr, ledger)
	vault.SetState(manager)
	vault.SetRegistry(entryRegistry)
	vault.SetEmitter(emitter)
	vault.SetEffortBudget(effortBudget)
	vault.SetNegotiator(loansAddr)
	vault.SetAuction(auctionAddr)
	vault.SetFees(cfg.BurnFeeBps, cfg.RewardFeeBps)
	if strings.TrimSpace(cfg.BurnAddress) != "" {
		burn, err := crypto.DecodeAddress(cfg.BurnAddress)
		if err != nil {
			logger.Error("Failed to decode burn address", slog.Any("error", err))
			os.Exit(1)
		}
		vault.SetBurnAddress(burn)
	}
	negotiation.RegisterCosigner(collateralAddr, vault)

	auctioneer := collateral.NewAuctionEngine(auctionAddr, vault)
	auctioneer.SetWindows(
		time.Duration(cfg.AuctionToMarketSeconds)*time.Second,
		time.Duration(cfg.AuctionWindowSeconds)*time.Second,
	)

	logger.Info("settlement engines ready",
		slog.String("lending_token", cfg.LendingToken),
		slog.String("debt_vault", debtAddr.String()),
		slog.String("collateral_vault", collateralAddr.String()),
		slog.String("data_dir", cfg.DataDir),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(*flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := manager.Flush(db); err != nil {
				logger.Error("Periodic state flush failed", slog.Any("error", err))
			}
		case sig := <-sigCh:
			logger.Info("shutting down", slog.String("signal", sig.String()))
			if err := manager.Flush(db); err != nil {
				logger.Error("Final state flush failed", slog.Any("error", err))
				os.Exit(1)
			}
			return
		}
	}
}
