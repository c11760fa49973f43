package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crosslend/config"
	"crosslend/core"
	"crosslend/core/state"
	"crosslend/crosschain"
	"crosslend/crypto"
	"crosslend/gateway/middleware"
	"crosslend/gateway/routes"
	"crosslend/native/auction"
	nativecommon "crosslend/native/common"
	"crosslend/native/creditscore"
	"crosslend/native/lending"
	"crosslend/native/oracle"
	"crosslend/observability/logging"
	"crosslend/storage"
)

const envEnv = "LENDHUB_ENV"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envEnv))
	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	var fileOpts *logging.FileOptions
	if cfg.LogFile != "" {
		fileOpts = &logging.FileOptions{
			Path:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		}
	}
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.SetupWithFile("lendhubd", env, fileOpts)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	moduleAddr, err := resolveModuleAddress(cfg.ModuleAddress)
	if err != nil {
		logger.Error("Failed to resolve module address", slog.Any("error", err))
		os.Exit(1)
	}

	manager := state.NewManager(db)
	scorer := creditscore.NewEngine(manager)
	pauses := nativecommon.NewSwitchboard()

	ledger := lending.NewEngine(cfg.HubSiteID, moduleAddr, lending.Params{
		MinLoan:         new(big.Int).Mul(big.NewInt(cfg.Lending.MinLoanUSD), big.NewInt(1_000_000)),
		LoanTermSeconds: cfg.Lending.LoanTermDays * 24 * 3600,
	})
	ledger.SetState(lending.NewState(manager))
	ledger.SetCreditScorer(scorer)
	ledger.SetPauses(pauses)

	if cfg.VaultRegistryPath != "" {
		registry, err := config.LoadRegistry(cfg.VaultRegistryPath)
		if err != nil {
			logger.Error("Failed to load vault registry", slog.Any("error", err))
			os.Exit(1)
		}
		for _, entry := range registry.Vaults {
			vaultAddr, err := crypto.DecodeAddress(entry.Address)
			if err != nil {
				logger.Error("Bad vault address in registry", slog.String("address", entry.Address), slog.Any("error", err))
				os.Exit(1)
			}
			ledger.RegisterVault(entry.Site, vaultAddr)
		}
		for _, asset := range registry.Assets {
			ledger.RegisterAssetDecimals(asset.Symbol, asset.Decimals)
		}
	}

	router := crosschain.NewRouter(nil)
	ledger.SetOutbox(crosschain.NewOutbox(router, nil))

	auctions := auction.NewEngine(auction.Params{
		HealthThresholdBps: cfg.Auction.HealthThresholdBps,
		DurationSeconds:    cfg.Auction.DurationSeconds,
		FloorBps:           cfg.Auction.FloorBps,
	})
	auctions.SetState(auction.NewState(manager))
	auctions.SetLedger(ledger)
	auctions.SetScorekeeper(scorer)
	auctions.SetPauses(pauses)

	priceAdapter := oracle.NewAdapter(nil,
		time.Duration(cfg.Oracle.MaxPriceAgeSeconds)*time.Second,
		cfg.Oracle.MaxConfidenceBps)
	ledger.SetPriceSource(priceAdapter)

	hub := core.NewHub(ledger, scorer, auctions, priceAdapter, logger)
	hub.SetQuota(nativecommon.Quota{
		MaxRequestsPerEpoch: cfg.Quota.MaxRequestsPerEpoch,
		MaxVolumePerEpoch:   cfg.Quota.MaxVolumePerEpoch,
		EpochSeconds:        cfg.Quota.EpochSeconds,
	})
	router.Register(cfg.HubSiteID, hub)

	jwtSecret := os.Getenv(cfg.JWTSecretEnv)
	if cfg.JWTSecretEnv != "" {
		logger.Info("bearer auth enabled",
			slog.String("env", cfg.JWTSecretEnv),
			logging.MaskField("secret", jwtSecret))
	}
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.JWTSecretEnv != "",
		HMACSecret: jwtSecret,
		ClockSkew:  30 * time.Second,
	}, log.Default())
	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
		Burst:             cfg.Gateway.Burst,
	}, log.Default())

	handler := routes.New(routes.Config{
		Hub:           hub,
		Authenticator: auth,
		RateLimiter:   limiter,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", slog.String("address", cfg.ListenAddress))
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("gateway failed", slog.Any("error", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
}

// resolveModuleAddress parses the configured bech32 module address, minting a
// fresh one when the config leaves it empty.
func resolveModuleAddress(configured string) (crypto.Address, error) {
	if strings.TrimSpace(configured) != "" {
		return crypto.DecodeAddress(configured)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return crypto.Address{}, err
	}
	return key.PubKey().Address(), nil
}
