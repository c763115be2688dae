package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"goldsettle/chain"
	"goldsettle/config"
	"goldsettle/ledger"
	"goldsettle/observability/logging"
	telemetry "goldsettle/observability/otel"
	"goldsettle/payout"
	"goldsettle/quote"
	"goldsettle/server"
	"goldsettle/settle"
	"goldsettle/swap"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to settled configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("GOLDSETTLE_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("settled: load config: %v", err)
	}

	var sink *logging.FileSink
	if strings.TrimSpace(cfg.Logging.FilePath) != "" {
		sink = &logging.FileSink{
			Path:       cfg.Logging.FilePath,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		}
	}
	logger := logging.Setup("settled", env, sink)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "settled",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("settled: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := ledger.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("settled: open ledger store: %v", err)
	}
	defer store.Close()

	client, err := chain.Dial(cfg.Chain.RPCEndpoint)
	if err != nil {
		log.Fatalf("settled: dial chain rpc: %v", err)
	}
	defer client.Close()

	keyHex, err := cfg.Chain.TreasuryKey()
	if err != nil {
		log.Fatalf("settled: resolve treasury key: %v", err)
	}
	treasury, err := chain.NewTreasuryWallet(client, keyHex, cfg.Chain.ChainID,
		cfg.Chain.ReceiptPoll.Duration, cfg.Chain.Confirmations)
	if err != nil {
		log.Fatalf("settled: treasury wallet: %v", err)
	}

	goldToken := common.HexToAddress(cfg.Tokens.Gold)
	stableToken := common.HexToAddress(cfg.Tokens.Stable)
	routerAddr := common.HexToAddress(cfg.Tokens.Router)
	quoterAddr := common.HexToAddress(cfg.Tokens.Quoter)

	engine := quote.NewEngine(client, quoterAddr,
		quote.WithDefaultSlippage(cfg.Quote.DefaultSlippageBps),
		quote.WithValidity(cfg.Quote.Validity.Duration))

	executor := swap.NewExecutor(client, routerAddr, cfg.Chain.GasCeilingGwei,
		swap.WithDeadlineWindow(cfg.Chain.SwapDeadline.Duration),
		swap.WithExecutorLogger(logger))

	payouts, err := payout.NewClient(cfg.Payout.BaseURL, cfg.Payout.APIKey,
		cfg.Payout.Currency, cfg.Payout.Timeout.Duration)
	if err != nil {
		log.Fatalf("settled: payout client: %v", err)
	}

	machine := settle.NewMachine(store, ledger.NewReconciler(store), executor, payouts,
		settle.TokenScales{
			GoldDecimals:   cfg.Tokens.GoldDecimals,
			StableDecimals: cfg.Tokens.StableDecimals,
		},
		settle.WithTreasuryWallet(treasury),
		settle.WithMachineLogger(logger))

	goldOracle := chain.NewBalanceOracle(client, goldToken, cfg.Tokens.GoldDecimals,
		chain.WithRetryPolicy(cfg.Chain.MaxBalanceRetry, cfg.Chain.BalanceRetryBase.Duration),
		chain.WithOracleLogger(logger))
	stableOracle := chain.NewBalanceOracle(client, stableToken, cfg.Tokens.StableDecimals,
		chain.WithRetryPolicy(cfg.Chain.MaxBalanceRetry, cfg.Chain.BalanceRetryBase.Duration),
		chain.WithOracleLogger(logger))

	dailyCap := decimal.Zero
	if raw := strings.TrimSpace(cfg.Settlement.DailyBuyCap); raw != "" {
		dailyCap, err = decimal.NewFromString(raw)
		if err != nil {
			log.Fatalf("settled: parse daily buy cap: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go machine.RunSweep(ctx, cfg.Settlement.SweepInterval.Duration, cfg.Settlement.StuckAge.Duration)

	// A standing one-unit sell quote backs the /v1/price reference feed.
	poller := quote.NewPoller(engine, cfg.Quote.PollInterval.Duration, logger)
	oneGold := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(cfg.Tokens.GoldDecimals)), nil)
	poller.Watch(ctx, quote.Request{
		TokenIn:     goldToken,
		TokenOut:    stableToken,
		AmountIn:    oneGold,
		SlippageBps: cfg.Quote.DefaultSlippageBps,
	}, nil)
	defer poller.Stop()

	api := server.New(ctx, store, machine, engine, treasury.Address(), goldOracle, stableOracle,
		server.Config{
			Tokens: server.Tokens{
				Gold:           goldToken,
				Stable:         stableToken,
				GoldDecimals:   cfg.Tokens.GoldDecimals,
				StableDecimals: cfg.Tokens.StableDecimals,
			},
			DailyBuyCap: dailyCap,
		}, logger,
		server.WithPriceSource(poller))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("settled listening",
		slog.String("addr", cfg.ListenAddress),
		slog.String("treasury", treasury.Address().Hex()))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("settled: http server: %v", err)
	}
}
