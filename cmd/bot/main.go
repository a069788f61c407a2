// Command bot runs the Premium Pilot assistant: the Telegram command
// listener, the price stream, the report scheduler and the status dashboard,
// all sharing one JSON position store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	botcmd "github.com/premiumpilot/bot/internal/bot"
	"github.com/premiumpilot/bot/internal/config"
	"github.com/premiumpilot/bot/internal/dashboard"
	"github.com/premiumpilot/bot/internal/decision"
	"github.com/premiumpilot/bot/internal/marketdata"
	"github.com/premiumpilot/bot/internal/report"
	"github.com/premiumpilot/bot/internal/retry"
	"github.com/premiumpilot/bot/internal/sched"
	"github.com/premiumpilot/bot/internal/storage"
	"github.com/premiumpilot/bot/internal/stream"
	"github.com/premiumpilot/bot/internal/telegram"
	"github.com/premiumpilot/bot/internal/tradelog"
)

const defaultFeedURL = "wss://ws.eodhistoricaldata.com/ws/us"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)
	logger.Println("Starting Premium Pilot")

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Bot stopped successfully")
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc := cfg.Location()

	st := storage.NewStorage(cfg.Storage.Path)
	cache := stream.NewPriceCache()

	quotes := marketdata.NewCircuitBreakerProvider(
		retry.NewProvider(
			marketdata.NewClient(cfg.MarketData.APIKey, cfg.MarketData.BaseURL), logger))

	profitTarget, btcMaxDTE, strikeProximity := cfg.DecisionRules()
	rules := decision.Rules{
		ProfitTargetPct:    profitTarget,
		BTCMaxDTE:          btcMaxDTE,
		StrikeProximityPct: strikeProximity,
	}

	trades, err := tradelog.New(cfg.TradeLog.Dir, loc, logger)
	if err != nil {
		return fmt.Errorf("trade log init: %w", err)
	}

	streamClient := stream.NewClient(feedURL(cfg), st, cache, logger)
	st.OnChange(streamClient.RequestResubscribe)

	builder := report.NewBuilder(st, cache, quotes, rules, loc)
	tg := telegram.NewClient(cfg.Telegram.BotToken, "")
	dispatcher := report.NewDispatcher(builder, st, tg, cfg.Telegram.PublicChatID, logger)
	handler := botcmd.NewHandler(st, trades, builder, dispatcher, tg, logger)
	listener := telegram.NewListener(tg, handler, logger)

	scheduler := sched.New(logger, time.Minute)
	eodHour, eodMinute := cfg.EODClock()
	scheduler.Add(&sched.Job{
		Name: "eod_report",
		Due:  sched.DailyAt(loc, eodHour, eodMinute),
		Run:  dispatcher.DispatchEOD,
	})
	scheduler.Add(&sched.Job{
		Name: "intraday_alerts",
		Due:  sched.Every(loc, cfg.AlertInterval(), cfg.IsMarketHours),
		Run:  dispatcher.CheckIntradayAlerts,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return streamClient.Run(ctx) })
	g.Go(func() error { return listener.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })

	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
			dashLogger.SetLevel(level)
		}
		server := dashboard.NewServer(dashboard.Config{
			ListenAddr: cfg.Dashboard.ListenAddr,
			AuthToken:  cfg.Dashboard.AuthToken,
			MarketOpen: cfg.IsMarketHours,
		}, st, cache, streamClient, dashLogger)

		g.Go(func() error {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	logger.Println("All components started")
	return g.Wait()
}

// feedURL builds the websocket feed URL with the API token attached.
func feedURL(cfg *config.Config) string {
	base := cfg.MarketData.WSURL
	if base == "" {
		base = defaultFeedURL
	}
	return fmt.Sprintf("%s?api_token=%s", base, cfg.MarketData.APIKey)
}
