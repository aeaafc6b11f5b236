package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nexus-trading/launchguard/internal/adapters/jupiter"
	"github.com/nexus-trading/launchguard/internal/audit"
	"github.com/nexus-trading/launchguard/internal/bus"
	"github.com/nexus-trading/launchguard/internal/clickhouse"
	"github.com/nexus-trading/launchguard/internal/config"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/nexus-trading/launchguard/internal/execution"
	"github.com/nexus-trading/launchguard/internal/feed"
	"github.com/nexus-trading/launchguard/internal/ledger"
	"github.com/nexus-trading/launchguard/internal/notify"
	"github.com/nexus-trading/launchguard/internal/observability"
	"github.com/nexus-trading/launchguard/internal/risk"
	"github.com/nexus-trading/launchguard/internal/safety"
	"github.com/nexus-trading/launchguard/internal/scanner"
	"github.com/nexus-trading/launchguard/internal/sniper"
	"github.com/nexus-trading/launchguard/internal/solana"
	"github.com/nexus-trading/launchguard/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file (.yaml or .toml)")
	watch := flag.Bool("watch", true, "Reload filter thresholds when the config file changes")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Bool("trading", cfg.Trading.Enabled).
		Str("mode", string(cfg.Trading.Mode)).
		Float64("amount_sol", cfg.Trading.AmountSOL).
		Float64("max_position_sol", cfg.Trading.MaxPositionSOL).
		Str("store", cfg.Store.Driver).
		Str("dedup", cfg.Engine.DedupBackend).
		Msg("launchguard: starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("launchguard: shutdown signal received")
		cancel()
	}()

	health := observability.NewHealthMonitor(15*time.Second, 3*time.Second)

	// 4. Persistence. A store that cannot be opened degrades to memory.
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		log.Warn().Err(err).Str("driver", cfg.Store.Driver).Msg("launchguard: store unavailable, running in-memory only")
		st, _ = store.Open(ctx, config.StoreConfig{Driver: "memory"})
	}
	defer st.Close()
	health.Register("store", observability.PingCheck(st))

	// 5. Solana RPC, Jupiter and the price source.
	rpc := solana.NewLiveRPCClient(solana.RPCConfig{
		Endpoint:     cfg.Solana.RPCEndpoint,
		Timeout:      cfg.Solana.Timeout,
		RateLimitRPS: cfg.Solana.RateLimitRPS,
		Retry:        cfg.Trading.Retry,
	})
	defer rpc.Close()
	health.Register("solana_rpc", observability.PingCheck(pingFunc(rpc.Health)))

	jup := jupiter.NewAPIClient(jupiter.APIConfig{
		WalletPubkey: cfg.Solana.WalletPubkey,
		Retry:        cfg.Trading.Retry,
	})

	// 6. Safety: blacklist from config and store, then providers.
	blacklist := safety.NewBlacklist()
	for _, addr := range cfg.Safety.Blacklist {
		blacklist.Add(domain.BlacklistEntry{Address: addr, Reason: "config", AddedAt: time.Now()})
	}
	if entries, err := st.LoadBlacklist(ctx); err != nil {
		log.Warn().Err(err).Msg("launchguard: blacklist load failed, using config entries only")
	} else {
		for _, e := range entries {
			blacklist.Add(e)
		}
	}
	evaluator := safety.NewEvaluator(safety.Config{
		VerdictTTL: cfg.Safety.VerdictTTL,
		Retry:      cfg.Safety.Retry,
	}, blacklist, safetySources(cfg, jup)...)
	health.Register("safety", observability.SafetyCheck(evaluator.Stats))
	log.Info().Int("blacklist", blacklist.Len()).Msg("launchguard: safety evaluator ready")

	// 7. Execution: paper always, live when configured.
	traders := []execution.Trader{execution.NewPaperTrader(execution.DefaultPaperConfig())}
	if cfg.Trading.Mode == domain.ModeLive {
		signer := jupiter.NewRemoteSigner(cfg.Trading.SignerURL, cfg.Trading.ExecutionTimeout)
		traders = append(traders, jupiter.NewLiveTrader(jupiter.LiveConfig{
			PriorityFeeLamports: cfg.Trading.PriorityFeeLamports,
		}, jup, signer, rpc, rpc))
	}
	router := execution.NewRouter(execution.RouterConfig{
		Timeout:                 cfg.Trading.ExecutionTimeout,
		PartialFillTolerancePct: cfg.Trading.PartialFillTolerancePct,
	}, traders...)

	// 8. Event fan-out and sinks.
	publisher := bus.NewPublisher()
	var producer bus.Producer
	if cfg.Kafka.Enabled {
		kp, err := bus.NewProducer(cfg.Kafka.Brokers, bus.WithInstanceID(cfg.General.InstanceID))
		if err != nil {
			log.Warn().Err(err).Msg("launchguard: kafka producer unavailable, events stay local")
		} else {
			producer = kp
		}
	}
	trail := audit.NewTrail(producer, 10_000)

	var sinks sync.WaitGroup
	if producer != nil {
		events := publisher.Subscribe("kafka", 1024)
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			bus.Forward(context.Background(), events, producer, cfg.Kafka.Topic)
		}()
	}

	var writer *clickhouse.BatchWriter
	if cfg.ClickHouse.Enabled {
		writer = startClickHouse(ctx, cfg.ClickHouse, health)
	}
	if writer != nil {
		trail.AddSink(func(d audit.Decision) {
			if err := writer.WriteDecision(context.Background(), d); err != nil {
				log.Debug().Err(err).Msg("launchguard: decision not written to clickhouse")
			}
		})
		events := publisher.Subscribe("clickhouse", 256)
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			for ev := range events {
				if pc, ok := ev.(bus.PositionClosed); ok {
					if err := writer.WritePosition(context.Background(), pc.Position); err != nil {
						log.Debug().Err(err).Msg("launchguard: position not written to clickhouse")
					}
				}
			}
		}()
	}

	// 9. Risk and ledger. Closed positions feed the daily PnL and the bus.
	riskEngine := risk.New(risk.Config{
		MaxDailyLossSOL:  cfg.Risk.MaxDailyLossSOL,
		MaxDailySpendSOL: cfg.Risk.MaxDailySpendSOL,
		MaxOpenPositions: cfg.Risk.MaxOpenPositions,
	})
	health.Register("risk", observability.RiskCheck(riskEngine.Stats))

	book := ledger.New(ledger.Config{
		MaxSlippageBps: cfg.Trading.MaxSlippageBps,
		PersistTimeout: 5 * time.Second,
	}, router, st)
	book.SetOnClose(func(p domain.Position) {
		riskEngine.RecordClose(p.RealizedPnL)
		publisher.Publish(bus.PositionClosed{BaseEvent: bus.NewBaseEvent("ledger", ""), Position: p})
	})
	if positions, err := st.LoadOpenPositions(ctx); err != nil {
		log.Warn().Err(err).Msg("launchguard: could not load open positions, starting empty")
	} else {
		book.Restore(positions)
	}

	// 10. Decision engine.
	var window sniper.Window
	if cfg.Engine.DedupBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		window = sniper.NewRedisWindow(rdb, cfg.Redis.Prefix, cfg.Engine.DedupWindow)
		health.Register("redis", observability.PingCheck(pingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})))
	} else {
		window = sniper.NewMemoryWindow(cfg.Engine.DedupWindow, cfg.Engine.DedupSize)
	}

	pipeline := scanner.NewPipeline(filterConfig(cfg.Filter))
	creators := scanner.NewCreatorHistory(cfg.Engine.CreatorWindow)
	engine := sniper.NewEngine(sniper.Config{
		MaxConcurrent:  cfg.Engine.MaxConcurrent,
		ReopenCooldown: cfg.Engine.ReopenCooldown,
		EnrichTimeout:  cfg.Engine.EnrichTimeout,
		TradingEnabled: cfg.Trading.Enabled,
		Mode:           cfg.Trading.Mode,
		AmountSOL:      cfg.Trading.AmountSOL,
		MaxPositionSOL: cfg.Trading.MaxPositionSOL,
		Exit:           cfg.Trading.Exit,
	}, sniper.Deps{
		Evaluator: evaluator,
		Filter:    pipeline,
		Positions: book,
		Window:    window,
		Enricher:  solana.NewEnricher(rpc, cfg.Solana.DASEnabled, cfg.Engine.EnrichTimeout),
		Creators:  creators,
		Prices:    jup,
		Risk:      riskEngine,
		Publisher: publisher,
		Trail:     trail,
	})

	monitor := sniper.NewMonitor(sniper.MonitorConfig{
		Interval:      cfg.Monitor.Interval,
		PriceTimeout:  cfg.Monitor.PriceTimeout,
		MaxConcurrent: cfg.Monitor.MaxConcurrent,
	}, book, jup)

	// 11. Feed.
	source := feed.NewPumpPortalSource(feed.PumpPortalConfig{
		Endpoint:         cfg.Feed.Endpoint,
		SubscribeMigrate: cfg.Feed.SubscribeMigrate,
		PingInterval:     cfg.Feed.PingInterval,
		ReadTimeout:      cfg.Feed.ReadTimeout,
	})
	connector := feed.NewConnector(source, feed.Config{Backoff: cfg.Feed.Backoff, BufferSize: cfg.Feed.BufferSize})
	health.Register("feed", observability.FeedCheck(connector.Stats))

	ctl := &controller{
		ledger:       book,
		monitor:      monitor,
		risk:         riskEngine,
		trail:        trail,
		health:       health,
		closeTimeout: cfg.Trading.ExecutionTimeout + 5*time.Second,
	}
	ctl.stats = func() map[string]any {
		s := map[string]any{
			"engine":    engine.Stats(),
			"monitor":   monitor.Stats(),
			"ledger":    book.Stats(),
			"risk":      riskEngine.Stats(),
			"safety":    evaluator.Stats(),
			"filter":    pipeline.Stats(),
			"feed":      connector.Stats(),
			"execution": router.Stats(),
			"jupiter":   jup.APIStats(),
			"rpc":       rpc.Stats(),
			"bus":       publisher.Stats(),
			"creators":  creators.Len(),
			"invalid":   source.Invalid(),
		}
		if writer != nil {
			s["clickhouse"] = writer.Stats()
		}
		return s
	}

	// 12. Notifications and chat commands.
	var tg *notify.Telegram
	if cfg.Telegram.Enabled {
		tg, err = notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			log.Warn().Err(err).Msg("launchguard: telegram unavailable, notifications disabled")
		}
	}
	if tg != nil {
		notifier := notify.New(notify.Config{
			SendTimeout: cfg.Telegram.SendTimeout,
			Rejections:  cfg.Telegram.NotifyRejections,
		}, tg)
		events := publisher.Subscribe("telegram", 256)
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			notifier.Run(context.Background(), events)
		}()
		go tg.Serve(ctl)
	}

	// 13. Background services.
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		health.Start(ctx)
	}()
	go health.LogAlerts(ctx)

	if cfg.Kafka.Enabled && cfg.Kafka.BlacklistTopic != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumeBlacklist(ctx, cfg.Kafka, blacklist, st)
		}()
	}

	if *watch {
		if w, err := config.NewWatcher(cfg, func(next *config.Config) {
			pipeline.SetConfig(filterConfig(next.Filter))
			log.Info().Float64("min_safety", next.Filter.MinSafetyScore).
				Float64("min_liquidity_sol", next.Filter.MinLiquiditySOL).
				Msg("launchguard: filter thresholds reloaded")
		}); err != nil {
			log.Warn().Err(err).Msg("launchguard: config watcher unavailable")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Run(ctx)
			}()
		}
	}

	// Periodic stats and creator history cleanup.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				creators.Cleanup(now)
				es := engine.Stats()
				ls := book.Stats()
				log.Info().
					Int64("received", es.Received).
					Int64("duplicates", es.Duplicates).
					Int64("rejected", es.Rejected).
					Int64("alerted", es.Alerted).
					Int64("traded", es.Traded).
					Int("open", ls.Open).
					Str("realized_pnl_sol", ls.RealizedPnL).
					Bool("trading_active", riskEngine.IsActive()).
					Msg("launchguard: stats")
			}
		}
	}()

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           ctl.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("launchguard: control plane listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("launchguard: control plane error")
		}
	}()

	// 14. Pipeline: feed -> engine, exit monitor alongside.
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitor.Run(monitorCtx)
	}()

	events := make(chan feed.Event, cfg.Feed.BufferSize)
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		defer close(events)
		runFeed(ctx, connector, cfg.Feed.RestartDelay, events)
	}()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("launchguard: engine stopped")
		}
	}()

	log.Info().Msg("launchguard: running")
	<-ctx.Done()

	// 15. Ordered shutdown: feed, engine drain, monitor, persist, sinks.
	log.Info().Msg("launchguard: shutting down")
	<-feedDone
	<-engineDone
	stopMonitor()
	<-monitorDone

	persistCtx, persistCancel := context.WithTimeout(context.Background(), 15*time.Second)
	saved := book.PersistAll(persistCtx)
	persistCancel()
	log.Info().Int("saved", saved).Msg("launchguard: open positions persisted")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = server.Shutdown(shutdownCtx)
	shutdownCancel()

	if tg != nil {
		tg.Stop()
	}
	health.Stop()
	publisher.Close()
	sinks.Wait()
	if writer != nil {
		if err := writer.Close(); err != nil {
			log.Warn().Err(err).Msg("launchguard: final clickhouse flush failed")
		}
	}
	if producer != nil {
		if err := producer.Flush(10 * time.Second); err != nil {
			log.Warn().Err(err).Msg("launchguard: kafka flush failed")
		}
		producer.Close()
	}
	wg.Wait()

	es := engine.Stats()
	ls := book.Stats()
	log.Info().
		Int64("received", es.Received).
		Int64("alerted", es.Alerted).
		Int64("traded", es.Traded).
		Int64("opened", ls.Opened).
		Int64("closed", ls.Closed).
		Str("realized_pnl_sol", ls.RealizedPnL).
		Msg("launchguard: shutdown complete")
}

// runFeed keeps a subscription alive. When one ends with its reconnect
// budget exhausted it waits restartDelay and subscribes again.
func runFeed(ctx context.Context, connector *feed.Connector, restartDelay time.Duration, out chan<- feed.Event) {
	for {
		sub := connector.Subscribe(ctx)
		for ev := range sub.Events() {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
		err := sub.Err()
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Dur("restart_in", restartDelay).Msg("launchguard: feed subscription ended")
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// consumeBlacklist applies blacklist records from Kafka to the running
// evaluator and the store.
func consumeBlacklist(ctx context.Context, cfg config.KafkaConfig, blacklist *safety.Blacklist, st store.Store) {
	consumer, err := bus.NewConsumer(cfg.Brokers, cfg.GroupID, cfg.BlacklistTopic)
	if err != nil {
		log.Warn().Err(err).Msg("launchguard: blacklist consumer unavailable")
		return
	}
	defer consumer.Close()

	err = consumer.Consume(ctx, func(ctx context.Context, msg bus.Message) error {
		entry, err := bus.DecodeBlacklistEntry(msg)
		if err != nil {
			return err
		}
		blacklist.Add(entry)
		log.Info().Str("address", domain.ShortAddress(entry.Address)).Str("reason", entry.Reason).
			Msg("launchguard: blacklist entry received")
		return st.AddBlacklist(ctx, entry)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("launchguard: blacklist consumer stopped")
	}
}

func startClickHouse(ctx context.Context, cfg config.ClickHouseConfig, health *observability.HealthMonitor) *clickhouse.BatchWriter {
	client, err := clickhouse.NewClient(cfg.DSN)
	if err != nil {
		log.Warn().Err(err).Msg("launchguard: clickhouse unavailable, analytics disabled")
		return nil
	}
	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.EnsureSchema(schemaCtx, cfg.Database); err != nil {
		log.Warn().Err(err).Msg("launchguard: clickhouse schema not ensured")
	}
	health.Register("clickhouse", observability.PingCheck(client))
	w := clickhouse.NewBatchWriter(client, cfg.Database, cfg.BatchSize, cfg.FlushInterval)
	w.Start(context.Background())
	return w
}

func safetySources(cfg *config.Config, jup *jupiter.APIClient) []safety.Source {
	var sources []safety.Source
	for _, p := range cfg.Safety.Providers {
		if !p.Enabled {
			continue
		}
		var provider safety.Provider
		switch p.Name {
		case "rugcheck":
			provider = safety.NewRugCheck(p.Endpoint, p.APIKey)
		case "goplus":
			provider = safety.NewGoPlus(p.Endpoint, p.APIKey)
		case "sellroute":
			rc := safety.DefaultSellRouteConfig()
			rc.ProbeSOL = decimal.NewFromFloat(min(cfg.Trading.AmountSOL, cfg.Trading.MaxPositionSOL))
			provider = safety.NewSellRoute(jup, rc)
		default:
			log.Warn().Str("provider", p.Name).Msg("launchguard: unknown safety provider skipped")
			continue
		}
		sources = append(sources, safety.Source{Provider: provider, Weight: p.Weight, Timeout: p.Timeout})
		log.Info().Str("provider", p.Name).Float64("weight", p.Weight).Msg("launchguard: safety provider enabled")
	}
	return sources
}

func filterConfig(f config.FilterConfig) scanner.Config {
	return scanner.Config{
		MinSafetyScore:        f.MinSafetyScore,
		MinLiquiditySOL:       f.MinLiquiditySOL,
		MinHolders:            f.MinHolders,
		MaxTopHolderPct:       f.MaxTopHolderPct,
		MaxCreatorTokens:      f.MaxCreatorTokens,
		MaxBuyTaxPct:          f.MaxBuyTaxPct,
		MaxSellTaxPct:         f.MaxSellTaxPct,
		RejectUnknownHoneypot: f.RejectUnknownHoneypot,
	}
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "launchguard").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "launchguard").
			Str("instance", general.InstanceID).Logger()
	}
}
