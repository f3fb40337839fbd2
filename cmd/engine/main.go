package main

import (
	"context"
	"database/sql"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nlgrowth/traffic-engine/internal/api"
	"github.com/nlgrowth/traffic-engine/internal/config"
	"github.com/nlgrowth/traffic-engine/internal/content"
	"github.com/nlgrowth/traffic-engine/internal/dispatch"
	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/funnel"
	"github.com/nlgrowth/traffic-engine/internal/generator"
	"github.com/nlgrowth/traffic-engine/internal/ledger"
	"github.com/nlgrowth/traffic-engine/internal/monitor"
	"github.com/nlgrowth/traffic-engine/internal/pkg/distlock"
	"github.com/nlgrowth/traffic-engine/internal/poller"
	"github.com/nlgrowth/traffic-engine/internal/proxy"
	"github.com/nlgrowth/traffic-engine/internal/repository/postgres"
	"github.com/nlgrowth/traffic-engine/internal/spamcheck"
	"github.com/nlgrowth/traffic-engine/internal/strategy"
	"github.com/nlgrowth/traffic-engine/internal/telegram"
	"github.com/nlgrowth/traffic-engine/internal/warmup"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

func main() {
	log.Println("Starting Traffic Engine...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	defaultLoc, err := time.LoadLocation(cfg.Fleet.DefaultTimezone)
	if err != nil {
		log.Fatalf("Invalid fleet.default_timezone: %v", err)
	}

	// Database connection
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	// Redis backs the rate ledger, monitor dedup, and distributed locks.
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid redis URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("Failed to ping redis: %v", err)
	}
	log.Println("Connected to redis")

	// Repositories
	accounts := postgres.NewAccountRepo(db)
	actions := postgres.NewActionRepo(db)
	channels := postgres.NewChannelRepo(db)
	posts := postgres.NewPostRepo(db)
	outcomes := postgres.NewOutcomeRepo(db)
	contentRepo := postgres.NewContentRepo(db)
	invites := postgres.NewInviteRepo(db)
	proxies := postgres.NewProxyRepo(db)
	strategyRepo := postgres.NewStrategyRepo(db)

	// Telegram transport: encrypted sessions dialed through the MTProto gateway.
	cipher, err := telegram.NewSessionCipherFromEnv()
	if err != nil {
		log.Fatalf("Failed to load session cipher: %v", err)
	}
	dialer := telegram.NewGatewayDialer(nil, cfg.Telegram.GatewayURL, cfg.Telegram.GatewayToken)
	registry := telegram.NewRegistry(dialer, cipher,
		cfg.Telegram.FloodWaitCeiling(), cfg.Telegram.CallTimeout(), cfg.Telegram.UploadTimeout())
	defer registry.Close()
	log.Printf("Telegram gateway: %s", cfg.Telegram.GatewayURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Strategy oracle (loads persisted arm models)
	oracle, err := strategy.New(ctx, strategyRepo, strategy.Options{
		Epsilon:            cfg.Strategy.Epsilon,
		ColdStartThreshold: cfg.Strategy.ColdStartThreshold,
	})
	if err != nil {
		log.Fatalf("Failed to load strategy oracle: %v", err)
	}
	log.Println("Strategy oracle loaded")

	// Warmup planner with the configured hard ceilings and quiet window
	ceilings := make(map[domain.ActionKind]int, len(cfg.Rate.HardCeilings))
	for kind, limit := range cfg.Rate.HardCeilings {
		ceilings[domain.ActionKind(kind)] = limit
	}
	qstart, qend := cfg.QuietWindowMinutes()
	planner := warmup.NewPlanner(accounts, defaultLoc, ceilings, warmup.QuietWindow{StartMin: qstart, EndMin: qend})

	rateLedger := ledger.New(rdb, ledger.SystemClock{}, defaultLoc)
	pool := proxy.NewPool(proxies, cfg.Proxy.CooldownBase(), cfg.Proxy.CooldownMax())

	// Text generation: chat API first, templates as fallback (never for comments)
	charLimits := make(map[generator.Kind]int, len(cfg.Generator.CharLimits))
	for kind, limit := range cfg.Generator.CharLimits {
		charLimits[generator.Kind(kind)] = limit
	}
	llm := generator.NewLLM(nil, cfg.Generator.BaseURL, cfg.Generator.APIKey,
		cfg.Generator.Model, cfg.Generator.Timeout(), charLimits)
	templated := generator.NewTemplated(rand.New(rand.NewSource(time.Now().UnixNano())))
	texts := generator.NewChain(llm, templated)

	// Channel monitor: one reader account sweeps target channels for new posts
	mon := monitor.New(channels, posts, accounts, proxies, registry, rdb,
		distlock.NewLock(rdb, db, "traffic:lock:monitor", 2*cfg.Monitor.PollInterval()),
		cfg.Monitor.ReaderAccountID, cfg.Monitor.PollInterval())
	if err := mon.Start(ctx); err != nil {
		log.Fatalf("Failed to start channel monitor: %v", err)
	}

	// Reply poller: drains due outcome polls and feeds rewards back to the oracle
	replyPoller := poller.New(outcomes, actions, accounts, proxies, registry, oracle,
		distlock.NewLock(rdb, db, "traffic:lock:poller", 2*time.Minute),
		cfg.ReplyPoller.Window(), time.Minute, defaultLoc)
	if err := replyPoller.Start(ctx); err != nil {
		log.Fatalf("Failed to start reply poller: %v", err)
	}

	// Invite funnel: issuance, expiry sweeps, teaser publication, and join attribution
	inviteManager := funnel.NewManager(invites, accounts, proxies, registry, texts,
		cfg.Invite.OwnerAccountID, cfg.Invite.VIPChannelID, cfg.Invite.TeaserChannel,
		cfg.Invite.DefaultExpire(), cfg.Invite.DefaultUsageLimit)
	sweeper := funnel.NewSweeper(inviteManager,
		distlock.NewLock(rdb, db, "traffic:lock:invite-sweep", 2*time.Minute), time.Minute)
	if err := sweeper.Start(ctx); err != nil {
		log.Fatalf("Failed to start invite sweeper: %v", err)
	}
	publisher := funnel.NewPublisher(inviteManager,
		distlock.NewLock(rdb, db, "traffic:lock:invite-publish", 2*time.Minute),
		cfg.Invite.PublishInterval(), domain.Segment(cfg.Invite.TeaserSegment), cfg.Invite.TeaserTopic)
	if err := publisher.Start(ctx); err != nil {
		log.Fatalf("Failed to start invite publisher: %v", err)
	}
	joinStream := telegram.NewGatewayJoinStream(dialer, cfg.Invite.VIPChannelID)
	joinStream.Start(ctx)
	attributor := funnel.NewAttributor(invites, joinStream)
	if err := attributor.Start(ctx); err != nil {
		log.Fatalf("Failed to start join attributor: %v", err)
	}

	// Periodic @SpamBot self-check across the fleet
	spamChecker := spamcheck.New(accounts, proxies, registry,
		distlock.NewLock(rdb, db, "traffic:lock:spamcheck", cfg.SpamCheck.Interval()),
		cfg.SpamCheck.Interval())
	spamChecker.Start(ctx)

	// Dispatcher: one fiber per admitted account
	supervisor := dispatch.NewSupervisor(dispatch.Deps{
		Accounts: accounts,
		Actions:  actions,
		Posts:    posts,
		Channels: channels,
		Outcomes: outcomes,
		Content:  content.NewQueue(contentRepo),

		Ledger:    rateLedger,
		Planner:   planner,
		Oracle:    oracle,
		Texts:     texts,
		Transport: registry,
		Proxies:   pool,

		ClaimHorizon: cfg.Monitor.ClaimHorizon(),
		ReplyWindow:  cfg.ReplyPoller.Window(),
		DefaultLoc:   defaultLoc,
	}, cfg.Fleet.MaxAccounts)
	if err := supervisor.Start(ctx); err != nil {
		log.Fatalf("Failed to start supervisor: %v", err)
	}

	// Read-only admin API
	server := api.NewServer(cfg.Server, api.NewHandlers(accounts, actions, proxies, db, rdb))
	go func() {
		log.Printf("Admin API listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Admin API error: %v", err)
		}
	}()

	log.Println("All components started — engine is running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	// Stop intake first so nothing new starts, then drain the fibers. Workers
	// finish their in-flight action inside the grace period.
	cancel()
	supervisor.Stop()
	mon.Stop()
	replyPoller.Stop()
	sweeper.Stop()
	publisher.Stop()
	attributor.Stop()
	joinStream.Stop()
	spamChecker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.Grace())
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Admin API shutdown error: %v", err)
	}

	log.Println("Engine stopped")
}
