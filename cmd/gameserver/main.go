// Package main runs the realtime battle backend: admission HTTP, the
// websocket gateway, battle rooms, the janitor, and health polling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dkirby-ms/tilemud-sub004/internal/admission"
	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/config"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/action"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/lobby"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/room"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/ruleset"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/sequence"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/session"
	"github.com/dkirby-ms/tilemud-sub004/internal/gateway"
	"github.com/dkirby-ms/tilemud-sub004/internal/health"
	"github.com/dkirby-ms/tilemud-sub004/internal/httpapi"
	"github.com/dkirby-ms/tilemud-sub004/internal/janitor"
	"github.com/dkirby-ms/tilemud-sub004/internal/observability"
	"github.com/dkirby-ms/tilemud-sub004/internal/ratelimit"
	"github.com/dkirby-ms/tilemud-sub004/internal/reconnect"
	"github.com/dkirby-ms/tilemud-sub004/internal/server"
	"github.com/dkirby-ms/tilemud-sub004/internal/storage/postgres"
	redisstore "github.com/dkirby-ms/tilemud-sub004/internal/storage/redis"
)

// promoteInterval is how often freed seats pull waiters out of the queue.
const promoteInterval = 2 * time.Second

// roomRegistry owns the live battle rooms. It serves three roles: the
// lobby's room factory, the gateway's room resolver, and the admission
// controller's capacity source.
type roomRegistry struct {
	mu    sync.RWMutex
	deps  room.Deps
	rooms map[string]*room.Room
}

func newRoomRegistry(deps room.Deps) *roomRegistry {
	return &roomRegistry{deps: deps, rooms: make(map[string]*room.Room)}
}

func (r *roomRegistry) CreateRoom(instanceID string, rs ruleset.RuleSet) (string, error) {
	rm := room.New(instanceID, rs, r.deps)
	r.mu.Lock()
	r.rooms[instanceID] = rm
	r.mu.Unlock()
	return instanceID, nil
}

func (r *roomRegistry) RoomFor(instanceID string) (*room.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[instanceID]
	return rm, ok
}

func (r *roomRegistry) Seats(instanceID string) (int, int, bool) {
	rm, ok := r.RoomFor(instanceID)
	if !ok {
		return 0, 0, false
	}
	return rm.PlayerCount(), rm.Metadata().MaxPlayers, true
}

func (r *roomRegistry) InstanceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (r *roomRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rm := range r.rooms {
		rm.Close()
	}
}

// ownershipAdapter maps the repository's not-found error onto the
// admission controller's sentinel.
type ownershipAdapter struct {
	repo *postgres.CharacterProfileRepository
}

func (o ownershipAdapter) OwnedBy(ctx context.Context, characterID, userID string) (bool, error) {
	owned, err := o.repo.OwnedBy(ctx, characterID, userID)
	if errors.Is(err, postgres.ErrProfileNotFound) {
		return false, admission.ErrCharacterNotFound
	}
	return owned, err
}

func main() {
	start := time.Now()
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	clk := clock.System{}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	// Storage.
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)

	cache, err := redisstore.NewClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("connecting to shared cache", zap.Error(err))
	}
	logger.Info("shared cache connected", zap.String("addr", cfg.Redis.Addr))

	profiles := postgres.NewCharacterProfileRepository(pool.DB())
	actionEvents := postgres.NewActionEventRepository(pool.DB())
	durability := postgres.NewDurabilityLog(actionEvents)

	// Core services.
	sessions := session.NewStore(clk, metrics)
	limiter := ratelimit.New(cfg.RateLimiter, ratelimit.NewRedisStore(cache.RDB(), "ratelimit"), clk, metrics)
	evaluator := sequence.NewEvaluator(sessions)
	reconnects := reconnect.NewService(cache.RDB(), clk, logger, metrics)

	rulesets := ruleset.NewService(ruleset.Limits{
		MaxDimension: cfg.Game.BoardMaxDimension,
		MaxPlayers:   cfg.Game.MaxPlayers,
	}, clk, logger)
	if cfg.Game.RulesetDir != "" {
		count, err := rulesets.LoadDir(cfg.Game.RulesetDir)
		if err != nil {
			logger.Fatal("loading rule set bundles", zap.Error(err))
		}
		logger.Info("rule sets loaded", zap.Int("count", count))
	}

	rooms := newRoomRegistry(room.Deps{
		Pipeline:       action.NewPipeline(limiter),
		Handler:        action.NewHandler(logger),
		Evaluator:      evaluator,
		Durability:     durability,
		Reconnect:      reconnect.NewRoomAdapter(reconnects),
		Clock:          clk,
		Logger:         logger,
		Metrics:        metrics,
		GracePeriod:    cfg.Reconnect.Grace(),
		DrainBatchSize: cfg.Game.ActionBatchSize,
	})
	battleLobby := lobby.New(rulesets, rooms, clk, logger)

	// Admission.
	queue := admission.NewQueue(cfg.Admission.MaxQueueLength, clk, metrics)
	tokens := admission.NewConfirmationTokens(clk, admission.DefaultConfirmationTTL)
	drain := admission.NewDrain()
	if cfg.Game.DrainModeEnabled || cfg.Game.MaintenanceModeEnabled {
		drain.Enable(time.Time{})
		logger.Warn("starting in drain mode")
	}
	verifier := httpapi.NewJWTVerifier(cfg.Auth)
	controller := admission.NewController(admission.Deps{
		Config:    cfg.Admission,
		Server:    cfg.Server,
		Verifier:  verifier,
		Ownership: ownershipAdapter{repo: profiles},
		Limiter:   limiter,
		Drain:     drain,
		Sessions:  sessions,
		Queue:     queue,
		Tokens:    tokens,
		Capacity:  rooms,
		Clock:     clk,
		Logger:    logger,
		Metrics:   metrics,
	})

	// Health.
	signals := health.NewSignals(clk)
	poller := health.NewPoller(cfg.Health, signals, logger,
		health.ProbeFunc{Dependency: "postgres", Fn: pool.Health},
		health.ProbeFunc{Dependency: "redis", Fn: cache.Health},
	)

	// Realtime.
	gw := gateway.New(sessions, evaluator, rooms, signals, clk,
		cfg.Server.CurrentClientBuild, logger, metrics)

	// Janitor. Terminated sessions are also removed from their room.
	sweeper := janitor.New(janitor.Deps{
		Config:    cfg.Janitor,
		Session:   cfg.Session,
		Sessions:  sessions,
		Queue:     queue,
		Reconnect: reconnects,
		Tokens:    tokens,
		Listener: func(s session.Session, reason string) {
			if rm, ok := rooms.RoomFor(s.InstanceID); ok {
				if err := rm.Leave(ctx, s.CharacterID, true); err != nil {
					logger.Debug("removing terminated session from room",
						zap.String("session_id", s.ID), zap.Error(err))
				}
			}
			logger.Info("session terminated by janitor",
				zap.String("session_id", s.ID),
				zap.String("reason", reason),
			)
		},
		Clock:   clk,
		Logger:  logger,
		Metrics: metrics,
	})

	// HTTP front.
	api := httpapi.NewServer(httpapi.Deps{
		Config:      cfg,
		Controller:  controller,
		Drain:       drain,
		Queue:       queue,
		Sessions:    sessions,
		Capacity:    rooms,
		Connections: gw,
		Profiles:    profiles,
		Verifier:    verifier,
		Reconnects:  reconnects,
		Rooms:       rooms,
		Gateway:     gw,
		Lobby:       battleLobby,
		Clock:       clk,
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lifecycle := server.NewLifecycle(logger)
	runCtx, cancelRun := context.WithCancel(ctx)

	lifecycle.Add("http", &server.FuncService{
		StartFn: func() error {
			lis, err := net.Listen("tcp", httpServer.Addr)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", httpServer.Addr, err)
			}
			logger.Info("http server listening", zap.String("addr", lis.Addr().String()))
			if err := httpServer.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		StopFn: func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		},
	})

	lifecycle.Add("metrics", &server.FuncService{
		StartFn: func() error {
			logger.Info("metrics server listening", zap.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		StopFn: func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		},
	})

	lifecycle.Add("janitor", &server.FuncService{
		StartFn: func() error {
			err := sweeper.Run(runCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
		StopFn: cancelRun,
	})

	lifecycle.Add("health", &server.FuncService{
		StartFn: func() error {
			err := poller.Run(runCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
		StopFn: cancelRun,
	})

	// Queue promotion: freed seats pull the longest waiter per instance.
	lifecycle.Add("promoter", &server.FuncService{
		StartFn: func() error {
			ticker := time.NewTicker(promoteInterval)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return nil
				case <-ticker.C:
					for _, instanceID := range rooms.InstanceIDs() {
						for {
							out, ok := controller.PromoteNext(runCtx, instanceID)
							if !ok || out.Status != admission.StatusSuccess {
								break
							}
							if s, found := sessions.Get(out.SessionID); found {
								if rm, hasRoom := rooms.RoomFor(instanceID); hasRoom {
									if err := rm.Join(runCtx, room.JoinOptions{
										PlayerID:    s.CharacterID,
										DisplayName: s.CharacterID,
									}); err != nil {
										logger.Warn("joining room after promotion",
											zap.String("instance_id", instanceID), zap.Error(err))
									}
								}
							}
							logger.Info("promoted queued player",
								zap.String("instance_id", instanceID),
								zap.String("session_id", out.SessionID),
							)
						}
					}
				}
			}
		},
		StopFn: cancelRun,
	})

	lifecycle.Add("storage", &server.FuncService{
		StartFn: func() error {
			<-runCtx.Done()
			return nil
		},
		StopFn: func() {
			rooms.CloseAll()
			_ = cache.Close()
			pool.Close()
		},
	})

	logger.Info("game server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("addr", cfg.Server.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
