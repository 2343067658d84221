package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/l1jgo/worldshard/internal/config"
	"github.com/l1jgo/worldshard/internal/core/event"
	coresys "github.com/l1jgo/worldshard/internal/core/system"
	"github.com/l1jgo/worldshard/internal/data"
	"github.com/l1jgo/worldshard/internal/grid"
	"github.com/l1jgo/worldshard/internal/mechanics"
	"github.com/l1jgo/worldshard/internal/partition"
	"github.com/l1jgo/worldshard/internal/persist"
	"github.com/l1jgo/worldshard/internal/relay"
	"github.com/l1jgo/worldshard/internal/scheduler"
	"github.com/l1jgo/worldshard/internal/scripting"
	"github.com/l1jgo/worldshard/internal/system"
	"github.com/l1jgo/worldshard/internal/tick"
	"github.com/l1jgo/worldshard/internal/world"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	weatherPeriod = time.Minute
	sweepEvery    = 50 // ticks between idle grid sweeps
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	cfgPath := "config/worldshard.toml"
	if p := os.Getenv("WORLDSHARD_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	mapID := cfg.Server.MapID
	mgr := partition.NewManager(partition.Options{
		Enabled:       cfg.Partition.Enabled,
		DefaultCount:  cfg.Partition.DefaultCount,
		BorderOverlap: cfg.Partition.BorderOverlap,
		ExcludedZones: cfg.Partition.ExcludedZones,
		Lookahead:     cfg.Tick.Rate * 4,
	}, log)

	// 3. Optional PostgreSQL: migrations and sticky ownership
	var ownershipRepo *persist.OwnershipRepo
	if cfg.Database.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		db, err := persist.NewDB(ctx, cfg.Database, log)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()

		if err := persist.RunMigrations(ctx, db.Pool); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		ownershipRepo = persist.NewOwnershipRepo(db)
		rows, err := ownershipRepo.LoadAll(ctx, []uint32{mapID})
		if err != nil {
			return fmt.Errorf("load ownership: %w", err)
		}
		log.Info("sticky ownership loaded", zap.Int("rows", mgr.LoadOwnership(rows)))
	}

	// 4. Partition layout
	var layout *data.MapLayout
	if cfg.Partition.LayoutFile != "" {
		table, err := data.LoadLayout(cfg.Partition.LayoutFile)
		if err != nil {
			return fmt.Errorf("load partition layout: %w", err)
		}
		layout = table.ForMap(mapID)
		log.Info("partition layout loaded", zap.Int("maps", table.Count()), zap.Bool("this_map", layout != nil))
	}

	// 5. Lua engine
	lua, err := scripting.NewEngine(cfg.Scripting.Dir, log)
	if err != nil {
		return fmt.Errorf("scripting: %w", err)
	}
	defer lua.Close()

	// 6. Grid, store, relays, scheduler
	idx := grid.NewIndex(lua, log)
	if layout != nil {
		if err := layout.Apply(mgr, idx); err != nil {
			return fmt.Errorf("apply partition layout: %w", err)
		}
	}
	store := world.NewStore(world.StoreOptions{MapID: mapID, Partitioned: cfg.Partition.Enabled}, mgr, idx, log)
	relays := relay.NewQueues(relay.Options{
		Partitions:   store.PartitionCount(),
		Limit:        cfg.Relay.QueueLimit,
		MaxBounces:   cfg.Relay.MaxBounces,
		MetricsEvery: cfg.Relay.MetricsEvery,
	}, log)
	pool := scheduler.New(scheduler.Options{
		StallWarn:       cfg.Scheduler.StallWarn,
		SlowTask:        cfg.Scheduler.SlowTask,
		WorkerPoll:      cfg.Scheduler.WorkerPoll,
		CooperativePoll: cfg.Scheduler.CooperativePoll,
		SummaryPeriod:   cfg.Scheduler.SummaryPeriod,
	}, log)
	if cfg.Tick.Parallel {
		pool.Activate(cfg.Tick.Workers)
	}
	defer pool.Deactivate()

	// 7. Shared-phase systems
	bus := event.NewBus()
	moves := grid.NewMoveList()
	event.Subscribe(bus, func(e event.CombatHandoff) {
		log.Debug("combat handed off",
			zap.Stringer("entity", e.EntityID), zap.Stringer("victim", e.Victim), zap.Uint32("to", e.To))
	})
	event.Subscribe(bus, func(e event.WeatherChanged) {
		log.Info("weather changed", zap.Uint32("zone", e.Zone), zap.Stringer("to", system.Weather(e.To)))
	})

	weather := system.NewWeatherSystem(weatherPeriod, rand.New(rand.NewSource(time.Now().UnixNano())), bus, log)
	runner := coresys.NewRunner()
	runner.Register(system.NewCleanupSystem(store, log))
	runner.Register(system.NewScriptScheduleSystem(mapID, lua))
	runner.Register(system.NewMoveListSystem(moves, idx, log))
	runner.Register(system.NewCorpseExpirySystem(store, log))
	runner.Register(weather)
	var persister *system.OwnershipPersistSystem
	if ownershipRepo != nil {
		persister = system.NewOwnershipPersistSystem(mgr, ownershipRepo, log, cfg.Database.SaveEveryTicks)
		runner.Register(persister)
	}
	runner.Register(system.NewGridSweepSystem(idx, cfg.Grid.UnloadIdle, sweepEvery, log))
	runner.Register(system.NewEventDispatchSystem(bus))

	// 8. Coordinator
	sink := mechanics.NewSink(mapID, lua, log)
	coord := tick.New(tick.Deps{
		MapID:       mapID,
		Store:       store,
		Oracle:      mgr,
		Relays:      relays,
		Applier:     sink,
		Pool:        pool,
		Grid:        idx,
		Moves:       moves,
		Updater:     mechanics.NewSimulator(mechanics.SimOptions{ProcEvery: 5, ProcFlags: 0x1}, sink, log),
		Shared:      runner,
		Bus:         bus,
		Relocations: partition.NewRelocationTable(cfg.Partition.RelocationTimeout, log),
	}, tick.Options{
		Parallel:         cfg.Tick.Parallel,
		BoundaryOverride: cfg.Partition.BoundaryOverride,
		CombatHandoff:    cfg.Partition.CombatHandoff,
		PathHandoff:      cfg.Partition.PathHandoff,
		SlowPhase:        cfg.Tick.SlowPhaseWarn,
		PreloadAhead:     cfg.Grid.PreloadAhead,
	}, log)

	demo := newDemo(coord, store, rand.New(rand.NewSource(cfg.Server.StartTime)), log)
	if err := demo.seed(cfg.Server.DemoEntities); err != nil {
		return fmt.Errorf("seed demo population: %w", err)
	}
	weather.Track(demo.zones()...)

	// 9. Game loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Tick.Rate)
	defer ticker.Stop()

	log.Info("worldshard running",
		zap.String("name", cfg.Server.Name), zap.Uint32("map", mapID),
		zap.Uint32("partitions", store.PartitionCount()), zap.Bool("parallel", cfg.Tick.Parallel),
		zap.Duration("tick", cfg.Tick.Rate), zap.Int("entities", store.Len()))

	var status statusLine
	for {
		select {
		case <-ticker.C:
			rep := coord.Tick(cfg.Tick.Rate)
			status.add(rep)
			if rep.Tick%uint64(max(cfg.Tick.StatusEvery, 1)) == 0 {
				status.log(log, store, relays, pool)
				status = statusLine{}
			}
			demo.wander(rep.Tick)
		case sig := <-shutdownCh:
			log.Info("shutdown signal", zap.String("signal", sig.String()))
			if persister != nil {
				n, err := persister.Flush(context.Background())
				if err != nil {
					log.Error("final ownership save failed", zap.Error(err))
				} else {
					log.Info("final ownership save", zap.Int("rows", n))
				}
			}
			pool.Deactivate()
			log.Info("worldshard stopped", zap.Uint64("ticks", coord.CurrentTick()))
			return nil
		}
	}
}

// statusLine accumulates tick reports between status log lines.
type statusLine struct {
	ticks      int
	committed  int
	rolledBack int
	destroyed  int
	relays     int
	combat     uint32
	path       uint32
	slowest    time.Duration
}

func (s *statusLine) add(rep tick.TickReport) {
	s.ticks++
	s.committed += rep.Committed
	s.rolledBack += rep.RolledBack
	s.destroyed += rep.Destroyed
	s.relays += rep.RelaysProcessed()
	s.combat += rep.CombatHandoffs
	s.path += rep.PathHandoffs
	s.slowest = max(s.slowest, rep.Duration)
}

func (s *statusLine) log(log *zap.Logger, store *world.Store, relays *relay.Queues, pool *scheduler.Pool) {
	totals := relays.Totals()
	h := pool.Health()
	log.Info("status",
		zap.Int("ticks", s.ticks), zap.Int("entities", store.Live()),
		zap.Int("relocated", s.committed), zap.Int("rolled_back", s.rolledBack),
		zap.Int("destroyed", s.destroyed), zap.Int("relays", s.relays),
		zap.Uint64("relays_dropped", totals.Dropped),
		zap.Uint32("combat_handoffs", s.combat), zap.Uint32("path_handoffs", s.path),
		zap.Duration("slowest_tick", s.slowest), zap.Int("workers", h.ActiveWorkers))
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
