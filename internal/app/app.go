package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"price-oracle-aggregator/internal/access"
	"price-oracle-aggregator/internal/alerting"
	"price-oracle-aggregator/internal/api"
	"price-oracle-aggregator/internal/cache"
	"price-oracle-aggregator/internal/config"
	"price-oracle-aggregator/internal/fetcher"
	"price-oracle-aggregator/internal/metrics"
	"price-oracle-aggregator/internal/oracle"
	"price-oracle-aggregator/internal/scheduler"
	"price-oracle-aggregator/internal/service"
	"price-oracle-aggregator/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime holds everything a command may need. Fields are nil when the
// corresponding backend is not configured.
type runtime struct {
	store      *storage.Store
	access     *access.Controller
	dialer     *fetcher.Dialer
	aggregator *oracle.Aggregator
	recorder   *metrics.Recorder
	cache      *cache.Publisher
}

func (r *runtime) close() {
	if r.cache != nil {
		_ = r.cache.Close()
	}
	if r.dialer != nil {
		r.dialer.Close()
	}
	if r.store != nil {
		r.store.Close()
	}
}

type buildOptions struct {
	metrics bool
	cache   bool
	// unverified registers routes without checking feed contracts, so admin
	// commands keep working while the RPC endpoint is down.
	unverified bool
}

// build wires store, access control, sources and the aggregator. Persisted
// state is restored before routes are registered.
func (a *App) build(ctx context.Context, opts buildOptions) (*runtime, error) {
	rt := &runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.close()
		}
	}()

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rt.store = store

	var roleStore access.Store
	var stateStore oracle.StateStore
	if store != nil {
		roleStore = store
		stateStore = store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; oracle state is kept in memory only")
	}

	ctrl, err := access.New(a.roleSeed(), roleStore, a.Logger)
	if err != nil {
		return nil, err
	}
	if err := ctrl.Load(ctx); err != nil {
		return nil, err
	}
	rt.access = ctrl

	var observers oracle.Observers
	unit := oracle.UnitForDecimals(a.Config.Oracle.BaseCurrencyDecimals)
	if opts.metrics && a.Config.Metrics.Enabled {
		rt.recorder = metrics.NewRecorder(a.Config.Metrics.Namespace, unit)
		observers = append(observers, rt.recorder)
	}
	if opts.cache && a.Config.Redis.Addr != "" {
		rt.cache = a.newCache()
		observers = append(observers, rt.cache)
	}

	clock := oracle.NewSystemClock()
	aggOpts := oracle.Options{
		BaseCurrency:        a.Config.Oracle.BaseCurrency,
		BaseCurrencyUnit:    unit,
		DefaultHeartbeat:    a.Config.Oracle.DefaultHeartbeat,
		DefaultMaxStaleTime: a.Config.Oracle.DefaultMaxStaleTime,
		Clock:               clock,
		Access:              ctrl,
		Store:               stateStore,
	}
	if len(observers) > 0 {
		aggOpts.Observer = observers
	}
	agg, err := oracle.New(aggOpts, a.Logger)
	if err != nil {
		return nil, err
	}
	if err := agg.Restore(ctx); err != nil {
		return nil, err
	}
	rt.aggregator = agg

	rt.dialer = fetcher.NewDialer(a.Logger)
	sources, err := a.buildSources(rt.dialer, clock)
	if err != nil {
		return nil, err
	}
	if opts.unverified {
		for name, src := range sources {
			sources[name] = unverifiedSource{src}
		}
	}
	if err := a.registerRoutes(ctx, agg, sources); err != nil {
		return nil, err
	}

	ok = true
	return rt, nil
}

func (a *App) roleSeed() map[access.Role][]common.Address {
	return map[access.Role][]common.Address{
		access.RoleAdmin:         hexAddresses(a.Config.Access.Admins),
		access.RoleOracleManager: hexAddresses(a.Config.Access.OracleManagers),
		access.RoleGuardian:      hexAddresses(a.Config.Access.Guardians),
	}
}

// operator is the principal CLI commands act as.
func (a *App) operator() (common.Address, error) {
	if a.Config.Access.Operator == "" {
		return common.Address{}, errors.New("access.operator not configured")
	}
	return common.HexToAddress(a.Config.Access.Operator), nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, error) {
	if a.Config.Database.DSN == "" {
		return nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

func (a *App) newCache() *cache.Publisher {
	rc := a.Config.Redis
	client := cache.NewRedisClient(rc.Addr, rc.Password, rc.DB)
	return cache.NewPublisher(client, cache.Options{
		KeyPrefix: rc.KeyPrefix,
		TTL:       rc.TTL,
		Channel:   rc.Channel,
		Unit:      oracle.UnitForDecimals(a.Config.Oracle.BaseCurrencyDecimals),
		QueueSize: rc.QueueSize,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	var out alerting.Multi
	for _, ch := range a.Config.Alerting.Channels {
		switch ch {
		case "telegram":
			if a.Config.Alerting.Telegram.Enabled {
				cfg := a.Config.Alerting.Telegram
				out = append(out, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
			}
		case "log":
			out = append(out, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", ch).Msg("unknown alert channel ignored")
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (a *App) symbols() map[common.Address]string {
	out := make(map[common.Address]string, len(a.Config.Assets))
	for _, asset := range a.Config.Assets {
		if asset.Symbol != "" {
			out[common.HexToAddress(asset.Address)] = asset.Symbol
		}
	}
	return out
}

func (a *App) alertOutcomes() []oracle.Outcome {
	out := make([]oracle.Outcome, 0, len(a.Config.Alerting.Outcomes))
	for _, o := range a.Config.Alerting.Outcomes {
		out = append(out, oracle.Outcome(o))
	}
	return out
}

// Run executes the long-running sweep service and HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx, buildOptions{metrics: true, cache: true})
	if err != nil {
		return err
	}
	defer rt.close()

	schedOpts := scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
		Immediate:     true,
	}
	if rt.recorder != nil {
		schedOpts.OnTick = func(_ time.Time, took time.Duration, err error) {
			rt.recorder.ObserveSweep(took, err)
		}
	}
	sched, err := scheduler.New(schedOpts, a.Logger)
	if err != nil {
		return err
	}

	deps := service.Deps{
		Scheduler: sched,
		Reader:    rt.aggregator,
		Notifier:  a.newNotifier(),
	}
	if rt.store != nil {
		deps.Evaluations = rt.store
		deps.Alerts = rt.store
		deps.Locker = rt.store
		// Admin CLI commands write straight to the store.
		deps.Reloaders = []service.StateReloader{rt.access, rt.aggregator}
	}
	if rt.recorder != nil {
		deps.Recorder = rt.recorder
	}
	svc := service.New(service.Options{
		AlertsEnabled:  a.Config.Alerting.Enabled,
		AlertOutcomes:  a.alertOutcomes(),
		Channels:       a.Config.Alerting.Channels,
		Cooldown:       a.Config.Alerting.Cooldown,
		AlertRetention: a.Config.Alerting.Retention,
		LockKey:        a.Config.Scheduler.AdvisoryLockKey,
		Symbols:        a.symbols(),
	}, deps, a.Logger)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.Logger.Info().Int("assets", len(rt.aggregator.Assets())).Msg("starting sweep service")
		return svc.Run(gctx)
	})

	if a.Config.HTTP.Enabled {
		srv, err := api.NewServer(a.Config.HTTP, rt.aggregator, a.symbols(), rt.metricsHandler(), a.Logger)
		if err != nil {
			cancel()
			_ = group.Wait()
			return err
		}
		group.Go(func() error {
			return srv.Run(gctx)
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("oracle service stopped")
	return nil
}

func (r *runtime) metricsHandler() http.Handler {
	if r.recorder == nil {
		return nil
	}
	return r.recorder.Handler()
}

func hexAddresses(in []string) []common.Address {
	out := make([]common.Address, 0, len(in))
	for _, s := range in {
		out = append(out, common.HexToAddress(s))
	}
	return out
}

// resolveAsset accepts a hex address or a configured symbol.
func (a *App) resolveAsset(s string) (common.Address, error) {
	if common.IsHexAddress(s) {
		return common.HexToAddress(s), nil
	}
	for _, asset := range a.Config.Assets {
		if asset.Symbol != "" && strings.EqualFold(asset.Symbol, s) {
			return common.HexToAddress(asset.Address), nil
		}
	}
	return common.Address{}, fmt.Errorf("%q is neither a hex address nor a configured symbol", s)
}
