package disco

import (
	"context"
	"errors"
	"fmt"
	"github.com/af-t/disco/gateway"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const tracerName = "github.com/af-t/disco"

var (
	// When building, set these like:
	// -ldflags "-X github.com/af-t/disco/disco.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var ErrAlreadyRunning = errors.New("bot is already running")

var discordgoLoggerOnce sync.Once

// Bot ties the gateway connection to the REST session, the message log,
// the command registry, the AI bridge and the status API.
type Bot struct {
	config   *Config
	logger   *slog.Logger
	gateway  *gateway.Manager
	discord  DiscordSessionHandler
	db       DBI
	ai       *AI
	queue    *RequestQueue
	commands *CommandRegistry
	metrics  *Metrics
	registry *prometheus.Registry
	tracer   trace.Tracer
	api      *API

	// set by options, before the defaults are built
	dialer     gateway.Dialer
	chatClient ChatCompletionClient
	gormDB     *gorm.DB

	startedAt    time.Time
	runMu        sync.Mutex
	handlersOnce sync.Once

	// wg tracks goroutines spawned by gateway handlers: commands, message
	// log writes and delayed deletes
	wg sync.WaitGroup
}

type Option func(b *Bot)

// WithGatewayDialer sets the dialer used for the gateway connection.
func WithGatewayDialer(d gateway.Dialer) Option {
	return func(b *Bot) {
		b.dialer = d
	}
}

// WithDiscordSession sets the session used for REST calls.
func WithDiscordSession(s DiscordSessionHandler) Option {
	return func(b *Bot) {
		b.discord = s
	}
}

// WithChatCompletionClient sets the client used by the AI bridge,
// enabling it even without a configured token.
func WithChatCompletionClient(c ChatCompletionClient) Option {
	return func(b *Bot) {
		b.chatClient = c
	}
}

// WithDB sets an already opened (and migrated) database, instead of
// opening the configured one on Run.
func WithDB(db *gorm.DB) Option {
	return func(b *Bot) {
		b.gormDB = db
	}
}

// WithRegistry sets the registry metrics are registered with.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(b *Bot) {
		b.registry = reg
	}
}

// New builds the bot from config. Nothing connects until [Bot.Run].
func New(config *Config, opts ...Option) (*Bot, error) {
	if config == nil {
		return nil, errors.New("config required")
	}
	if config.Discord == nil || config.AI == nil || config.Queue == nil || config.API == nil {
		return nil, errors.New("config missing discord, ai, queue or api section")
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{config: config}
	for _, opt := range opts {
		opt(b)
	}

	b.logger = slog.New(newLogHandler(config.LogLevel))
	slog.SetDefault(b.logger)

	if b.registry == nil {
		b.registry = prometheus.NewRegistry()
		b.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	b.metrics = NewMetrics(b.registry)
	b.tracer = otel.Tracer(tracerName)

	// discordgo's logger is package-global, so the first bot configures it
	discordgoLoggerOnce.Do(
		func() {
			discordgo.Logger = discordgoLoggerFunc(
				context.Background(),
				newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
					[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
				),
			)
		},
	)

	var errs []error
	if b.discord == nil {
		config.Discord.httpClient = config.HTTPClient
		disc, err := newDiscordSession(
			config.Discord,
			config.HTTPClient,
			newSubsystemLogger(config.Discord.LogLevel, "discord"),
		)
		if err != nil {
			errs = append(errs, err)
		} else {
			b.discord = disc
		}
	}

	gatewayOpts := []gateway.Option{
		gateway.WithLogger(newSubsystemLogger(config.Discord.GatewayLogLevel, "gateway")),
		gateway.WithMetrics(gateway.NewMetrics(b.registry)),
		gateway.WithTracer(otel.Tracer(tracerName + "/gateway")),
	}
	if b.dialer != nil {
		gatewayOpts = append(gatewayOpts, gateway.WithDialer(b.dialer))
	}
	b.gateway = gateway.New(config.Discord.GatewayConfig(), gatewayOpts...)

	b.ai = newAI(
		config.AI,
		config.HTTPClient,
		newSubsystemLogger(config.AI.LogLevel, "ai"),
		b.metrics,
	)
	if b.chatClient != nil {
		b.ai.client = b.chatClient
	}

	b.queue = NewRequestQueue(
		config.Queue,
		b.logger.With(loggerNameKey, "queue"),
		b.metrics,
	)

	commands, err := NewCommandRegistry(b.defaultCommands()...)
	if err != nil {
		errs = append(errs, err)
	}
	b.commands = commands

	if b.gormDB != nil {
		b.db = b.newDatabase(b.gormDB)
	}

	if config.API.Enabled {
		api, apiErr := newAPI(b, config.API, b.registry)
		if apiErr != nil {
			errs = append(errs, apiErr)
		}
		b.api = api
	}

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// Gateway returns the gateway connection manager.
func (b *Bot) Gateway() *gateway.Manager {
	return b.gateway
}

// Commands returns the command registry, to register additional commands
// before [Bot.Run].
func (b *Bot) Commands() *CommandRegistry {
	return b.commands
}

// API returns the status API, or nil when it's disabled.
func (b *Bot) API() *API {
	return b.api
}

func (b *Bot) newDatabase(db *gorm.DB) DBI {
	return NewDatabase(
		db,
		b.logger,
		b.config.DatabaseType == dbTypePostgres,
	)
}

// Run validates the config, opens the database, then runs the gateway
// connection, the status API and the AI request queue until ctx is
// canceled or the gateway stops.
func (b *Bot) Run(ctx context.Context) error {
	if !b.runMu.TryLock() {
		return ErrAlreadyRunning
	}
	defer b.runMu.Unlock()

	logger := b.logger
	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	b.startedAt = time.Now()
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	err := b.initRun(startCtx)
	startCancel()
	if err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	b.handlersOnce.Do(b.registerHandlers)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(
		func() error {
			// the bot doesn't outlive its gateway connection
			defer cancel()
			discordCfg := b.config.Discord
			if e := b.gateway.Connect(
				gctx,
				discordCfg.Token,
				discordCfg.GatewayIntents,
				discordCfg.Shard(),
			); e != nil {
				return fmt.Errorf("gateway stopped: %w", e)
			}
			return nil
		},
	)

	if b.api != nil {
		g.Go(
			func() error {
				e := b.api.Serve(gctx)
				if e != nil && !errors.Is(e, http.ErrServerClosed) {
					return e
				}
				return nil
			},
		)
		g.Go(
			func() error {
				<-gctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(
					context.WithoutCancel(ctx),
					b.config.ShutdownTimeout,
				)
				defer shutdownCancel()
				if e := b.api.Shutdown(shutdownCtx); e != nil {
					return fmt.Errorf("error shutting down api: %w", e)
				}
				return nil
			},
		)
	}

	g.Go(
		func() error {
			return b.queue.watch(gctx, b.handleAIRequest)
		},
	)

	runErr := g.Wait()
	if runErr != nil {
		logger.ErrorContext(ctx, "stopped with error", tint.Err(runErr))
	}
	return errors.Join(runErr, b.shutdown(ctx))
}

// initRun opens the database (unless one was provided) and loads the AI
// persona.
func (b *Bot) initRun(ctx context.Context) error {
	if b.db == nil {
		db, err := openDB(ctx, b.config)
		if err != nil {
			return err
		}
		b.db = b.newDatabase(db)
	}
	if err := b.ai.LoadPersona(); err != nil {
		return fmt.Errorf("error loading persona: %w", err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("startup cancelled or timed out: %w", ctx.Err())
	}
	return nil
}

// shutdown waits for in-flight commands, up to the shutdown timeout,
// then drops whatever is left in the queue.
func (b *Bot) shutdown(ctx context.Context) error {
	logger := b.logger
	shutdownStart := time.Now()
	logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", b.config.ShutdownTimeout,
	)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		logger.InfoContext(
			ctx,
			"finished handling in-flight commands",
			"shutdown_duration", time.Since(shutdownStart),
		)
	case <-time.After(b.config.ShutdownTimeout):
		err = errors.New("in-flight commands did not finish in time")
		logger.ErrorContext(ctx, "shutdown timed out", tint.Err(err))
	}

	if dropped := b.queue.Clear(); len(dropped) > 0 {
		logger.WarnContext(ctx, "purged request queue", "count", len(dropped))
	}
	return err
}

// registerHandlers subscribes to the gateway's dispatch events.
func (b *Bot) registerHandlers() {
	r := b.gateway.Router()
	gateway.Handle(r, b.handleReady)
	gateway.Handle(r, b.handleResumed)
	gateway.Handle(r, b.handleGuildCreate)
	gateway.Handle(r, b.handleGuildDelete)
	gateway.Handle(r, b.handleMessageCreate)
	gateway.Handle(r, b.handleMessageDelete)
	gateway.Handle(r, b.handleMessageDeleteBulk)
	gateway.Handle(r, b.handleInteractionCreate)
}

// goTracked runs f in a goroutine tracked by b.wg.
func (b *Bot) goTracked(f func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f()
	}()
}
