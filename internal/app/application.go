package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"campuschat/internal/api"
	"campuschat/internal/auth"
	"campuschat/internal/channel"
	"campuschat/internal/config"
	"campuschat/internal/database"
	"campuschat/internal/dm"
	"campuschat/internal/hub"
	"campuschat/internal/logging"
	"campuschat/internal/notify"
	"campuschat/internal/presence"
	"campuschat/internal/router"
	"campuschat/internal/websocket"
	pkgdatabase "campuschat/pkg/database"
)

// Application coordinates all system components
type Application struct {
	config        *config.Config
	logger        *slog.Logger
	store         *database.Manager
	registry      *websocket.Registry
	notifications *notify.Service
	channels      *channel.Manager
	janitor       *channel.Janitor
	messageHub    *hub.Hub
	apiServer     *api.Server
	httpServer    *http.Server
}

// Option adjusts construction
type Option func(*options)

type options struct {
	logOutput io.Writer
	pusher    notify.Pusher
}

// WithLogOutput sends logs to w instead of stderr
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithPusher overrides the pusher chosen from the push configuration
func WithPusher(p notify.Pusher) Option {
	return func(o *options) { o.pusher = p }
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Registry → Notify → Channels/DMs → Router → Hub → API → HTTP
func NewApplication(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	logger, err := logging.New(o.logOutput, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	verifier, err := auth.NewVerifier(cfg.Auth.TokenSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}

	// STEP 1: Database with migrations applied
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.MaxConnections = cfg.Database.MaxConnections
	dbConfig.BusyTimeout = cfg.Database.Timeout

	store, err := database.Open(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// STEP 2: Live connection state
	registry := websocket.NewRegistry(logger)

	// STEP 3: Durable notifications with optional web push
	pusher := o.pusher
	if pusher == nil {
		pusher = notify.NopPusher{}
		if cfg.Push.Enabled() {
			webPusher, err := notify.NewWebPusher(notify.PushConfig{
				VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
				VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
				Subscriber:      cfg.Push.Subscriber,
				TTL:             cfg.Push.TTL,
			})
			if err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("failed to configure web push: %w", err)
			}
			pusher = webPusher
		}
	}
	notifications := notify.NewService(store, registry, pusher, logger)

	// STEP 4: Domain managers
	channels := channel.NewManager(store, registry, notifications, logger)
	janitor := channel.NewJanitor(channels, cfg.Channels.CleanupInterval, cfg.Channels.IdleThreshold, logger)
	dms := dm.NewManager(store, store, registry, notifications, dm.Options{
		MaxContentLength: cfg.Messaging.MaxContentLength,
		Logger:           logger,
	})

	// STEP 5: Message routing and inbound dispatch
	messageRouter := router.NewRouter(router.Config{
		Messages:    store,
		Channels:    store,
		Users:       store,
		Directs:     dms,
		Broadcaster: registry,
		Notifier:    notifications,
		Limiter:     router.NewRateLimiter(cfg.Messaging.RateLimitPerMinute, time.Minute),
		MaxContent:  cfg.Messaging.MaxContentLength,
		Logger:      logger,
	})
	messageHub := hub.NewHub(hub.Config{
		Registry: registry,
		Users:    store,
		Router:   messageRouter,
		Channels: channels,
		DMs:      dms,
		Typing:   presence.NewTyping(registry),
		Logger:   logger,
	})

	// STEP 6: WebSocket handshake and REST surface
	wsHandler := websocket.NewHandler(verifier, messageHub, websocket.HandlerConfig{
		PingInterval:    cfg.WebSocket.PingInterval,
		ReadTimeout:     cfg.WebSocket.ReadTimeout,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		SendBuffer:      cfg.WebSocket.BufferSize,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
	}, logger)

	apiServer := api.NewServer(api.Config{
		Verifier:      verifier,
		Users:         store,
		Health:        store,
		Stats:         registry,
		Router:        messageRouter,
		Channels:      channels,
		DMs:           dms,
		Notifications: notifications,
		WebSocket:     http.HandlerFunc(wsHandler.HandleWebSocket),
		Logger:        logger,
	})

	// TECHNICAL DISCOVERY: Server timeouts only bound the handshake; upgraded connections
	// reset their own read and write deadlines on every frame
	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTP.Host, fmt.Sprint(cfg.HTTP.Port)),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:        cfg,
		logger:        logger.With("component", "app"),
		store:         store,
		registry:      registry,
		notifications: notifications,
		channels:      channels,
		janitor:       janitor,
		messageHub:    messageHub,
		apiServer:     apiServer,
		httpServer:    httpServer,
	}, nil
}

// Prepare seeds default channels and starts the background loops without serving HTTP
func (app *Application) Prepare(ctx context.Context) error {
	created, err := app.channels.SeedDefaults(ctx, app.config.Channels.Defaults)
	if err != nil {
		return fmt.Errorf("failed to seed default channels: %w", err)
	}
	if created > 0 {
		app.logger.Info("seeded default channels", "created", created)
	}

	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}
	if err := app.janitor.Start(ctx); err != nil {
		_ = app.messageHub.Stop()
		return fmt.Errorf("failed to start channel janitor: %w", err)
	}
	return nil
}

// Start prepares the application and begins serving HTTP
// Startup coordination ensures all components ready before serving
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("starting campuschat", "addr", app.httpServer.Addr)

	if err := app.Prepare(ctx); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.stopLoops()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", "error", err)
		}
	}()

	app.logger.Info("campuschat started", "addr", listener.Addr().String())
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → loops → pending pushes → Database
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down campuschat")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}
	// Shutdown does not track hijacked websocket connections
	if closed := app.registry.CloseAll(); closed > 0 {
		app.logger.Info("closed live connections", "count", closed)
	}
	app.stopLoops()
	app.notifications.Wait()
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database shutdown: %w", err))
	}

	app.logger.Info("campuschat shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) stopLoops() {
	if err := app.janitor.Stop(); err != nil && !errors.Is(err, channel.ErrJanitorNotRunning) {
		app.logger.Warn("channel janitor shutdown error", "error", err)
	}
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.logger.Warn("message hub shutdown error", "error", err)
	}
}

// Handler returns the root HTTP handler serving REST and /ws
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Stats returns live connection statistics
func (app *Application) Stats() map[string]int {
	return app.registry.Stats()
}

// GetAddr returns the server address for external connections
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
