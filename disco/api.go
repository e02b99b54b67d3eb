package disco

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/af-t/disco/gateway"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiHealthCheck          = "/healthz"
	apiMetrics              = "/metrics"
	apiPathGateway          = "/gateway"
	apiPathGatewayBot       = "/gateway/bot"
	apiPathGatewayReconnect = "/gateway/reconnect"
	apiPathGuilds           = "/guilds"
	apiPathMessages         = "/messages"
)

const (
	xRequestIDHeader = "X-Request-ID"
	bearerPrefix     = "Bearer "
	unmatchedRoute   = "unmatched"
)

// API serves the bot's status endpoints.
type API struct {
	config     *APIConfig
	bot        *Bot
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// newAPI builds the gin engine and HTTP server. Nothing listens until
// [API.Serve] is called.
func newAPI(b *Bot, config *APIConfig, gatherer prometheus.Gatherer) (*API, error) {
	logger := newSubsystemLogger(config.LogLevel, "api")

	r := gin.New()
	api := &API{
		config: config,
		bot:    b,
		engine: r,
		logger: logger,
	}

	var tlsCfg *tls.Config
	if config.SSL.Enabled() {
		var err error
		tlsCfg, err = tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(b.metrics),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	r.GET(apiHealthCheck, api.healthCheck)
	if gatherer != nil {
		r.GET(
			apiMetrics,
			gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})),
		)
	}

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	g := r.Group(apiPrefix)
	g.GET(apiPathGateway, api.getGatewayStatus)
	g.GET(apiPathGatewayBot, api.getDiscordGatewayBot)
	g.GET(apiPathGuilds, api.getGuilds)
	g.GET(apiPathMessages, api.getDiscordMessages)

	protected := g.Group("")
	protected.Use(authMiddleware(config.Secret))
	protected.POST(apiPathGatewayReconnect, api.gatewayReconnect)

	return api, nil
}

// Serve listens on the configured address (with TLS, if configured) and
// serves until [API.Shutdown] is called, after which it returns
// http.ErrServerClosed.
func (a *API) Serve(ctx context.Context) error {
	a.mu.Lock()
	ln := a.listener
	if ln == nil {
		listenCfg := &net.ListenConfig{}
		var err error
		ln, err = listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.mu.Unlock()

	a.logger.InfoContext(
		ctx,
		"api listening",
		"address", ln.Addr().String(),
		"tls", a.httpServer.TLSConfig != nil,
	)
	return a.httpServer.Serve(ln)
}

// Addr returns the address the API is listening on, or nil before
// [API.Serve] is called.
func (a *API) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// healthCheck reports the gateway state. It responds 503 unless the
// gateway is connected.
func (a *API) healthCheck(c *gin.Context) {
	state := a.bot.gateway.State()
	status := http.StatusOK
	if state != gateway.StateConnected {
		status = http.StatusServiceUnavailable
	}
	c.JSON(
		status, healthCheckResponse{
			State:                   state,
			DiscordGatewayConnected: state == gateway.StateConnected,
			SessionValid:            a.bot.gateway.SessionValid(),
			QueueSize:               a.bot.queue.Len(),
		},
	)
}

func (a *API) getGatewayStatus(c *gin.Context) {
	g := a.bot.gateway
	c.JSON(
		http.StatusOK, gatewayStatusResponse{
			State:        g.State(),
			SessionValid: g.SessionValid(),
			Session:      g.Session(),
			Latency:      g.Latency().Milliseconds(),
			User:         g.User(),
			GuildCount:   g.GuildCount(),
			ShardID:      a.bot.config.Discord.ShardID,
			ShardCount:   a.bot.config.Discord.ShardCount,
		},
	)
}

func (a *API) getDiscordGatewayBot(c *gin.Context) {
	gb, err := a.bot.discord.GatewayBot(
		discordgo.WithContext(c.Request.Context()),
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	)
	if err != nil {
		ginContextLogger(c).ErrorContext(c, "error fetching gateway bot", tint.Err(err))
		ginReplyError(c, "error fetching gateway bot")
		return
	}
	c.JSON(http.StatusOK, gb)
}

func (a *API) gatewayReconnect(c *gin.Context) {
	if err := a.bot.gateway.Reconnect(); err != nil {
		if errors.Is(err, gateway.ErrNotConnected) {
			c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: err.Error()})
			return
		}
		ginReplyError(c, err.Error())
		return
	}
	ginContextLogger(c).InfoContext(c, "gateway reconnect requested")
	ginReplyMessage(c, "reconnecting")
}

func (a *API) getGuilds(c *gin.Context) {
	guilds := a.bot.gateway.Guilds()
	c.JSON(http.StatusOK, guildsResponse{Guilds: guilds, Count: len(guilds)})
}

// getDiscordMessages lists saved messages, newest first.
func (a *API) getDiscordMessages(c *gin.Context) {
	var query messagesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	messages, err := listMessages(
		c.Request.Context(),
		a.bot.db.DB(),
		query.ChannelID,
		query.Limit,
	)
	if err != nil {
		ginContextLogger(c).ErrorContext(
			c,
			"error getting discord messages",
			tint.Err(err),
		)
		ginReplyError(c, "error getting discord messages")
		return
	}
	c.JSON(http.StatusOK, messages)
}

type messagesQuery struct {
	ChannelID string `form:"channel_id" binding:"omitempty,numeric"`
	Limit     int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

type healthCheckResponse struct {
	State                   gateway.State `json:"state"`
	DiscordGatewayConnected bool          `json:"discord_gateway_connected"`
	SessionValid            bool          `json:"session_valid"`
	QueueSize               int           `json:"queue_size"`
}

type gatewayStatusResponse struct {
	State        gateway.State           `json:"state"`
	SessionValid bool                    `json:"session_valid"`
	Session      gateway.SessionSnapshot `json:"session"`
	Latency      int64                   `json:"latency_ms"`
	User         *discordgo.User         `json:"user,omitempty"`
	GuildCount   int                     `json:"guild_count"`
	ShardID      int                     `json:"shard_id"`
	ShardCount   int                     `json:"shard_count"`
}

type guildsResponse struct {
	Guilds []string `json:"guilds"`
	Count  int      `json:"count"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// authMiddleware requires `Authorization: Bearer <secret>`. With no
// secret configured, every request is refused.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(
				http.StatusForbidden,
				httpError{Error: "endpoint disabled"},
			)
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, bearerPrefix)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			ginContextLogger(c).WarnContext(c, "unauthorized request")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns each request a unique ID, set in the gin
// context and the response headers under X-Request-ID.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// requestLogger returns logger with the request's details attached.
func requestLogger(c *gin.Context, logger *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}
	return logger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
}

// ginContextLogger returns the request's logger from the gin context,
// or, if it doesn't exist, creates one from the default logger and sets
// it in the context.
func ginContextLogger(c *gin.Context) *slog.Logger {
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		if l, ok := logger.(*slog.Logger); ok {
			return l
		}
	}
	l := requestLogger(c, slog.Default())
	c.Set(string(loggerContextKey), l)
	return l
}

// ginLoggingMiddleware logs each request once it's finished, along with
// any errors added to the gin context.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqLogger := requestLogger(c, logger)
		c.Set(string(loggerContextKey), reqLogger)
		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), reqLogger))

		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			reqLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		reqLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware records request counts and latency by route pattern.
func metricMiddleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		metrics.apiRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
