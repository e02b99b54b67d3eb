//nolint:lll // struct tags can't be split
package disco

import (
	"crypto/tls"
	"github.com/af-t/disco/gateway"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix  = "DISCO_ENV_PREFIX"
	DefaultEnvPrefix    = "DISCO"
	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "disco.sqlite3"
	DefaultLogLevel     = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultGatewayLogLevel       = slog.LevelInfo
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultCommandPrefix         = "!"
	discordMaxMessageLength      = 2000

	DefaultAIModel                = "gemini-1.5-flash"
	DefaultAIName                 = "Gemini"
	DefaultAIBaseURL              = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultAILogLevel             = slog.LevelInfo
	DefaultAISessionDuration      = 10 * time.Minute
	DefaultAIMaxRequestsPerSecond = 1.0
	DefaultAIHistorySize          = 40
	DefaultAIRequestTimeout       = 2 * time.Minute

	DefaultQueueSize       = 100
	DefaultQueueMaxAge     = 3 * time.Minute
	DefaultQueueSleepEmpty = 1 * time.Second
	DefaultQueueWorkers    = 2

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"ETag",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string (a file path, for sqlite)
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Queue holds the configuration for the AI request queue
	Queue *QueueConfig `yaml:"queue" mapstructure:"queue" json:"queue" binding:"required"`

	// AI configures the chat completion bridge
	AI *AIConfig `yaml:"ai" mapstructure:"ai" json:"ai" binding:"required"`

	// API configures the status API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// Discord configures the bot and its gateway connection
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long opening the database and loading the
	// AI persona may take.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, remaining connections are closed and Run returns.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// QueueConfig configures the capacity and behavior of the AI request queue.
type QueueConfig struct {
	// Maximum queue size. When full, the oldest request is dropped. 0=unlimited
	Size int `yaml:"size" mapstructure:"size" json:"size"`

	// Maximum age of a request that will be returned from the queue. Requests
	// older than this will be discarded. 0=unlimited
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`

	// Sleep for this duration when the queue is empty, before checking again
	SleepEmpty time.Duration `yaml:"sleep_empty" mapstructure:"sleep_empty" json:"sleep_empty"`

	// Number of requests handled concurrently
	Workers int `yaml:"workers" mapstructure:"workers" json:"workers"`
}

func validateQueueConfig(sl validator.StructLevel) {
	value, ok := sl.Current().Interface().(QueueConfig)
	if !ok {
		return
	}
	if value.Size < 0 {
		sl.ReportError(value.Size, "Size", "size", "gte", "0")
	}
	if value.MaxAge < 0 {
		sl.ReportError(value.MaxAge, "MaxAge", "max_age", "gte", "0")
	}
	if value.SleepEmpty <= 0 {
		sl.ReportError(value.SleepEmpty, "SleepEmpty", "sleep_empty", "gt", "0")
	}
	if value.Workers < 1 {
		sl.ReportError(value.Workers, "Workers", "workers", "gte", "1")
	}
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger (REST calls only)
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Log level for the gateway connection
	GatewayLogLevel *slog.LevelVar `yaml:"gateway_log_level" mapstructure:"gateway_log_level" json:"gateway_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// ShardID and ShardCount are sent with identify when ShardCount > 0
	ShardID    int `yaml:"shard_id" mapstructure:"shard_id" json:"shard_id" binding:"gte=0"`
	ShardCount int `yaml:"shard_count" mapstructure:"shard_count" json:"shard_count" binding:"gte=0"`

	// GatewayURL is the initial gateway URL. Resumes use the URL from READY.
	GatewayURL string `yaml:"gateway_url" mapstructure:"gateway_url" json:"gateway_url" binding:"omitempty,url"`

	// ReconnectDelay is the wait before reconnecting after the connection is lost
	ReconnectDelay time.Duration `yaml:"reconnect_delay" mapstructure:"reconnect_delay" json:"reconnect_delay" binding:"gte=0"`

	// MaxReconnectDelay enables doubling backoff when above ReconnectDelay
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay" mapstructure:"max_reconnect_delay" json:"max_reconnect_delay" binding:"gte=0"`

	// MaxReconnectAttempts stops the bot after this many failed reconnects. 0=unlimited
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts" json:"max_reconnect_attempts" binding:"gte=0"`

	// Compress requests zlib compressed payloads with identify
	Compress bool `yaml:"compress" mapstructure:"compress" json:"compress"`

	// LargeThreshold is sent with identify when set (50-250)
	LargeThreshold int `yaml:"large_threshold" mapstructure:"large_threshold" json:"large_threshold" binding:"omitempty,min=50,max=250"`

	// ClientName is sent as the identify browser/device property
	ClientName string `yaml:"client_name" mapstructure:"client_name" json:"client_name"`

	// CommandPrefix precedes text commands, ex: '!ping'
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// If both this and NotificationChannelID are set, the bot sends this
	// message to that channel on READY.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// NotificationChannelID is the channel StartupMessage is sent to
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	httpClient *http.Client
}

// GatewayConfig returns the gateway connection settings.
func (c DiscordConfig) GatewayConfig() gateway.Config {
	cfg := gateway.DefaultConfig()
	if c.GatewayURL != "" {
		cfg.GatewayURL = c.GatewayURL
	}
	if c.ReconnectDelay > 0 {
		cfg.ReconnectDelay = c.ReconnectDelay
	}
	if c.ClientName != "" {
		cfg.ClientName = c.ClientName
	}
	cfg.MaxReconnectDelay = c.MaxReconnectDelay
	cfg.MaxReconnectAttempts = c.MaxReconnectAttempts
	cfg.Compress = c.Compress
	cfg.LargeThreshold = c.LargeThreshold
	return cfg
}

func validateDiscordConfig(sl validator.StructLevel) {
	value, ok := sl.Current().Interface().(DiscordConfig)
	if !ok {
		return
	}
	if value.ShardCount > 0 && value.ShardID >= value.ShardCount {
		sl.ReportError(value.ShardID, "ShardID", "shard_id", "ltfield", "ShardCount")
	}
}

func (c DiscordConfig) Shard() gateway.Shard {
	return gateway.Shard{ID: c.ShardID, Count: c.ShardCount}
}

// AIConfig configures the chat completion bridge. Any OpenAI-compatible
// endpoint works, set via BaseURL. Leaving Token empty disables the bridge.
type AIConfig struct {
	// API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Model name sent with each completion request
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required_with=Token"`

	// FallbackModel is tried once when a request to Model fails
	FallbackModel string `yaml:"fallback_model" mapstructure:"fallback_model" json:"fallback_model"`

	// Name replaces bot mentions in prompts
	Name string `yaml:"name" mapstructure:"name" json:"name"`

	// BaseURL of the OpenAI-compatible API
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`

	// AI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// SessionDuration is how long a conversation is kept after the last
	// message in it
	SessionDuration time.Duration `yaml:"session_duration" mapstructure:"session_duration" json:"session_duration" binding:"gte=0"`

	// MaxRequestsPerSecond paces completion requests
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gte=0"`

	// HistorySize caps the number of messages kept per conversation,
	// not counting the persona. 0=unlimited
	HistorySize int `yaml:"history_size" mapstructure:"history_size" json:"history_size" binding:"gte=0"`

	// PersonaFile is an optional YAML file with a system prompt and
	// example exchanges, prepended to every conversation
	PersonaFile string `yaml:"persona_file" mapstructure:"persona_file" json:"persona_file" binding:"omitempty,filepath"`

	// RequestTimeout limits a single completion request
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"gte=0"`
}

func (c AIConfig) Enabled() bool {
	return c.Token != ""
}

// APIConfig configures the status API server
type APIConfig struct {
	// Enabled starts the API with the bot
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret is the bearer token required for POST endpoints. If empty,
	// POST endpoints are disabled.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"required_if=Enabled true"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"required_if=Enabled true"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"required_if=Enabled true"`

	// Development registers pprof handlers and allows any CORS origin
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert" binding:"required_with=Key"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key" binding:"required_with=Cert"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (c SSLConfig) Enabled() bool {
	return c.Cert != "" && c.Key != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	aiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	gatewayLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	aiLogLevel.Set(DefaultAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	gatewayLogLevel.Set(DefaultGatewayLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Queue: &QueueConfig{
			Size:       DefaultQueueSize,
			MaxAge:     DefaultQueueMaxAge,
			SleepEmpty: DefaultQueueSleepEmpty,
			Workers:    DefaultQueueWorkers,
		},
		AI: &AIConfig{
			Model:                DefaultAIModel,
			Name:                 DefaultAIName,
			BaseURL:              DefaultAIBaseURL,
			LogLevel:             aiLogLevel,
			SessionDuration:      DefaultAISessionDuration,
			MaxRequestsPerSecond: DefaultAIMaxRequestsPerSecond,
			HistorySize:          DefaultAIHistorySize,
			RequestTimeout:       DefaultAIRequestTimeout,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			GatewayLogLevel:   gatewayLogLevel,
			GatewayURL:        gateway.DefaultGatewayURL,
			ReconnectDelay:    gateway.DefaultReconnectDelay,
			Compress:          true,
			ClientName:        gateway.DefaultClientName,
			CommandPrefix:     DefaultCommandPrefix,
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
