package cmd

import (
	"context"
	"fmt"
	"github.com/af-t/disco/disco"
	"github.com/af-t/disco/gateway"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = disco.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "disco [flags]",
	Short: "Discord bot with a gateway connection manager, AI chat and a status API",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

func unmarshalConfig(c *disco.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
		// replace default slices instead of overwriting them index by index
		func(dc *mapstructure.DecoderConfig) {
			dc.ZeroFields = true
		},
	)
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names (ex: "DEBUG", "warn") into
// *slog.LevelVar fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", disco.DefaultDatabase)
	viper.SetDefault("database_type", disco.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		disco.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		disco.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", disco.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", disco.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", disco.DefaultShutdownTimeout)

	viper.SetDefault("queue.size", disco.DefaultQueueSize)
	viper.SetDefault("queue.max_age", disco.DefaultQueueMaxAge)
	viper.SetDefault("queue.sleep_empty", disco.DefaultQueueSleepEmpty)
	viper.SetDefault("queue.workers", disco.DefaultQueueWorkers)

	// AI config
	viper.SetDefault("ai.token", "")
	viper.SetDefault("ai.model", disco.DefaultAIModel)
	viper.SetDefault("ai.fallback_model", "")
	viper.SetDefault("ai.name", disco.DefaultAIName)
	viper.SetDefault("ai.base_url", disco.DefaultAIBaseURL)
	viper.SetDefault("ai.log_level", disco.DefaultAILogLevel.String())
	viper.SetDefault("ai.session_duration", disco.DefaultAISessionDuration)
	viper.SetDefault(
		"ai.max_requests_per_second",
		disco.DefaultAIMaxRequestsPerSecond,
	)
	viper.SetDefault("ai.history_size", disco.DefaultAIHistorySize)
	viper.SetDefault("ai.persona_file", "")
	viper.SetDefault("ai.request_timeout", disco.DefaultAIRequestTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.log_level", disco.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		disco.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_log_level",
		disco.DefaultGatewayLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		int(disco.DefaultDiscordGatewayIntent),
	)
	viper.SetDefault("discord.command_prefix", disco.DefaultCommandPrefix)
	viper.SetDefault("discord.startup_message", disco.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")

	// Discord: gateway connection
	viper.SetDefault("discord.gateway_url", gateway.DefaultGatewayURL)
	viper.SetDefault("discord.shard_id", 0)
	viper.SetDefault("discord.shard_count", 0)
	viper.SetDefault("discord.reconnect_delay", gateway.DefaultReconnectDelay)
	viper.SetDefault("discord.max_reconnect_delay", 0)
	viper.SetDefault("discord.max_reconnect_attempts", 0)
	viper.SetDefault("discord.compress", true)
	viper.SetDefault("discord.large_threshold", 0)
	viper.SetDefault("discord.client_name", gateway.DefaultClientName)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.listen", disco.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", disco.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", disco.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		disco.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", disco.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", disco.DefaultIdleTimeout)

	// API: SSL config
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", disco.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", disco.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", disco.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", disco.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", disco.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		disco.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(disco.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = disco.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"env file to load settings from (default: .env)",
	)
}
