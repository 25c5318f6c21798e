package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/planning-poker/go/internal/relay"
)

const releaseVersion = "0.4.0"

type Config struct {
	bind           string
	port           int
	publicURL      string
	natsURL        string
	natsSubject    string
	redisURL       string
	redisChannel   string
	maxMessageSize int64
	sendBuffer     int
	verbose        bool
}

func (c *Config) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.natsURL != "" && c.redisURL != "" {
		return errors.New("--nats-url and --redis-url cannot be used together")
	}
	return nil
}

func (c *Config) relayConfig() relay.Config {
	config := relay.DefaultConfig()
	config.Hub.MaxMessageSize = c.maxMessageSize
	config.Hub.SendBuffer = c.sendBuffer
	config.NATS.URL = c.natsURL
	config.NATS.Subject = c.natsSubject
	config.Redis.URL = c.redisURL
	config.Redis.Channel = c.redisChannel
	config.PublicURL = c.publicURL
	config.Version = releaseVersion
	return config
}

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg := &Config{}
	if err := newCmd(cfg).Execute(); err != nil {
		log.Fatal().Err(err).Msg("relay failed")
	}
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("POKER_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:     "poker-relay",
		Short:   "Stateless websocket fan-out relay for planning poker rooms.",
		Args:    cobra.ExactArgs(0),
		Version: releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			if cfg.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	defaults := relay.DefaultConfig()

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: POKER_RELAY_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: POKER_RELAY_PORT)")
	fs.StringVar(&cfg.publicURL, "public-url", "", "base URL used in share links, derived from the request when empty (env: POKER_RELAY_PUBLIC_URL)")
	fs.StringVar(&cfg.natsURL, "nats-url", "", "NATS server for the multi-instance backplane (env: POKER_RELAY_NATS_URL)")
	fs.StringVar(&cfg.natsSubject, "nats-subject", relay.DefaultNATSConfig().Subject, "NATS subject for the backplane (env: POKER_RELAY_NATS_SUBJECT)")
	fs.StringVar(&cfg.redisURL, "redis-url", "", "Redis server for the multi-instance backplane (env: POKER_RELAY_REDIS_URL)")
	fs.StringVar(&cfg.redisChannel, "redis-channel", relay.DefaultRedisConfig().Channel, "Redis pub/sub channel for the backplane (env: POKER_RELAY_REDIS_CHANNEL)")
	fs.Int64Var(&cfg.maxMessageSize, "max-message-size", defaults.Hub.MaxMessageSize, "largest accepted payload in bytes (env: POKER_RELAY_MAX_MESSAGE_SIZE)")
	fs.IntVar(&cfg.sendBuffer, "send-buffer", defaults.Hub.SendBuffer, "queued payloads per connection before it is dropped (env: POKER_RELAY_SEND_BUFFER)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "log every relayed payload (env: POKER_RELAY_VERBOSE)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("poker-relay v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

func run(parent context.Context, cfg *Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := relay.NewService(cfg.relayConfig())
	if err != nil {
		return fmt.Errorf("failed to create relay service: %w", err)
	}

	server := setupServer(net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)), service)

	serviceDone := make(chan error, 1)
	go func() {
		serviceDone <- service.Start(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("version", releaseVersion).
			Msg("relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case err := <-serverErr:
		stop()
		<-serviceDone
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := <-serviceDone; err != nil {
		return err
	}

	log.Info().Msg("relay shutdown complete")
	return nil
}

func setupServer(addr string, service *relay.Service) *http.Server {
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	handler := accessLog(c.Handler(service.Routes()))

	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

// accessLog writes one line per HTTP request. Websocket requests are logged
// when the connection ends.
func accessLog(next http.Handler) http.Handler {
	h := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(next)
	h = hlog.RemoteAddrHandler("remote_addr")(h)
	h = hlog.UserAgentHandler("user_agent")(h)
	return hlog.NewHandler(log.Logger)(h)
}
