package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mcdev12/planning-poker/go/internal/identity"
	"github.com/mcdev12/planning-poker/go/internal/models"
	"github.com/mcdev12/planning-poker/go/internal/room/engine"
	"github.com/mcdev12/planning-poker/go/internal/room/transport"
	"github.com/mcdev12/planning-poker/go/internal/room/view"
	"github.com/mcdev12/planning-poker/go/internal/roster"
)

const releaseVersion = "0.4.0"

type Config struct {
	relayURL     string
	relaySet     bool
	roomID       string
	identityFile string
	configFile   string
	spectator    bool
	verbose      bool
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg := &Config{}
	if err := newCmd(cfg).Execute(); err != nil {
		log.Fatal().Err(err).Msg("poker client failed")
	}
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("POKER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:     "poker",
		Short:   "Join a planning poker room from the terminal.",
		Args:    cobra.ExactArgs(0),
		Version: releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			cfg.relaySet = cmd.Flags().Changed("relay")
			return run(cmd.Context(), cfg, os.Stdin, os.Stdout)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.relayURL, "relay", "r", "ws://localhost:8080/ws", "relay websocket URL (env: POKER_RELAY)")
	fs.StringVar(&cfg.roomID, "room", "", "room id or share link to join; a new room is created when empty (env: POKER_ROOM)")
	fs.StringVar(&cfg.identityFile, "identity-file", "", "keep the participant id in this file across runs (env: POKER_IDENTITY_FILE)")
	fs.StringVarP(&cfg.configFile, "config", "c", "", "YAML config file (env: POKER_CONFIG)")
	fs.BoolVar(&cfg.spectator, "spectator", false, "join as a spectator (env: POKER_SPECTATOR)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display debug logging (env: POKER_VERBOSE)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("poker v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

func run(parent context.Context, cfg *Config, in io.Reader, out io.Writer) error {
	var fileConfig *FileConfig
	if cfg.configFile != "" {
		loaded, err := loadConfig(cfg.configFile)
		if err != nil {
			return err
		}
		fileConfig = loaded
		if loaded.RelayURL != "" && !cfg.relaySet {
			cfg.relayURL = loaded.RelayURL
		}
	}
	engineConfig, err := fileConfig.engineConfig()
	if err != nil {
		return err
	}

	var provider identity.Provider = identity.NewMemory()
	if cfg.identityFile != "" {
		provider = identity.NewFile(cfg.identityFile)
	}
	userID, err := provider.UserID()
	if err != nil {
		return fmt.Errorf("failed to resolve identity: %w", err)
	}

	roomID, linkRelay, err := parseRoomArg(cfg.roomID)
	if err != nil {
		return err
	}
	if linkRelay != "" && !cfg.relaySet {
		cfg.relayURL = linkRelay
	}
	if roomID == "" {
		roomID = uuid.NewString()
	}
	link, err := shareURL(cfg.relayURL, roomID)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := transport.Dial(ctx, cfg.relayURL, transport.DefaultConfig())
	if err != nil {
		return err
	}

	ui := &console{out: out, userID: userID, roomID: roomID, deck: engineConfig.Deck, link: link}
	session := engine.NewSession(userID, roomID, conn, engineConfig, engine.WithObserver(ui.render))

	log.Info().
		Str("room_id", roomID).
		Str("user_id", userID).
		Str("relay", cfg.relayURL).
		Msg("joining room")
	ui.printf("Joined room %s as %s\nShare: %s\nType help for commands.\n", roomID, userID, link)

	runErr := make(chan error, 1)
	go func() {
		runErr <- session.Run(ctx)
	}()

	if cfg.spectator {
		if err := session.SetSpectator(ctx, true); err != nil {
			log.Warn().Err(err).Msg("failed to join as spectator")
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-session.Done():
				return
			}
		}
	}()

	for {
		select {
		case err := <-runErr:
			if err != nil {
				return fmt.Errorf("left room: %w", err)
			}
			ui.printf("Left room %s\n", roomID)
			return nil

		case line, ok := <-lines:
			if !ok {
				// stdin closed, treat it like leaving
				lines = nil
				leave(session)
				continue
			}
			if done := ui.dispatch(ctx, session, line); done {
				leave(session)
			}
		}
	}
}

func leave(session *engine.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Leave(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to leave room")
	}
}

// console renders room updates and turns typed commands into intents.
type console struct {
	mu     sync.Mutex
	out    io.Writer
	userID string
	roomID string
	deck   models.Deck
	link   string
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) render(snap roster.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out)
	if err := view.New(c.userID, c.roomID, c.deck, snap).Render(c.out); err != nil {
		log.Warn().Err(err).Msg("failed to render room")
	}
}

// dispatch runs one typed command and reports whether the user asked to leave.
func (c *console) dispatch(ctx context.Context, session *engine.Session, line string) bool {
	cmd, err := parseCommand(line)
	if err != nil {
		c.printf("%v (type help)\n", err)
		return false
	}

	switch cmd.kind {
	case cmdLeave:
		return true
	case cmdHelp:
		c.printf("%s", helpText)
		return false
	case cmdShare:
		c.share()
		return false
	}

	snap, err := session.Snapshot(ctx)
	if err != nil {
		c.printf("room unavailable: %v\n", err)
		return false
	}
	current := view.New(c.userID, c.roomID, c.deck, snap)

	switch cmd.kind {
	case cmdShow:
		c.render(snap)
	case cmdVote:
		if !current.CanVote() {
			c.printf("Voting is closed: %s\n", closedReason(current))
			return false
		}
		err = session.SelectEstimate(ctx, cmd.estimate)
	case cmdReveal:
		if !current.CanReveal() {
			c.printf("Nothing to reveal yet\n")
			return false
		}
		err = session.Reveal(ctx)
	case cmdReset:
		err = session.Reset(ctx)
	case cmdSpectate:
		err = session.ToggleSpectator(ctx)
	}

	switch {
	case errors.Is(err, engine.ErrInvalidEstimate):
		c.printf("Pick one of the deck values\n")
	case err != nil:
		c.printf("%v\n", err)
	}
	return false
}

func closedReason(v view.View) string {
	if v.IsSpectator {
		return "you are not a voter"
	}
	return "estimates are revealed, reset to vote again"
}

func (c *console) share() {
	qr, err := qrcode.New(c.link, qrcode.Medium)
	if err != nil {
		c.printf("Share: %s\n", c.link)
		return
	}
	c.printf("%s\nShare: %s\n", qr.ToSmallString(false), c.link)
}
