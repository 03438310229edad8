package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"github.com/tomaslejdung/meshchat/pkg/rendezvous"
	"github.com/tomaslejdung/meshchat/pkg/settings"
	"github.com/tomaslejdung/meshchat/pkg/signal"
	"github.com/tomaslejdung/meshchat/pkg/transport"
)

const envPrefix = "MESHCHAT"

// ErrUsernameRequired is returned when a chat client starts without a name.
var ErrUsernameRequired = errors.New("username is required (--user or MESHCHAT_USERNAME)")

// Config holds runtime configuration. Values come from the saved settings,
// then MESHCHAT_* environment variables (and .env), then command line flags.
type Config struct {
	Username    string `validate:"omitempty,max=32,excludesall= #"`
	Tracker     string `validate:"required,url"`
	Channel     string `validate:"required"`
	AdvertiseIP string `split_words:"true" validate:"required,ip"`
	Port        int    `validate:"min=1,max=65535"`

	ServeMode bool   `ignored:"true"`
	Listen    string `validate:"required"`
	WebAddr   string `split_words:"true"`

	STUNServers []string `split_words:"true"`
	TURNServer  string   `split_words:"true"`
	TURNUser    string   `split_words:"true"`
	TURNPass    string   `split_words:"true"`
	ForceRelay  bool     `split_words:"true"`

	LogLevel string `split_words:"true" validate:"oneof=trace debug info warn error"`
	Help     bool   `ignored:"true"`
}

func defaultConfig(s settings.UserSettings) Config {
	return Config{
		Username:    s.Username,
		Tracker:     s.Tracker,
		Channel:     s.Channel,
		AdvertiseIP: localIP(),
		Port:        s.Port,
		Listen:      ":8000",
		STUNServers: s.STUNServers,
		LogLevel:    "info",
	}
}

// loadConfig merges saved settings, the environment and args into a
// validated Config.
func loadConfig(s settings.UserSettings, args []string) (Config, error) {
	cfg := defaultConfig(s)

	// .env is optional
	_ = godotenv.Load()

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}

	fs := newFlagSet(&cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.Help {
		return cfg, nil
	}

	cfg.Tracker = rendezvous.NormalizeURL(cfg.Tracker)
	cfg.Channel = signal.NormalizeChannel(cfg.Channel)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("meshchat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.Username, "user", cfg.Username, "Your name in the mesh")
	fs.StringVar(&cfg.Username, "u", cfg.Username, "Your name in the mesh (shorthand)")

	fs.StringVar(&cfg.Tracker, "tracker", cfg.Tracker, "Tracker URL")
	fs.StringVar(&cfg.Tracker, "t", cfg.Tracker, "Tracker URL (shorthand)")

	fs.StringVar(&cfg.Channel, "channel", cfg.Channel, "Channel to join")
	fs.StringVar(&cfg.Channel, "c", cfg.Channel, "Channel to join (shorthand)")

	fs.StringVar(&cfg.AdvertiseIP, "ip", cfg.AdvertiseIP, "IP announced to the tracker")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port announced to the tracker")
	fs.IntVar(&cfg.Port, "p", cfg.Port, "Port announced to the tracker (shorthand)")

	fs.BoolVar(&cfg.ServeMode, "serve", false, "Run as tracker only")
	fs.BoolVar(&cfg.ServeMode, "s", false, "Run as tracker only (shorthand)")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Tracker listen address")
	fs.StringVar(&cfg.WebAddr, "web", cfg.WebAddr, "Serve the browser UI on this address instead of the TUI")

	fs.Func("stun", "Comma separated STUN server URLs", func(v string) error {
		cfg.STUNServers = splitList(v)
		return nil
	})
	fs.StringVar(&cfg.TURNServer, "turn", cfg.TURNServer, "TURN server URL")
	fs.StringVar(&cfg.TURNUser, "turn-user", cfg.TURNUser, "TURN server username")
	fs.StringVar(&cfg.TURNPass, "turn-pass", cfg.TURNPass, "TURN server password")
	fs.BoolVar(&cfg.ForceRelay, "force-relay", cfg.ForceRelay, "Force TURN relay (disable direct P2P)")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (trace|debug|info|warn|error)")

	fs.BoolVar(&cfg.Help, "help", false, "Show help")
	fs.BoolVar(&cfg.Help, "h", false, "Show help (shorthand)")

	return fs
}

// Validate checks the merged configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.ServeMode {
		if c.Username == "" {
			return ErrUsernameRequired
		}
		if !signal.ValidateChannel(c.Channel) {
			return fmt.Errorf("invalid channel name %q", c.Channel)
		}
	}
	return nil
}

// ICE returns the transport ICE settings.
func (c Config) ICE() transport.ICEConfig {
	return transport.ICEConfig{
		STUNServers: c.STUNServers,
		TURNServer:  c.TURNServer,
		TURNUser:    c.TURNUser,
		TURNPass:    c.TURNPass,
		ForceRelay:  c.ForceRelay,
	}
}

// Level parses LogLevel, defaulting to info.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Settings returns the values worth remembering for the next start.
func (c Config) Settings() settings.UserSettings {
	return settings.UserSettings{
		Username:    c.Username,
		Tracker:     c.Tracker,
		Channel:     c.Channel,
		Port:        c.Port,
		STUNServers: c.STUNServers,
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// localIP returns the first non-loopback IPv4 address, or 127.0.0.1.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
