// Package config centralises runtime configuration for a trading session.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantex/tradelink/errs"
)

// Duration wraps time.Duration so YAML files can use "5s" style values.
type Duration time.Duration

// UnmarshalYAML accepts either a Go duration string or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("parse duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(time.Duration(n))
	return nil
}

// Std converts to the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Environment identifies which exchange deployment a session targets.
type Environment string

const (
	// EnvProd targets the production exchange.
	EnvProd Environment = "prod"
	// EnvTestnet targets the exchange test environment.
	EnvTestnet Environment = "testnet"
)

// Credentials captures API credentials used for authenticated requests.
// The secret is held for the process lifetime and must never be logged.
type Credentials struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

// Valid reports whether both halves of the credential pair are present.
func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.APISecret) != ""
}

// Zero overwrites the credential material in place.
func (c *Credentials) Zero() {
	c.APIKey = ""
	c.APISecret = ""
}

// Endpoints carries the REST and streaming base URLs for one environment.
type Endpoints struct {
	RESTBase  string `yaml:"restBase"`
	StreamURL string `yaml:"streamUrl"`
}

// RateLimits configures the governor ceilings per weight class.
type RateLimits struct {
	RequestWeightPerMinute int     `yaml:"requestWeightPerMinute"`
	OrdersPerTenSeconds    int     `yaml:"ordersPerTenSeconds"`
	OrderSubmitPerSecond   float64 `yaml:"orderSubmitPerSecond"`
}

// Journal configures the optional order-transition journal.
type Journal struct {
	DSN string `yaml:"dsn"`
}

// Settings contains the full session configuration tree.
type Settings struct {
	Environment       Environment   `yaml:"environment"`
	Credentials       Credentials   `yaml:"credentials"`
	RecvWindow        Duration      `yaml:"recvWindow"`
	HTTPTimeout       Duration      `yaml:"httpTimeout"`
	HandshakeTimeout  Duration      `yaml:"handshakeTimeout"`
	ClientOrderPrefix string        `yaml:"clientOrderPrefix"`
	RateLimits        RateLimits    `yaml:"rateLimits"`
	Journal           Journal       `yaml:"journal"`
	LogLevel          string        `yaml:"logLevel"`

	// EndpointOverrides replaces the environment-derived endpoints when set,
	// which keeps tests off the network.
	EndpointOverrides *Endpoints `yaml:"endpoints"`
}

// Default returns the configuration used when no file is present.
func Default() Settings {
	return Settings{
		Environment:       EnvProd,
		Credentials:       Credentials{APIKey: "", APISecret: ""},
		RecvWindow:        Duration(5 * time.Second),
		HTTPTimeout:       Duration(10 * time.Second),
		HandshakeTimeout:  Duration(10 * time.Second),
		ClientOrderPrefix: "TLK",
		RateLimits: RateLimits{
			RequestWeightPerMinute: 6000,
			OrdersPerTenSeconds:    100,
			OrderSubmitPerSecond:   10,
		},
		Journal:           Journal{DSN: ""},
		LogLevel:          "info",
		EndpointOverrides: nil,
	}
}

// Endpoints resolves the transport endpoints for the configured environment.
func (s Settings) Endpoints() Endpoints {
	if s.EndpointOverrides != nil {
		return *s.EndpointOverrides
	}
	if s.Environment == EnvTestnet {
		return Endpoints{
			RESTBase:  "https://testnet.binance.vision",
			StreamURL: "wss://stream.testnet.binance.vision",
		}
	}
	return Endpoints{
		RESTBase:  "https://api.binance.com",
		StreamURL: "wss://stream.binance.com:9443",
	}
}

// Load reads configuration from the YAML file at path, falling back to
// defaults when the file does not exist, then applies environment-variable
// overrides.
func Load(path string) (Settings, bool, error) {
	cfg := Default()
	loaded := false
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Settings{}, false, errs.New("config.load", errs.CodeConfiguration,
					errs.WithMessage(fmt.Sprintf("parse %s", path)), errs.WithCause(err))
			}
			loaded = true
		case os.IsNotExist(err):
		default:
			return Settings{}, false, errs.New("config.load", errs.CodeConfiguration,
				errs.WithMessage(fmt.Sprintf("read %s", path)), errs.WithCause(err))
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Settings{}, loaded, err
	}
	return cfg, loaded, nil
}

func applyEnv(cfg *Settings) {
	if env := strings.TrimSpace(os.Getenv("TRADELINK_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if key := strings.TrimSpace(os.Getenv("BINANCE_API_KEY")); key != "" {
		cfg.Credentials.APIKey = key
	}
	if secret := strings.TrimSpace(os.Getenv("BINANCE_SECRET_KEY")); secret != "" {
		cfg.Credentials.APISecret = secret
	}
	if dsn := strings.TrimSpace(os.Getenv("TRADELINK_JOURNAL_DSN")); dsn != "" {
		cfg.Journal.DSN = dsn
	}
}

// Validate rejects configurations the session cannot start with. Credentials
// are optional here; private operations check for them before any network
// call.
func (s Settings) Validate() error {
	switch s.Environment {
	case EnvProd, EnvTestnet:
	default:
		return errs.New("config.validate", errs.CodeConfiguration,
			errs.WithMessage(fmt.Sprintf("unknown environment %q", s.Environment)))
	}
	if s.RecvWindow.Std() <= 0 || s.RecvWindow.Std() > time.Minute {
		return errs.New("config.validate", errs.CodeConfiguration,
			errs.WithMessage("recvWindow must be within (0, 1m]"))
	}
	if s.RateLimits.RequestWeightPerMinute <= 0 {
		return errs.New("config.validate", errs.CodeConfiguration,
			errs.WithMessage("requestWeightPerMinute must be positive"))
	}
	if s.RateLimits.OrdersPerTenSeconds <= 0 {
		return errs.New("config.validate", errs.CodeConfiguration,
			errs.WithMessage("ordersPerTenSeconds must be positive"))
	}
	return nil
}
