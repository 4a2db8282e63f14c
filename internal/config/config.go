// Package config loads panbridged settings from an optional .env file and
// PANBRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/meshcommons/panbridge/internal/bnep"
	"github.com/meshcommons/panbridge/internal/ethernet"
	"github.com/meshcommons/panbridge/internal/network"
)

// Config is the full daemon configuration.
type Config struct {
	Gateway GatewayConfig
	Store   StoreConfig
	Network NetworkConfig
	PAN     PANConfig
	Log     LogConfig
}

// GatewayConfig covers the HTTP control surface.
type GatewayConfig struct {
	ListenAddr string
}

// StoreConfig covers the SQLite database.
type StoreConfig struct {
	Path string
	// HistoryRetention bounds state-change history. Zero keeps everything.
	HistoryRetention time.Duration
}

// NetworkConfig describes the bridged tap interface.
type NetworkConfig struct {
	DevicePath    string
	InterfaceName string
	Prefix        netip.Prefix
}

// PANConfig covers the profile service and its BNEP transport.
type PANConfig struct {
	LocalAddress   string
	Tethering      bool
	MaxConnections int
	Transport      string
	Endpoint       string
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string
}

// Default returns the built-in settings. It leaves PAN.Transport empty, so
// a usable configuration always names its BNEP transport.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{ListenAddr: ":8080"},
		Store: StoreConfig{
			Path:             "panbridge.db",
			HistoryRetention: 7 * 24 * time.Hour,
		},
		Network: NetworkConfig{
			DevicePath:    network.DefaultDevicePath,
			InterfaceName: network.DefaultInterfaceName,
			Prefix:        network.DefaultPrefix,
		},
		PAN: PANConfig{
			LocalAddress:   "02:50:41:4E:00:01",
			Tethering:      true,
			MaxConnections: 5,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads envFiles (default ".env"; missing files are skipped) into the
// process environment, overlays PANBRIDGE_* variables on Default and
// validates the result.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	cfg := Default()
	var err error
	envString("PANBRIDGE_LISTEN_ADDR", &cfg.Gateway.ListenAddr)
	envString("PANBRIDGE_DB_PATH", &cfg.Store.Path)
	err = multierr.Append(err, envDuration("PANBRIDGE_HISTORY_RETENTION", &cfg.Store.HistoryRetention))
	envString("PANBRIDGE_TUN_DEVICE", &cfg.Network.DevicePath)
	envString("PANBRIDGE_INTERFACE", &cfg.Network.InterfaceName)
	err = multierr.Append(err, envPrefix("PANBRIDGE_INTERFACE_ADDR", &cfg.Network.Prefix))
	envString("PANBRIDGE_LOCAL_ADDRESS", &cfg.PAN.LocalAddress)
	err = multierr.Append(err, envBool("PANBRIDGE_TETHERING", &cfg.PAN.Tethering))
	err = multierr.Append(err, envInt("PANBRIDGE_MAX_CONNECTIONS", &cfg.PAN.MaxConnections))
	envString("PANBRIDGE_BNEP_TRANSPORT", &cfg.PAN.Transport)
	envString("PANBRIDGE_BNEP_ENDPOINT", &cfg.PAN.Endpoint)
	envString("PANBRIDGE_LOG_LEVEL", &cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var err error
	if c.Gateway.ListenAddr == "" {
		err = multierr.Append(err, errors.New("config: listen address must not be empty"))
	}
	if c.Store.Path == "" {
		err = multierr.Append(err, errors.New("config: database path must not be empty"))
	}
	if c.Store.HistoryRetention < 0 {
		err = multierr.Append(err, errors.New("config: history retention must not be negative"))
	}
	if c.Network.DevicePath == "" {
		err = multierr.Append(err, errors.New("config: tun device path must not be empty"))
	}
	if n := len(c.Network.InterfaceName); n == 0 || n > 15 {
		err = multierr.Append(err, fmt.Errorf("config: interface name %q must be 1-15 bytes", c.Network.InterfaceName))
	}
	if !c.Network.Prefix.IsValid() || !c.Network.Prefix.Addr().Is4() {
		err = multierr.Append(err, fmt.Errorf("config: interface address %s must be an IPv4 prefix", c.Network.Prefix))
	}
	if mac, perr := ethernet.ParseMAC(c.PAN.LocalAddress); perr != nil {
		err = multierr.Append(err, fmt.Errorf("config: local address: %w", perr))
	} else if mac == ([ethernet.AddrLen]byte{}) {
		err = multierr.Append(err, errors.New("config: local address must not be all zero"))
	}
	if c.PAN.MaxConnections < 0 {
		err = multierr.Append(err, errors.New("config: max connections must not be negative"))
	}
	if c.PAN.Transport == "" {
		err = multierr.Append(err, errors.New("config: PANBRIDGE_BNEP_TRANSPORT must be set"))
	} else if !slices.Contains(bnep.Transports(), c.PAN.Transport) {
		err = multierr.Append(err, fmt.Errorf("config: unknown bnep transport %q", c.PAN.Transport))
	}
	if c.PAN.Transport == "tcp" && c.PAN.Endpoint == "" {
		err = multierr.Append(err, errors.New("config: tcp transport requires PANBRIDGE_BNEP_ENDPOINT"))
	}
	if _, lerr := zapcore.ParseLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("config: log level: %w", lerr))
	}
	return err
}

// ── helpers ───────────────────────────────────────────────────────────────

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func envPrefix(key string, dst *netip.Prefix) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	p, err := netip.ParsePrefix(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = p
	return nil
}
