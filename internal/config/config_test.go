package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.PAN.Transport = "loopback"
	return cfg
}

func TestDefaultNeedsTransport(t *testing.T) {
	err := Default().Validate()
	if err == nil || !strings.Contains(err.Error(), "PANBRIDGE_BNEP_TRANSPORT") {
		t.Fatalf("Default().Validate() = %v, want missing transport error", err)
	}
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() with loopback transport = %v", err)
	}
}

func TestLoadWithoutTransportFails(t *testing.T) {
	t.Setenv("PANBRIDGE_BNEP_TRANSPORT", "")
	os.Unsetenv("PANBRIDGE_BNEP_TRANSPORT")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("Load without a transport should fail")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PANBRIDGE_LISTEN_ADDR", "127.0.0.1:9090")
	t.Setenv("PANBRIDGE_INTERFACE", "pan0")
	t.Setenv("PANBRIDGE_INTERFACE_ADDR", "10.44.0.1/24")
	t.Setenv("PANBRIDGE_TETHERING", "false")
	t.Setenv("PANBRIDGE_MAX_CONNECTIONS", "2")
	t.Setenv("PANBRIDGE_HISTORY_RETENTION", "1h")
	t.Setenv("PANBRIDGE_BNEP_TRANSPORT", "tcp")
	t.Setenv("PANBRIDGE_BNEP_ENDPOINT", "127.0.0.1:7000")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.ListenAddr != "127.0.0.1:9090" {
		t.Errorf("ListenAddr = %s", cfg.Gateway.ListenAddr)
	}
	if cfg.Network.InterfaceName != "pan0" {
		t.Errorf("InterfaceName = %s", cfg.Network.InterfaceName)
	}
	if cfg.Network.Prefix != netip.MustParsePrefix("10.44.0.1/24") {
		t.Errorf("Prefix = %s", cfg.Network.Prefix)
	}
	if cfg.PAN.Tethering || cfg.PAN.MaxConnections != 2 || cfg.PAN.Transport != "tcp" {
		t.Errorf("PAN = %+v", cfg.PAN)
	}
	if cfg.Store.HistoryRetention != time.Hour {
		t.Errorf("HistoryRetention = %v", cfg.Store.HistoryRetention)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	body := "PANBRIDGE_DB_PATH=/var/lib/panbridge/state.db\nPANBRIDGE_LOG_LEVEL=debug\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("PANBRIDGE_BNEP_TRANSPORT", "loopback")
	// t.Setenv restores whatever godotenv sets below.
	t.Setenv("PANBRIDGE_DB_PATH", "")
	os.Unsetenv("PANBRIDGE_DB_PATH")
	t.Setenv("PANBRIDGE_LOG_LEVEL", "")
	os.Unsetenv("PANBRIDGE_LOG_LEVEL")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "/var/lib/panbridge/state.db" {
		t.Errorf("Store.Path = %s", cfg.Store.Path)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s", cfg.Log.Level)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("PANBRIDGE_TETHERING", "sometimes")
	t.Setenv("PANBRIDGE_MAX_CONNECTIONS", "many")
	t.Setenv("PANBRIDGE_INTERFACE_ADDR", "not-a-prefix")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err == nil {
		t.Fatal("Load should fail")
	}
	for _, key := range []string{"PANBRIDGE_TETHERING", "PANBRIDGE_MAX_CONNECTIONS", "PANBRIDGE_INTERFACE_ADDR"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty listen", func(c *Config) { c.Gateway.ListenAddr = "" }, "listen address"},
		{"long interface", func(c *Config) { c.Network.InterfaceName = "bluetooth-pan-0001" }, "interface name"},
		{"ipv6 prefix", func(c *Config) { c.Network.Prefix = netip.MustParsePrefix("fd00::1/64") }, "IPv4"},
		{"bad local address", func(c *Config) { c.PAN.LocalAddress = "00:11" }, "local address"},
		{"zero local address", func(c *Config) { c.PAN.LocalAddress = "00:00:00:00:00:00" }, "all zero"},
		{"negative max", func(c *Config) { c.PAN.MaxConnections = -1 }, "max connections"},
		{"unknown transport", func(c *Config) { c.PAN.Transport = "rfcomm" }, "unknown bnep transport"},
		{"tcp without endpoint", func(c *Config) { c.PAN.Transport = "tcp" }, "PANBRIDGE_BNEP_ENDPOINT"},
		{"bad log level", func(c *Config) { c.Log.Level = "chatty" }, "log level"},
		{"negative retention", func(c *Config) { c.Store.HistoryRetention = -time.Second }, "retention"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}
