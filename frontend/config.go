package frontend

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tcassar-diss/ipipdirect/bpf"
	"github.com/tcassar-diss/ipipdirect/netinfo"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultProgramPath = "/etc/IPIPDirect/IPIPDirect_filter.o"
	DefaultSection     = "egress"
)

// Config is the on-disk configuration. Every key is optional.
type Config struct {
	ProgramPath  string `toml:"program_path"`
	Section      string `toml:"section"`
	InterfaceMap string `toml:"interface_map"`
	MACMap       string `toml:"mac_map"`
	TC           string `toml:"tc"`
	IP           string `toml:"ip"`
	PollInterval string `toml:"poll_interval"`
	LogLevel     string `toml:"log_level"`
}

func DefaultConfig() *Config {
	return &Config{
		ProgramPath:  DefaultProgramPath,
		Section:      DefaultSection,
		InterfaceMap: bpf.InterfaceMapPath,
		MACMap:       bpf.MACMapPath,
		TC:           "tc",
		IP:           "ip",
		PollInterval: "1s",
		LogLevel:     "info",
	}
}

// LoadConfig decodes the TOML file at path over the defaults. An empty path
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open config %s: %w", netinfo.ErrConfiguration, path, err)
	}
	defer file.Close()

	md, err := toml.NewDecoder(file).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode config %s: %w", netinfo.ErrConfiguration, path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}

		return nil, fmt.Errorf("%w: unknown keys in %s: %s", netinfo.ErrConfiguration, path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	required := []struct {
		key, value string
	}{
		{"program_path", c.ProgramPath},
		{"section", c.Section},
		{"interface_map", c.InterfaceMap},
		{"mac_map", c.MACMap},
		{"tc", c.TC},
		{"ip", c.IP},
	}

	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%w: %s must not be empty", netinfo.ErrConfiguration, r.key)
		}
	}

	if _, err := c.Interval(); err != nil {
		return err
	}

	if _, err := c.Level(); err != nil {
		return err
	}

	return nil
}

// Interval parses poll_interval.
func (c *Config) Interval() (time.Duration, error) {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("%w: bad poll_interval %q: %w", netinfo.ErrConfiguration, c.PollInterval, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("%w: poll_interval must be positive, got %s", netinfo.ErrConfiguration, d)
	}

	return d, nil
}

// Level parses log_level.
func (c *Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("%w: bad log_level: %w", netinfo.ErrConfiguration, err)
	}

	return lvl, nil
}
