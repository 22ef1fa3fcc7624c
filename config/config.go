// Package config loads the immutable server settings.
//
// Settings come from, in increasing order of precedence: built-in defaults,
// a configuration file, JSFCGI_* environment variables and command-line
// flags. The result is a plain value; nothing in it is mutated after Load
// returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Configuration keys. Flags use the same names with dashes.
const (
	KeyConfig        = "config"
	KeyListen        = "listen"
	KeyBacklog       = "backlog"
	KeyThreads       = "threads"
	KeySandbox       = "sandbox"
	KeyMemMax        = "mem_max"
	KeyOutputMax     = "output_max"
	KeyCPUSec        = "cpu_sec"
	KeyCPUUsec       = "cpu_usec"
	KeyContentType   = "content_type"
	KeyMetricsListen = "metrics_listen"
)

// EnvPrefix is prepended to upper-cased keys when reading the environment.
const EnvPrefix = "JSFCGI"

// FileName is the base name searched for in SearchPaths.
const FileName = "jsfcgi"

// SearchPaths lists the directories probed for FileName, first match wins.
var SearchPaths = []string{"/etc", "."}

var fileExts = []string{"yaml", "yml", "toml", "json"}

const (
	DefaultListen      = "127.0.0.1:9222"
	DefaultBacklog     = 100
	DefaultThreads     = 1
	DefaultSandbox     = true
	DefaultMemMax      = 16 << 20
	DefaultOutputMax   = 64 << 10
	DefaultCPUSec      = 0
	DefaultCPUUsec     = 500000
	DefaultContentType = "text/plain"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Settings is the startup configuration shared read-only by all workers.
type Settings struct {
	Listen        string
	Backlog       int
	Threads       int
	Sandbox       bool
	MemMax        uint64
	OutputMax     uint64
	CPUSec        int64
	CPUUsec       int64
	ContentType   string
	MetricsListen string
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Listen:      DefaultListen,
		Backlog:     DefaultBacklog,
		Threads:     DefaultThreads,
		Sandbox:     DefaultSandbox,
		MemMax:      DefaultMemMax,
		OutputMax:   DefaultOutputMax,
		CPUSec:      DefaultCPUSec,
		CPUUsec:     DefaultCPUUsec,
		ContentType: DefaultContentType,
	}
}

// CPU returns the combined CPU budget.
func (s Settings) CPU() time.Duration {
	return time.Duration(s.CPUSec)*time.Second + time.Duration(s.CPUUsec)*time.Microsecond
}

// Validate checks the invariants Load guarantees.
func (s Settings) Validate() error {
	switch {
	case strings.TrimSpace(s.Listen) == "":
		return fmt.Errorf("%w: %s must not be empty", ErrInvalid, KeyListen)
	case s.Backlog < 0:
		return fmt.Errorf("%w: %s must not be negative: %d", ErrInvalid, KeyBacklog, s.Backlog)
	case s.Threads < 1:
		return fmt.Errorf("%w: %s must be at least 1: %d", ErrInvalid, KeyThreads, s.Threads)
	case s.CPUSec < 0:
		return fmt.Errorf("%w: %s must not be negative: %d", ErrInvalid, KeyCPUSec, s.CPUSec)
	case s.CPUUsec < 0:
		return fmt.Errorf("%w: %s must not be negative: %d", ErrInvalid, KeyCPUUsec, s.CPUUsec)
	case strings.TrimSpace(s.ContentType) == "":
		return fmt.Errorf("%w: %s must not be empty", ErrInvalid, KeyContentType)
	}
	return nil
}

// SetDefaults installs the built-in defaults and environment binding on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyListen, d.Listen)
	v.SetDefault(KeyBacklog, d.Backlog)
	v.SetDefault(KeyThreads, d.Threads)
	v.SetDefault(KeySandbox, d.Sandbox)
	v.SetDefault(KeyMemMax, d.MemMax)
	v.SetDefault(KeyOutputMax, d.OutputMax)
	v.SetDefault(KeyCPUSec, d.CPUSec)
	v.SetDefault(KeyCPUUsec, d.CPUUsec)
	v.SetDefault(KeyContentType, d.ContentType)
	v.SetDefault(KeyMetricsListen, "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// BindFlags registers the server flags on fs and binds them to v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	d := Default()
	fs.StringP(KeyConfig, "c", "", "path to a configuration file (yaml, toml or json)")
	fs.String(flagName(KeyListen), d.Listen, "address to listen on (host:port or unix socket path)")
	fs.Int(flagName(KeyBacklog), d.Backlog, "listen backlog")
	fs.IntP(flagName(KeyThreads), "t", d.Threads, "number of worker threads")
	fs.Bool(flagName(KeySandbox), d.Sandbox, "restrict scripts to the response API")
	fs.String(flagName(KeyMemMax), humanizeBytes(d.MemMax), "script memory ceiling (0 disables)")
	fs.String(flagName(KeyOutputMax), humanizeBytes(d.OutputMax), "response body ceiling (0 disables)")
	fs.Int64(flagName(KeyCPUSec), d.CPUSec, "script CPU budget, seconds part")
	fs.Int64(flagName(KeyCPUUsec), d.CPUUsec, "script CPU budget, microseconds part")
	fs.String(flagName(KeyContentType), d.ContentType, "default response content type")
	fs.String(flagName(KeyMetricsListen), "", "address for the Prometheus metrics endpoint (empty disables)")

	for _, key := range []string{
		KeyConfig, KeyListen, KeyBacklog, KeyThreads, KeySandbox, KeyMemMax,
		KeyOutputMax, KeyCPUSec, KeyCPUUsec, KeyContentType, KeyMetricsListen,
	} {
		if err := v.BindPFlag(key, fs.Lookup(flagName(key))); err != nil {
			return fmt.Errorf("bind flag %s: %w", key, err)
		}
	}
	return nil
}

// Load reads the configuration file, if any, and builds validated Settings.
// The returned path is empty when no file was found; that is not an error
// unless the file was named explicitly.
func Load(v *viper.Viper) (Settings, string, error) {
	path, err := readConfigFile(v)
	if err != nil {
		return Settings{}, "", err
	}
	s, err := fromViper(v)
	if err != nil {
		return Settings{}, path, err
	}
	return s, path, nil
}

func fromViper(v *viper.Viper) (Settings, error) {
	var err error
	s := Settings{
		Listen:        strings.TrimSpace(v.GetString(KeyListen)),
		Backlog:       v.GetInt(KeyBacklog),
		Threads:       v.GetInt(KeyThreads),
		Sandbox:       v.GetBool(KeySandbox),
		CPUSec:        v.GetInt64(KeyCPUSec),
		CPUUsec:       v.GetInt64(KeyCPUUsec),
		ContentType:   strings.TrimSpace(v.GetString(KeyContentType)),
		MetricsListen: strings.TrimSpace(v.GetString(KeyMetricsListen)),
	}
	if s.MemMax, err = parseSize(KeyMemMax, v.GetString(KeyMemMax)); err != nil {
		return Settings{}, err
	}
	if s.OutputMax, err = parseSize(KeyOutputMax, v.GetString(KeyOutputMax)); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	// Microseconds past a whole second roll into the seconds field.
	s.CPUSec += s.CPUUsec / 1e6
	s.CPUUsec %= 1e6
	return s, nil
}

func readConfigFile(v *viper.Viper) (string, error) {
	path := strings.TrimSpace(v.GetString(KeyConfig))
	explicit := path != ""
	if !explicit {
		path = findConfigFile()
	}
	if path == "" {
		return "", nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", path)
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", path, err)
	}
	return path, nil
}

func findConfigFile() string {
	for _, dir := range SearchPaths {
		for _, ext := range fileExts {
			candidate := filepath.Join(dir, FileName+"."+ext)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

// parseSize accepts plain byte counts as well as humanized sizes like 64KiB.
func parseSize(key, raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if strings.HasPrefix(raw, "-") {
		return 0, fmt.Errorf("%w: %s must not be negative: %s", ErrInvalid, key, raw)
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return n, nil
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

func humanizeBytes(n uint64) string {
	return strings.ReplaceAll(humanize.IBytes(n), " ", "")
}

// Describe renders s as key/value pairs for structured logging.
func (s Settings) Describe() []any {
	return []any{
		KeyListen, s.Listen,
		KeyBacklog, s.Backlog,
		KeyThreads, s.Threads,
		KeySandbox, s.Sandbox,
		KeyMemMax, humanizeBytes(s.MemMax),
		KeyOutputMax, humanizeBytes(s.OutputMax),
		"cpu", s.CPU().String(),
		KeyContentType, s.ContentType,
		KeyMetricsListen, s.MetricsListen,
	}
}
