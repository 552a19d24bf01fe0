package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Flavor is a fixed (cpus, memory) resource tuple named by clients.
type Flavor string

const (
	FlavorSmall  Flavor = "small"
	FlavorMedium Flavor = "medium"
	FlavorLarge  Flavor = "large"
)

// FlavorShape is the concrete resource tuple a Flavor maps to.
type FlavorShape struct {
	CPUs      uint8
	MemoryMiB uint32
}

// FlavorShapes are fixed per spec §3 and are not configurable.
var FlavorShapes = map[Flavor]FlavorShape{
	FlavorSmall:  {CPUs: 1, MemoryMiB: 1024},
	FlavorMedium: {CPUs: 2, MemoryMiB: 2048},
	FlavorLarge:  {CPUs: 4, MemoryMiB: 4096},
}

// ServerConfig holds the daemon's own runtime configuration: resource caps,
// timeouts, and paths. Resolution order is hardcoded default < YAML file <
// MSB_* environment variable, mirroring the teacher's layered quota
// resolution.
type ServerConfig struct {
	Root                   string        `yaml:"root"`
	Port                   int           `yaml:"port"`
	MaxSessions            int           `yaml:"max_sessions"`
	MaxTotalMemoryMiB      int           `yaml:"max_total_memory_mib"`
	MaxTotalCPUs           int           `yaml:"max_total_cpus"`
	SessionTimeout         time.Duration `yaml:"session_timeout"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval"`
	OrphanCleanupInterval  time.Duration `yaml:"orphan_cleanup_interval"`
	OrphanGrace            time.Duration `yaml:"orphan_grace"`
	DefaultFlavor          Flavor        `yaml:"default_flavor"`
	SandboxStartTimeout    time.Duration `yaml:"sandbox_start_timeout"`
	ExecutionTimeout       time.Duration `yaml:"execution_timeout"`
	EnableLRUEviction      bool          `yaml:"enable_lru_eviction"`
	SharedVolumePaths      []string      `yaml:"shared_volume_paths"`
	PortRangeStart         int           `yaml:"port_range_start"`
	PortRangeEnd           int           `yaml:"port_range_end"`
	QEMUBinary             string        `yaml:"qemu_binary"`
	LogLevel               string        `yaml:"log_level"`
}

// DefaultServerConfig returns the hardcoded baseline, the lowest layer of
// the override chain.
func DefaultServerConfig() ServerConfig {
	home, _ := os.UserHomeDir()
	return ServerConfig{
		Root:                  filepath.Join(home, ".msb"),
		Port:                  5555,
		MaxSessions:           100,
		MaxTotalMemoryMiB:     16384,
		MaxTotalCPUs:          16,
		SessionTimeout:        1800 * time.Second,
		CleanupInterval:       60 * time.Second,
		OrphanCleanupInterval: 600 * time.Second,
		OrphanGrace:           5 * time.Second,
		DefaultFlavor:         FlavorSmall,
		SandboxStartTimeout:   180 * time.Second,
		ExecutionTimeout:      120 * time.Second,
		EnableLRUEviction:     true,
		PortRangeStart:        30000,
		PortRangeEnd:          31000,
		QEMUBinary:            "qemu-system-x86_64",
		LogLevel:              "info",
	}
}

// Load reads ServerConfig from a YAML file (falling back to defaults when
// the file is absent) and then applies MSB_* environment variable
// overrides, the highest layer of the chain.
func Load(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// Save writes ServerConfig to a YAML file.
func Save(path string, cfg *ServerConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnvOverrides resolves the MSB_* environment variables documented in
// spec §6 over whatever the YAML file (or defaults) already set.
func applyEnvOverrides(cfg *ServerConfig) {
	if v, ok := envInt("MSB_SESSION_TIMEOUT"); ok {
		cfg.SessionTimeout = time.Duration(v) * time.Second
	}
	if v, ok := envInt("MSB_MAX_SESSIONS"); ok {
		cfg.MaxSessions = v
	}
	if v, ok := envInt("MSB_MAX_TOTAL_MEMORY_MB"); ok {
		cfg.MaxTotalMemoryMiB = v
	}
	if v, ok := envInt("MSB_CLEANUP_INTERVAL"); ok {
		cfg.CleanupInterval = time.Duration(v) * time.Second
	}
	if v, ok := envInt("MSB_ORPHAN_CLEANUP_INTERVAL"); ok {
		cfg.OrphanCleanupInterval = time.Duration(v) * time.Second
	}
	if v, ok := envInt("MSB_ORPHAN_GRACE"); ok {
		cfg.OrphanGrace = time.Duration(v) * time.Second
	}
	if v, ok := os.LookupEnv("MSB_DEFAULT_FLAVOR"); ok {
		cfg.DefaultFlavor = Flavor(strings.ToLower(v))
	}
	if v, ok := envFloat("MSB_SANDBOX_START_TIMEOUT"); ok {
		cfg.SandboxStartTimeout = time.Duration(v * float64(time.Second))
	}
	if v, ok := envInt("MSB_EXECUTION_TIMEOUT"); ok {
		cfg.ExecutionTimeout = time.Duration(v) * time.Second
	}
	if v, ok := os.LookupEnv("MSB_ENABLE_LRU_EVICTION"); ok {
		cfg.EnableLRUEviction = strings.EqualFold(v, "true")
	}
	if v, ok := os.LookupEnv("MSB_SHARED_VOLUME_PATH"); ok {
		cfg.SharedVolumePaths = parseSharedVolumePaths(v)
	}
	if v, ok := os.LookupEnv("MSB_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// parseSharedVolumePaths accepts either a JSON array of "host:guest[:ro]"
// strings or a bare comma-separated list, per spec §6.
func parseSharedVolumePaths(v string) []string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "[") {
		var arr []string
		if err := yaml.Unmarshal([]byte(v), &arr); err == nil {
			return arr
		}
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
