// Package config loads controller configuration from environment variables,
// optionally overlaid by a YAML file, following the same getEnv-with-defaults
// pattern the rest of this codebase's ancestry uses.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the scheduling/orchestration spec.
type Config struct {
	DatabasePath        string `yaml:"database_path"`
	ListenAddr          string `yaml:"listen_addr"`
	SchedulerListenAddr string `yaml:"scheduler_listen_addr"`

	ControllerToken string `yaml:"controller_token"`
	ControllerURL   string `yaml:"controller_url"`

	RedisURL string `yaml:"redis_url"`

	DriverKind        string `yaml:"driver_kind"` // "xoa" or "shellxe"
	SimulateMigration bool   `yaml:"-"`

	XoaBaseURL  string `yaml:"xoa_base_url"`
	XoaToken    string `yaml:"xoa_token"`
	XoaInsecure bool   `yaml:"xoa_insecure"`

	ShellXEHost           string `yaml:"shellxe_host"`
	ShellXEUser           string `yaml:"shellxe_user"`
	ShellXEPrivateKeyPath string `yaml:"shellxe_private_key_path"`
	ShellXEPassword       string `yaml:"shellxe_password"`

	RebalanceInterval time.Duration `yaml:"-"`

	HighCPUThreshold float64 `yaml:"-"`
	HighMemThreshold float64 `yaml:"-"`
	LowCPUThreshold  float64 `yaml:"-"`
	LowMemThreshold  float64 `yaml:"-"`
	EmergencyCPU     float64 `yaml:"-"`

	MaxConcurrentMigrations        int `yaml:"-"`
	MaxEmergencyMigrationsPerHost  int `yaml:"-"`

	MigrationCooldown time.Duration `yaml:"-"`
	HostCooldown      time.Duration `yaml:"-"`

	WCPU  float64 `yaml:"-"`
	WMem  float64 `yaml:"-"`
	WLoad float64 `yaml:"-"`

	// ScoreMode selects the host-scoring weighting: "load" (default, uses
	// load1/cpu_count) or "vmcount" (saturating vms_running term).
	ScoreMode string `yaml:"score_mode"`

	PollInterval time.Duration `yaml:"-"`
	PollTimeout  time.Duration `yaml:"-"`

	LockTTL  time.Duration `yaml:"-"`
	LockWait time.Duration `yaml:"-"`

	MaxPlan int `yaml:"-"`

	QueueWorkers       int  `yaml:"-"`
	QueueSyncFallback  bool `yaml:"-"`

	VMwareInventorySync bool   `yaml:"-"`
	VMwareHost          string `yaml:"vmware_host"`
	VMwareUsername      string `yaml:"vmware_username"`
	VMwarePassword      string `yaml:"vmware_password"`
	VMwareDatacenter    string `yaml:"vmware_datacenter"`
	VMwareInsecure      bool   `yaml:"vmware_insecure"`
}

// Load builds a Config from environment defaults, then overlays CONFIG_PATH
// (a YAML file) if present, exactly like the teacher's config.Load.
func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath:    getEnv("DATABASE_PATH", "/data/controller.db"),
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		SchedulerListenAddr: getEnv("SCHEDULER_LISTEN_ADDR", ":9000"),
		ControllerToken: getEnv("CONTROLLER_TOKEN", ""),
		ControllerURL:   getEnv("CONTROLLER_URL", "http://127.0.0.1:8080"),
		RedisURL:        getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		DriverKind:        getEnv("DRIVER_KIND", "xoa"),
		SimulateMigration: getEnvBool("SIMULATE_MIGRATIONS", false),

		XoaBaseURL:  getEnv("XOA_BASE_URL", "https://127.0.0.1/rest/v0"),
		XoaToken:    getEnv("XOA_TOKEN", ""),
		XoaInsecure: getEnvBool("XOA_INSECURE", false),

		ShellXEHost:           getEnv("SHELLXE_HOST", ""),
		ShellXEUser:           getEnv("SHELLXE_USER", "root"),
		ShellXEPrivateKeyPath: getEnv("SHELLXE_PRIVATE_KEY_PATH", ""),
		ShellXEPassword:       getEnv("SHELLXE_PASSWORD", ""),

		RebalanceInterval: getEnvSeconds("REBALANCE_INTERVAL", 30),

		HighCPUThreshold: getEnvFloat("HIGH_CPU_THRESHOLD", 80),
		HighMemThreshold: getEnvFloat("HIGH_MEM_THRESHOLD", 85),
		LowCPUThreshold:  getEnvFloat("LOW_CPU_THRESHOLD", 60),
		LowMemThreshold:  getEnvFloat("LOW_MEM_THRESHOLD", 70),
		EmergencyCPU:     getEnvFloat("EMERGENCY_CPU", 95),

		MaxConcurrentMigrations:       getEnvInt("MAX_CONCURRENT_MIGRATIONS", 2),
		MaxEmergencyMigrationsPerHost: getEnvInt("MAX_EMERGENCY_MIGRATIONS_PER_HOST", 1),

		MigrationCooldown: getEnvSeconds("MIGRATION_COOLDOWN", 600),
		HostCooldown:      getEnvSeconds("HOST_COOLDOWN", 300),

		WCPU:  getEnvFloat("W_CPU", 0.6),
		WMem:  getEnvFloat("W_MEM", 0.3),
		WLoad: getEnvFloat("W_LOAD", 0.1),

		ScoreMode: getEnv("SCORE_MODE", "load"),

		PollInterval: getEnvSeconds("POLL_INTERVAL", 2),
		PollTimeout:  getEnvSeconds("POLL_TIMEOUT", 300),

		LockTTL:  getEnvSeconds("LOCK_TTL", 300),
		LockWait: getEnvSeconds("LOCK_WAIT", 10),

		MaxPlan: getEnvInt("MAX_PLAN", 5),

		QueueWorkers:      getEnvInt("QUEUE_WORKERS", 4),
		QueueSyncFallback: getEnvBool("QUEUE_SYNC_FALLBACK", false),

		VMwareInventorySync: getEnvBool("VMWARE_INVENTORY_SYNC", false),
		VMwareHost:          getEnv("VMWARE_HOST", ""),
		VMwareUsername:      getEnv("VMWARE_USERNAME", ""),
		VMwarePassword:      getEnv("VMWARE_PASSWORD", ""),
		VMwareDatacenter:    getEnv("VMWARE_DATACENTER", ""),
		VMwareInsecure:      getEnvBool("VMWARE_INSECURE", false),
	}

	configPath := getEnv("CONFIG_PATH", "")
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, err
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
