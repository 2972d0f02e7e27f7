package providers

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/3cpo-dev/launchpad/pkg/api"
)

// Target is one entry of the closed launch catalog. Targets only ever come
// from configuration; requests refer to them by name.
type Target struct {
	Name                string   `yaml:"name"`
	Command             []string `yaml:"command"`
	Dir                 string   `yaml:"dir"`
	Env                 []string `yaml:"env"`
	Port                int      `yaml:"port"`
	Host                string   `yaml:"host"`
	ReadyTimeoutSeconds int      `yaml:"ready_timeout_seconds"`
	// Uploads are local:remote pairs pushed before a remote launch.
	Uploads []string `yaml:"uploads"`
}

// Provider returns the name of the provider that spawns this target.
func (t Target) Provider() string {
	if t.Host == "" {
		return "local"
	}
	return "remote"
}

func (t Target) ReadyTimeout() time.Duration {
	if t.ReadyTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(t.ReadyTimeoutSeconds) * time.Second
}

type Host struct {
	Name    string `yaml:"name"`
	IP      string `yaml:"ip"`
	User    string `yaml:"user"`
	KeyPath string `yaml:"key_path"`
	Port    int    `yaml:"port"`
}

type Config struct {
	LogLevel string `yaml:"log_level"`
	Agent    struct {
		Listen              string `yaml:"listen"`
		Token               string `yaml:"token"`
		DefaultTarget       string `yaml:"default_target"`
		SpawnTimeoutSeconds int    `yaml:"spawn_timeout_seconds"`
		TerminateOnShutdown bool   `yaml:"terminate_on_shutdown"`
		LogDir              string `yaml:"log_dir"`
		TLS                 struct {
			Cert        string `yaml:"cert"`
			Key         string `yaml:"key"`
			ClientCA    string `yaml:"client_ca"`
			RequireMTLS bool   `yaml:"require_mtls"`
		} `yaml:"tls"`
	} `yaml:"agent"`
	Targets    []Target        `yaml:"targets"`
	Hosts      []Host          `yaml:"hosts"`
	Dashboards []api.Dashboard `yaml:"dashboards"`
	Store      struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Events struct {
		RedisAddr string `yaml:"redis_addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		Channel   string `yaml:"channel"`
	} `yaml:"events"`
	SSH struct {
		KeyDir     string `yaml:"key_dir"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"ssh"`
	Defaults struct {
		User           string `yaml:"user"`
		SSHPort        int    `yaml:"ssh_port"`
		Retries        int    `yaml:"retries"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"defaults"`
	Telemetry struct {
		Enabled        bool   `yaml:"enabled"`
		OTLPEndpoint   string `yaml:"otlp_endpoint"`
		MonitoringPort int    `yaml:"monitoring_port"`
	} `yaml:"telemetry"`
}

// DefaultConfig mirrors the stock setup: one streamlit tool on 8501 and the
// two recommendation dashboards.
func DefaultConfig() Config {
	var cfg Config
	cfg.LogLevel = "info"
	cfg.Agent.Listen = ":3001"
	cfg.Agent.DefaultTarget = "streamlit"
	cfg.Agent.SpawnTimeoutSeconds = 10
	cfg.Agent.TerminateOnShutdown = true
	cfg.Targets = []Target{{
		Name:                "streamlit",
		Command:             []string{"streamlit", "run", "vulnerability.py", "--server.port", "8501", "--server.headless", "true"},
		Port:                8501,
		ReadyTimeoutSeconds: 60,
	}}
	cfg.Dashboards = []api.Dashboard{
		{
			Name:        "recommendation-1",
			Title:       "Recommendation System-1",
			Description: "Product recommendation analytics. Gain insights into user behavior and identify purchasing patterns.",
			URL:         "http://localhost:8501",
		},
		{
			Name:        "recommendation-2",
			Title:       "Recommendation System-2",
			Description: "Optimize recommendations with real-time trend analysis and interactive visual dashboards.",
			URL:         "http://localhost:8502",
		},
	}
	cfg.Store.Driver = "sqlite"
	cfg.Events.Channel = "launchpad:events"
	cfg.Defaults.User = "gx"
	cfg.Defaults.SSHPort = 22
	cfg.Defaults.Retries = 2
	cfg.Defaults.TimeoutSeconds = 15
	if base, err := os.UserConfigDir(); err == nil {
		cfg.SSH.KeyDir = filepath.Join(base, "launchpad", "ssh")
		cfg.SSH.KnownHosts = filepath.Join(base, "launchpad", "ssh", "known_hosts")
	}
	cfg.Telemetry.MonitoringPort = 9090
	return cfg
}

func (c Config) SpawnTimeout() time.Duration {
	if c.Agent.SpawnTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Agent.SpawnTimeoutSeconds) * time.Second
}

func (c Config) Target(name string) (Target, bool) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}

func (c Config) Host(name string) (Host, bool) {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return Host{}, false
}

// Validate checks the catalog is closed and self-consistent.
func (c Config) Validate() error {
	seen := map[string]bool{}
	for _, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("target without name")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate target: %s", t.Name)
		}
		seen[t.Name] = true
		if len(t.Command) == 0 || t.Command[0] == "" {
			return fmt.Errorf("target %s: empty command", t.Name)
		}
		if t.Port < 0 || t.Port > 65535 {
			return fmt.Errorf("target %s: invalid port %d", t.Name, t.Port)
		}
		if t.Host != "" {
			if _, ok := c.Host(t.Host); !ok {
				return fmt.Errorf("target %s: unknown host %s", t.Name, t.Host)
			}
		}
	}
	if c.Agent.DefaultTarget != "" && !seen[c.Agent.DefaultTarget] {
		return fmt.Errorf("default target not in catalog: %s", c.Agent.DefaultTarget)
	}
	switch c.Store.Driver {
	case "", "none", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	return nil
}
