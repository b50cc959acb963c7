// Package config loads the process configuration once at startup. The
// resulting Config is passed into components at construction time and
// never mutated, so tests can inject isolated configurations.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ExecMode controls whether infrastructure commands touch the host.
type ExecMode string

const (
	ModeMock       ExecMode = "mock"
	ModeBestEffort ExecMode = "best_effort"
	ModeStrict     ExecMode = "strict"
)

// Transport selects how a logical infrastructure operation is realized.
type Transport string

const (
	TransportShell Transport = "shell"
	TransportAPI   Transport = "api"
	TransportAuto  Transport = "auto"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Host      HostConfig      `mapstructure:"host"`
	Infra     InfraConfig     `mapstructure:"infra"`
	VMAPI     RemoteAPIConfig `mapstructure:"vm_api"`
	ProxyAPI  RemoteAPIConfig `mapstructure:"proxy_api"`
	Scripts   ScriptConfig    `mapstructure:"scripts"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	HTTPAddr    string `mapstructure:"http_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type HostConfig struct {
	TotalRAMMB int `mapstructure:"total_ram_mb"`
}

type InfraConfig struct {
	ExecutionMode    ExecMode      `mapstructure:"execution_mode"`
	Transport        Transport     `mapstructure:"transport"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	APITimeout       time.Duration `mapstructure:"api_timeout"`
	APIFallbackShell bool          `mapstructure:"api_fallback_shell"`
	Workdir          string        `mapstructure:"workdir"`
}

// RemoteAPIConfig points at one remote control API (vm or proxy
// domain). An empty BaseURL disables the API path for that domain.
type RemoteAPIConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	Token            string `mapstructure:"token"`
	CreateEndpoint   string `mapstructure:"create_endpoint"`
	StopEndpoint     string `mapstructure:"stop_endpoint"`
	RestartEndpoint  string `mapstructure:"restart_endpoint"`
	DeleteEndpoint   string `mapstructure:"delete_endpoint"`
	RotateEndpoint   string `mapstructure:"rotate_endpoint"`
	RegisterEndpoint string `mapstructure:"register_endpoint"`
	SecurityEndpoint string `mapstructure:"security_endpoint"`
}

type ScriptConfig struct {
	KernelPath      string `mapstructure:"kernel_path"`
	RootfsDir       string `mapstructure:"rootfs_dir"`
	TapPrefix       string `mapstructure:"tap_prefix"`
	NamespacePrefix string `mapstructure:"namespace_prefix"`
	VMLaunch        string `mapstructure:"vm_launch"`
	VMStop          string `mapstructure:"vm_stop"`
	VMRestart       string `mapstructure:"vm_restart"`
	VMDelete        string `mapstructure:"vm_delete"`
	TunnelRotate    string `mapstructure:"tunnel_rotate"`
	TunnelRegister  string `mapstructure:"tunnel_register"`
	VMPlaybook      string `mapstructure:"vm_playbook"`
	WGPlaybook      string `mapstructure:"wg_playbook"`
}

// SchedulerConfig bounds the simulated stage and backoff timing so
// tests can shrink it.
type SchedulerConfig struct {
	Workers     int           `mapstructure:"workers"`
	StageDelay  time.Duration `mapstructure:"stage_delay"`
	BackoffUnit time.Duration `mapstructure:"backoff_unit"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration from the environment (FLEETD_ prefix) on top
// of defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("storage.path", "./data/badger")
	v.SetDefault("nats.url", "")
	v.SetDefault("host.total_ram_mb", 32768)

	v.SetDefault("infra.execution_mode", string(ModeMock))
	v.SetDefault("infra.transport", string(TransportShell))
	v.SetDefault("infra.command_timeout", 20*time.Second)
	v.SetDefault("infra.api_timeout", 20*time.Second)
	v.SetDefault("infra.api_fallback_shell", true)
	v.SetDefault("infra.workdir", ".")

	v.SetDefault("vm_api.create_endpoint", "/v1/vms/create")
	v.SetDefault("vm_api.stop_endpoint", "/v1/vms/stop")
	v.SetDefault("vm_api.restart_endpoint", "/v1/vms/restart")
	v.SetDefault("vm_api.delete_endpoint", "/v1/vms/delete")
	v.SetDefault("proxy_api.rotate_endpoint", "/v1/proxy/rotate")
	v.SetDefault("proxy_api.register_endpoint", "/v1/proxy/register")
	v.SetDefault("proxy_api.security_endpoint", "/v1/proxy/security/snapshot")

	v.SetDefault("scripts.kernel_path", "./vmlinux")
	v.SetDefault("scripts.rootfs_dir", ".")
	v.SetDefault("scripts.tap_prefix", "tap-")
	v.SetDefault("scripts.namespace_prefix", "netns-")
	v.SetDefault("scripts.vm_launch", "scripts/launch_vm.sh")
	v.SetDefault("scripts.vm_stop", "scripts/stop_vm.sh")
	v.SetDefault("scripts.vm_restart", "scripts/restart_vm.sh")
	v.SetDefault("scripts.vm_delete", "scripts/delete_vm.sh")
	v.SetDefault("scripts.tunnel_rotate", "scripts/rotate_tunnel.sh")
	v.SetDefault("scripts.tunnel_register", "scripts/register_tunnel.sh")
	v.SetDefault("scripts.vm_playbook", "ansible/setup_vm.yml")
	v.SetDefault("scripts.wg_playbook", "ansible/setup_wg.yml")

	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.stage_delay", 400*time.Millisecond)
	v.SetDefault("scheduler.backoff_unit", time.Second)

	v.SetDefault("tracing.enabled", false)

	v.SetEnvPrefix("FLEETD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Infra.ExecutionMode = normalizeMode(cfg.Infra.ExecutionMode)
	cfg.Infra.Transport = normalizeTransport(cfg.Infra.Transport)
	return &cfg, nil
}

// Default returns the built-in configuration without consulting the
// environment. Tests start from this and override what they need.
func Default() *Config {
	cfg := &Config{
		Server:  ServerConfig{HTTPAddr: ":8080", MetricsAddr: ":9090"},
		Storage: StorageConfig{Path: "./data/badger"},
		Host:    HostConfig{TotalRAMMB: 32768},
		Infra: InfraConfig{
			ExecutionMode:    ModeMock,
			Transport:        TransportShell,
			CommandTimeout:   20 * time.Second,
			APITimeout:       20 * time.Second,
			APIFallbackShell: true,
			Workdir:          ".",
		},
		VMAPI: RemoteAPIConfig{
			CreateEndpoint:  "/v1/vms/create",
			StopEndpoint:    "/v1/vms/stop",
			RestartEndpoint: "/v1/vms/restart",
			DeleteEndpoint:  "/v1/vms/delete",
		},
		ProxyAPI: RemoteAPIConfig{
			RotateEndpoint:   "/v1/proxy/rotate",
			RegisterEndpoint: "/v1/proxy/register",
			SecurityEndpoint: "/v1/proxy/security/snapshot",
		},
		Scripts: ScriptConfig{
			KernelPath:      "./vmlinux",
			RootfsDir:       ".",
			TapPrefix:       "tap-",
			NamespacePrefix: "netns-",
			VMLaunch:        "scripts/launch_vm.sh",
			VMStop:          "scripts/stop_vm.sh",
			VMRestart:       "scripts/restart_vm.sh",
			VMDelete:        "scripts/delete_vm.sh",
			TunnelRotate:    "scripts/rotate_tunnel.sh",
			TunnelRegister:  "scripts/register_tunnel.sh",
			VMPlaybook:      "ansible/setup_vm.yml",
			WGPlaybook:      "ansible/setup_wg.yml",
		},
		Scheduler: SchedulerConfig{
			Workers:     8,
			StageDelay:  400 * time.Millisecond,
			BackoffUnit: time.Second,
		},
	}
	return cfg
}

func normalizeMode(mode ExecMode) ExecMode {
	switch ExecMode(strings.ToLower(strings.TrimSpace(string(mode)))) {
	case ModeBestEffort:
		return ModeBestEffort
	case ModeStrict:
		return ModeStrict
	default:
		return ModeMock
	}
}

func normalizeTransport(transport Transport) Transport {
	switch Transport(strings.ToLower(strings.TrimSpace(string(transport)))) {
	case TransportAPI:
		return TransportAPI
	case TransportAuto:
		return TransportAuto
	default:
		return TransportShell
	}
}
