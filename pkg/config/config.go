// Package config holds the injected configuration struct the core reads
// from. How the struct is populated (CLI flags, setup wizard, config-updater
// HTTP endpoint) is out of scope per spec §1 — this package only defines the
// struct and its defaults, following the teacher's per-subsystem
// Default*Config() convention (pkg/config/queue.go in the teacher).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration struct, covering every field listed in
// spec §6 "Environment/config" plus nested per-component tunables.
type Config struct {
	HomeDirectory string `yaml:"home_directory"`
	ProxyURL      string `yaml:"proxy_url,omitempty"`

	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	HostExternal bool   `yaml:"host_external"`

	WebhookSecret    string `yaml:"webhook_secret"`
	OAuthClientID    string `yaml:"oauth_client_id"`
	OAuthClientSecret string `yaml:"oauth_client_secret"`

	Manager    ManagerConfig    `yaml:"manager"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Attachment AttachmentConfig `yaml:"attachment"`
	Procedure  ProcedureConfig  `yaml:"procedure"`
	Store      StoreConfig      `yaml:"store"`
	Plugins    []PluginConfig   `yaml:"plugins,omitempty"`
}

// ManagerConfig tunes SessionManager admission control (spec §4.8).
type ManagerConfig struct {
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`
	QueueCapacity         int           `yaml:"queue_capacity"`
	ShutdownGrace         time.Duration `yaml:"shutdown_grace"`
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConcurrentSessions: 1,
		QueueCapacity:         100,
		ShutdownGrace:         30 * time.Second,
	}
}

// SupervisorConfig tunes SessionSupervisor (spec §4.6).
type SupervisorConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay"`
	StopGracePeriod      time.Duration `yaml:"stop_grace_period"`
	CommentBatchWindow   time.Duration `yaml:"comment_batch_window"`
	CommentPostRetries   int           `yaml:"comment_post_retries"`
	ContractViolationCap int           `yaml:"contract_violation_cap"`
	// PluginProbeTimeout bounds how long a single MCP plugin (spec §4.3)
	// gets to answer an initialize+list-tools capability probe before a
	// launch proceeds without it.
	PluginProbeTimeout time.Duration `yaml:"plugin_probe_timeout"`
}

func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRetries:           3,
		RetryBaseDelay:       time.Second,
		StopGracePeriod:      5 * time.Second,
		CommentBatchWindow:   750 * time.Millisecond,
		CommentPostRetries:   3,
		ContractViolationCap: 3,
		PluginProbeTimeout:   3 * time.Second,
	}
}

// PluginConfig configures one label→MCP-plugin routing entry (spec §4.3).
// Kept free of the attachment package's types to avoid an import cycle
// (attachment already imports config); cmd/sessioncore converts these into
// attachment.PluginSpec values when building the PluginRouter.
type PluginConfig struct {
	Label    string   `yaml:"label"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args,omitempty"`
	Inactive bool     `yaml:"inactive,omitempty"`
}

// WebhookConfig tunes WebhookIngress (spec §4.7).
type WebhookConfig struct {
	DedupWindow      time.Duration `yaml:"dedup_window"`
	DedupCapacity    int           `yaml:"dedup_capacity"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	OAuthPendingTTL  time.Duration `yaml:"oauth_pending_ttl"`
	OAuthStateTTL    time.Duration `yaml:"oauth_state_ttl"`
	ApprovalTimeout  time.Duration `yaml:"approval_timeout"`
}

func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		DedupWindow:     10 * time.Minute,
		DedupCapacity:   10000,
		AckTimeout:      3 * time.Second,
		OAuthPendingTTL: 5 * time.Minute,
		OAuthStateTTL:   10 * time.Minute,
		ApprovalTimeout: 30 * time.Minute,
	}
}

// AttachmentConfig tunes AttachmentCache (spec §4.2).
type AttachmentConfig struct {
	MaxAttachments int   `yaml:"max_attachments"`
	MaxBytes       int64 `yaml:"max_bytes"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
}

func DefaultAttachmentConfig() AttachmentConfig {
	return AttachmentConfig{
		MaxAttachments: 10,
		MaxBytes:       10 * 1024 * 1024,
		FetchTimeout:   30 * time.Second,
	}
}

// ProcedureConfig tunes ProcedureEngine validation loops (spec §4.5).
type ProcedureConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

func DefaultProcedureConfig() ProcedureConfig {
	return ProcedureConfig{MaxIterations: 4}
}

// StoreConfig tunes SessionStore persistence retry (spec §4.1).
type StoreConfig struct {
	PersistRetries int             `yaml:"persist_retries"`
	PersistBackoff []time.Duration `yaml:"-"`
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		PersistRetries: 3,
		PersistBackoff: []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond},
	}
}

// Default returns a Config with every nested section at its documented
// default, and EventBufferHighWatermark-equivalent values applied at the
// call sites that need them (agentadapter package owns its own default).
func Default() *Config {
	return &Config{
		HomeDirectory: "./data",
		Host:          "127.0.0.1",
		Port:          8080,
		Manager:       DefaultManagerConfig(),
		Supervisor:    DefaultSupervisorConfig(),
		Webhook:       DefaultWebhookConfig(),
		Attachment:    DefaultAttachmentConfig(),
		Procedure:     DefaultProcedureConfig(),
		Store:         DefaultStoreConfig(),
	}
}

// Load reads YAML configuration from path, overlaying defaults, after first
// loading a ".env" file from the current working directory (if present)
// into the process environment —
// mirroring the teacher's godotenv.Load() call in its config loader. path
// may be empty, in which case Default() is returned unmodified.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional .env; errors (e.g. missing file) are ignored

	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("reading %s: %v", path, err)}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("parsing %s: %v", path, err)}
	}
	return cfg, nil
}

// Error marks a configuration problem — invalid config on load, or a
// required field missing at startup — that the host process should treat
// as exit code 2 per spec §6 ("config-error"), distinct from exit code 1's
// fatal-startup class (missing credentials, port bind failure).
type Error struct {
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("config: %s", e.Reason) }
