package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"remedy/internal/domain"
)

// Config models remedy.yml.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Engine struct {
		Workers               int `yaml:"workers"`
		PollIntervalSeconds   int `yaml:"poll_interval_seconds"`
		LeaseTTLSeconds       int `yaml:"lease_ttl_seconds"`
		SweepIntervalSeconds  int `yaml:"sweep_interval_seconds"`
		MaxAttempts           int `yaml:"max_attempts"`
		ExecuteTimeoutSeconds int `yaml:"execute_timeout_seconds"`
	} `yaml:"engine"`
	Query struct {
		DefaultPageSize   int `yaml:"default_page_size"`
		MaxPageSize       int `yaml:"max_page_size"`
		SessionTTLMinutes int `yaml:"session_ttl_minutes"`
	} `yaml:"query"`
	Observables struct {
		Types []string `yaml:"types"`
	} `yaml:"observables"`
	Remediators []RemediatorConfig `yaml:"remediators"`
	Auth        struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
		DevLogin               bool   `yaml:"dev_login"`
	} `yaml:"auth"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RemediatorConfig struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	Driver  string            `yaml:"driver"`
	Command []string          `yaml:"command,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Token   string            `yaml:"token,omitempty"`
	APIKey  string            `yaml:"api_key,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type WebhookConfig struct {
	Name     string   `yaml:"name"`
	URL      string   `yaml:"url"`
	Secret   string   `yaml:"secret,omitempty"`
	Statuses []string `yaml:"statuses,omitempty"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run rmd config init to create one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Engine.Workers < 0 || c.Engine.MaxAttempts < 0 {
		return fmt.Errorf("config.engine values must not be negative")
	}
	if c.Query.MaxPageSize > 0 && c.Query.DefaultPageSize > c.Query.MaxPageSize {
		return fmt.Errorf("config.query.default_page_size exceeds max_page_size")
	}
	if len(c.Observables.Types) == 0 {
		return fmt.Errorf("config.observables.types is required")
	}
	known := map[string]bool{}
	for _, t := range c.Observables.Types {
		if t == "" {
			return fmt.Errorf("config.observables.types contains an empty entry")
		}
		known[t] = true
	}
	names := map[string]bool{}
	for _, r := range c.Remediators {
		if r.Name == "" || r.Type == "" {
			return fmt.Errorf("remediator entries require name and type")
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate remediator name %s", r.Name)
		}
		names[r.Name] = true
		if !known[r.Type] {
			return fmt.Errorf("remediator %s targets unknown observable type %s", r.Name, r.Type)
		}
		switch r.Driver {
		case "log":
		case "command":
			if len(r.Command) == 0 {
				return fmt.Errorf("remediator %s uses the command driver but has no command", r.Name)
			}
		case "http":
			if r.URL == "" {
				return fmt.Errorf("remediator %s uses the http driver but has no url", r.Name)
			}
		default:
			return fmt.Errorf("remediator %s has unknown driver %q", r.Name, r.Driver)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for _, w := range c.Webhooks {
		if w.Name == "" || w.URL == "" {
			return fmt.Errorf("webhook entries require name and url")
		}
		for _, s := range w.Statuses {
			if !domain.ValidStatus(s) {
				return fmt.Errorf("webhook %s filters on unknown status %s", w.Name, s)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "remedy.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceName string) string {
	return fmt.Sprintf(defaultTemplate, serviceName)
}

// Default returns the default Config struct.
func Default(serviceName string) *Config {
	var cfg Config
	cfg.Service.Name = serviceName
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, serviceName))).Decode(&cfg)
	cfg.applyDefaults()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// applyDefaults fills zero-valued tuning knobs so a partial config file still
// yields a runnable service.
func (c *Config) applyDefaults() {
	if c.Engine.Workers == 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.PollIntervalSeconds == 0 {
		c.Engine.PollIntervalSeconds = 2
	}
	if c.Engine.LeaseTTLSeconds == 0 {
		c.Engine.LeaseTTLSeconds = 300
	}
	if c.Engine.SweepIntervalSeconds == 0 {
		c.Engine.SweepIntervalSeconds = 30
	}
	if c.Engine.MaxAttempts == 0 {
		c.Engine.MaxAttempts = 3
	}
	if c.Engine.ExecuteTimeoutSeconds == 0 {
		c.Engine.ExecuteTimeoutSeconds = 120
	}
	if c.Query.DefaultPageSize == 0 {
		c.Query.DefaultPageSize = 50
	}
	if c.Query.MaxPageSize == 0 {
		c.Query.MaxPageSize = 1000
	}
	if c.Query.SessionTTLMinutes == 0 {
		c.Query.SessionTTLMinutes = 60
	}
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Engine.PollIntervalSeconds) * time.Second
}

func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Engine.LeaseTTLSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Engine.SweepIntervalSeconds) * time.Second
}

func (c *Config) ExecuteTimeout() time.Duration {
	return time.Duration(c.Engine.ExecuteTimeoutSeconds) * time.Second
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Query.SessionTTLMinutes) * time.Minute
}

// ObservableTypeKnown reports whether t is in the configured catalog.
func (c *Config) ObservableTypeKnown(t string) bool {
	for _, known := range c.Observables.Types {
		if known == t {
			return true
		}
	}
	return false
}

const defaultTemplate = `service:
  name: %s

engine:
  workers: 4
  poll_interval_seconds: 2
  lease_ttl_seconds: 300
  sweep_interval_seconds: 30
  max_attempts: 3
  execute_timeout_seconds: 120

query:
  default_page_size: 50
  max_page_size: 1000
  session_ttl_minutes: 60

observables:
  types:
    - email
    - email_subject
    - file
    - host
    - url
    - user
    - ipv4

remediators:
  - name: mailbox-sim
    type: email
    driver: log
  - name: file-sim
    type: file
    driver: log

auth:
  allow_legacy_actor_header: true
  dev_login: true

rbac:
  roles:
    admin:
      description: "Full control over remediations and administration"
      permissions:
        - remediation.create
        - remediation.read
        - remediation.cancel
        - remediation.retry
        - remediation.restore
        - remediation.delete
        - history.read
        - view.manage
        - apikey.manage
        - rbac.manage
    analyst:
      description: "Day-to-day remediation operations"
      permissions:
        - remediation.create
        - remediation.read
        - remediation.cancel
        - remediation.retry
        - remediation.restore
        - history.read
        - view.manage
    viewer:
      description: "Read-only access"
      permissions:
        - remediation.read
        - history.read
`
