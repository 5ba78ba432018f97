// Package config holds the node-global configuration: broker endpoint,
// credentials, eviction/delta-sync/schema-version/log-level/audit
// options, with defaults, validation, and YAML load/save.
//
// A JSON-settings-file-with-fallback shape, realized here over
// gopkg.in/yaml.v3 instead: a package-level default, an in-memory
// struct, and an explicit Save.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fieldmesh/sds/pkg/sds/sdsconst"
	"github.com/fieldmesh/sds/pkg/sds/sdserrors"
)

// Config is the full set of node-global options a façade Node is built
// from.
type Config struct {
	NodeID     string `yaml:"node_id"`
	Transport  string `yaml:"transport"` // "mqtt" or "redis"; see cmd/sdsnode
	BrokerHost string `yaml:"broker_host"`
	BrokerPort int    `yaml:"broker_port"`
	Username   string `yaml:"username,omitempty"`
	Password   string `yaml:"password,omitempty"`

	EvictionGraceMS     uint32  `yaml:"eviction_grace_ms"`
	EnableDeltaSync     bool    `yaml:"enable_delta_sync"`
	DeltaFloatTolerance float64 `yaml:"delta_float_tolerance"`

	SchemaVersion string `yaml:"schema_version,omitempty"`
	LogLevel      string `yaml:"log_level,omitempty"`

	// AuditEnabled turns on the local structured audit trail (see
	// pkg/sds/audit). AuditSinkTopic, if non-empty, additionally fans
	// audit events out over the node's own transport to that topic (a
	// plain application topic, not a reserved sds/ one, so it works
	// whether the node runs mqtttransport or redistransport).
	AuditEnabled   bool   `yaml:"audit_enabled,omitempty"`
	AuditSinkTopic string `yaml:"audit_sink_topic,omitempty"`
}

// Default returns a Config with every option at its spec-mandated
// default. NodeID is left empty; callers needing an auto-generated id
// should call GenerateNodeID with their clock's current reading.
func Default() Config {
	return Config{
		Transport:           "mqtt",
		BrokerPort:          sdsconst.DefaultBrokerPort,
		DeltaFloatTolerance: sdsconst.DefaultDeltaFloatTolerance,
		LogLevel:            "info",
	}
}

// GenerateNodeID builds the auto-generated node_<ms_lower32_hex> id from
// a clock reading, used when NodeID is left unset.
func GenerateNodeID(nowMS uint32) string {
	return fmt.Sprintf("node_%08x", nowMS)
}

// Validate checks required fields and max lengths. It does not attempt
// a network reachability check; that belongs to the transport connect
// step.
func (c Config) Validate() error {
	if c.BrokerHost == "" {
		return sdserrors.NewConfigError("broker_host", c.BrokerHost, "required")
	}
	if len(c.BrokerHost) > sdsconst.MaxBrokerHostLen {
		return sdserrors.NewConfigError("broker_host", c.BrokerHost, "exceeds max length")
	}
	if len(c.NodeID) > sdsconst.MaxNodeIDLen {
		return sdserrors.NewConfigError("node_id", c.NodeID, "exceeds max length")
	}
	if len(c.Username) > sdsconst.MaxCredentialLen {
		return sdserrors.NewConfigError("username", c.Username, "exceeds max length")
	}
	if len(c.Password) > sdsconst.MaxCredentialLen {
		return sdserrors.NewConfigError("password", "", "exceeds max length")
	}
	if len(c.SchemaVersion) > sdsconst.MaxSchemaVersionLen {
		return sdserrors.NewConfigError("schema_version", c.SchemaVersion, "exceeds max length")
	}
	if c.BrokerPort <= 0 || c.BrokerPort > 65535 {
		return sdserrors.NewConfigError("broker_port", fmt.Sprint(c.BrokerPort), "out of range")
	}
	if c.Transport != "" && c.Transport != "mqtt" && c.Transport != "redis" {
		return sdserrors.NewConfigError("transport", c.Transport, `must be "mqtt" or "redis"`)
	}
	if strings.HasPrefix(c.AuditSinkTopic, sdsconst.ReservedTopicPrefix) {
		return sdserrors.NewConfigError("audit_sink_topic", c.AuditSinkTopic, "must not use the reserved sds/ prefix")
	}
	return nil
}

// Load reads and validates a Config from a YAML file, falling back to
// Default() values for any option the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating or truncating the file.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
