package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateModel(cfg, ve)
	validateStore(cfg, ve)
	validateKnowledge(cfg, ve)
	validateConversations(cfg, ve)
	validateCluster(cfg, ve)
	validateMaintenance(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", cfg.Server.Addr)
	}
	if cfg.Server.Rate.Enabled {
		if cfg.Server.Rate.RPS <= 0 {
			ve.Add("server.rate.rps must be > 0 when rate limiting is enabled")
		}
		if cfg.Server.Rate.Burst <= 0 {
			ve.Add("server.rate.burst must be > 0 when rate limiting is enabled")
		}
	}
}

var validProviderTypes = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"bedrock":   true,
}

func validateModel(cfg *Config, ve *ValidationError) {
	if cfg.Model.DefaultProvider == "" {
		ve.Add("model.default_provider must not be empty")
	}
	if cfg.Model.RequestTimeout <= 0 {
		ve.Add("model.request_timeout must be > 0")
	}

	if len(cfg.Model.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.Model.Providers {
		if p.Name == "" {
			ve.Add("model.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("model.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if !validProviderTypes[p.Type] {
			ve.Add("model.providers[%d].type %q is invalid (want: anthropic, openai, bedrock)", i, p.Type)
		}
		if p.APIKey == "" && p.Type != "bedrock" {
			ve.Add("model.providers[%d] (%s): api_key is empty (set via PARLEY_PROVIDER_%s_API_KEY)",
				i, p.Name, strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_")))
		}
		if p.Type == "bedrock" && p.Region == "" {
			ve.Add("model.providers[%d] (%s): region is required for bedrock provider", i, p.Name)
		}
		if p.Model == "" {
			ve.Add("model.providers[%d] (%s): model must not be empty", i, p.Name)
		}
		if p.Name == cfg.Model.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.Model.DefaultProvider != "" {
		ve.Add("model.default_provider %q does not match any configured provider", cfg.Model.DefaultProvider)
	}

	for i, name := range cfg.Model.Failover.Fallbacks {
		if !seen[name] {
			ve.Add("model.failover.fallbacks[%d] %q does not match any configured provider", i, name)
		}
	}

	if cfg.Model.CircuitBreaker.Enabled {
		if cfg.Model.CircuitBreaker.MaxFailures == 0 {
			ve.Add("model.circuit_breaker.max_failures must be > 0 when circuit breaker is enabled")
		}
		if cfg.Model.CircuitBreaker.Timeout <= 0 {
			ve.Add("model.circuit_breaker.timeout must be > 0 when circuit breaker is enabled")
		}
	}
}

var validStoreDrivers = map[string]bool{
	"sqlite": true,
	"memory": true,
}

func validateStore(cfg *Config, ve *ValidationError) {
	if !validStoreDrivers[cfg.Store.Driver] {
		ve.Add("store.driver %q is invalid (want: sqlite, memory)", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		ve.Add("store.path is required when driver is sqlite")
	}
	if cfg.Store.RetainVersions < 0 {
		ve.Add("store.retain_versions must be >= 0")
	}
}

func validateKnowledge(cfg *Config, ve *ValidationError) {
	if !cfg.Knowledge.Enabled {
		return
	}
	if cfg.Knowledge.Path == "" {
		ve.Add("knowledge.path is required when knowledge is enabled")
	}
	if cfg.Knowledge.DefaultTopK <= 0 {
		ve.Add("knowledge.default_top_k must be > 0")
	}
}

var validFieldTypes = map[string]bool{
	"string": true,
	"number": true,
}

func validateConversations(cfg *Config, ve *ValidationError) {
	if cfg.Conversations.StepLimit <= 0 {
		ve.Add("conversations.step_limit must be > 0")
	}
	if cfg.Conversations.ToolTimeout <= 0 {
		ve.Add("conversations.tool_timeout must be > 0")
	}
	if cfg.Conversations.MaxContextTokens < 0 {
		ve.Add("conversations.max_context_tokens must be >= 0")
	}
	if cfg.Conversations.DefaultKind == "" {
		ve.Add("conversations.default_kind must not be empty")
	}
	if len(cfg.Conversations.Kinds) == 0 {
		ve.Add("conversations.kinds must define at least one kind")
		return
	}
	if _, ok := cfg.Conversations.Kinds[cfg.Conversations.DefaultKind]; !ok && cfg.Conversations.DefaultKind != "" {
		ve.Add("conversations.default_kind %q does not match any configured kind", cfg.Conversations.DefaultKind)
	}

	for name, kind := range cfg.Conversations.Kinds {
		if kind.Directive == "" {
			ve.Add("conversations.kinds.%s.directive must not be empty", name)
		}
		if len(kind.Fields) > 0 && kind.ArtifactsDir == "" {
			ve.Add("conversations.kinds.%s.artifacts_dir is required when fields are defined", name)
		}
		validateFields(name, kind.Fields, ve)
	}
}

func validateFields(kind string, fields []FieldSpec, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, f := range fields {
		if f.Name == "" {
			ve.Add("conversations.kinds.%s.fields[%d].name must not be empty", kind, i)
			continue
		}
		if seen[f.Name] {
			ve.Add("conversations.kinds.%s.fields[%d]: duplicate field name %q", kind, i, f.Name)
		}
		seen[f.Name] = true

		if !validFieldTypes[f.Type] {
			ve.Add("conversations.kinds.%s.fields[%d].type %q is invalid (want: string, number)", kind, i, f.Type)
		}
		if len(f.Enum) > 0 && f.Type != "string" {
			ve.Add("conversations.kinds.%s.fields[%d]: enum is only valid for string fields", kind, i)
		}
		if (f.Min != nil || f.Max != nil) && f.Type != "number" {
			ve.Add("conversations.kinds.%s.fields[%d]: min/max are only valid for number fields", kind, i)
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			ve.Add("conversations.kinds.%s.fields[%d]: min %v is greater than max %v", kind, i, *f.Min, *f.Max)
		}
	}
}

func validateCluster(cfg *Config, ve *ValidationError) {
	if cfg.Cluster == nil || !cfg.Cluster.Enabled {
		return
	}
	if cfg.Cluster.RedisURL == "" {
		ve.Add("cluster.redis_url is required when cluster mode is enabled")
	}
	if cfg.Cluster.LockTTL != "" {
		if _, err := time.ParseDuration(cfg.Cluster.LockTTL); err != nil {
			ve.Add("cluster.lock_ttl %q is not a valid duration", cfg.Cluster.LockTTL)
		}
	}
}

func validateMaintenance(cfg *Config, ve *ValidationError) {
	if !cfg.Maintenance.Enabled {
		return
	}
	if cfg.Maintenance.RetentionSchedule == "" {
		ve.Add("maintenance.retention_schedule is required when maintenance is enabled")
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[cfg.Logger.Level] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validLogFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

var validTracerExporters = map[string]bool{
	"stdout": true,
	"noop":   true,
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	if !validTracerExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: stdout, noop)", cfg.Tracer.Exporter)
	}
}
