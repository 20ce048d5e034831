package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateEndpoint(&cfg.Endpoint, result)
	validateAuth(&cfg.Auth, result)
	validateTransport(&cfg.Transport, result)
	validateServices(cfg, result)

	return result
}

func validateEndpoint(ep *EndpointConfig, result *ValidationResult) {
	if strings.TrimSpace(ep.Host) == "" {
		result.AddError("endpoint.host", "endpoint host is required")
	} else if strings.Contains(ep.Host, "://") || strings.Contains(ep.Host, "/") {
		result.AddError("endpoint.host", "host must not contain a scheme or path")
	}
	validatePort(ep.Port, "endpoint.port", result, false)

	if !ep.Secure {
		result.AddWarning("endpoint.secure", "credentials will travel unencrypted")
	}
	if ep.Secure && ep.InsecureSkipVerify {
		result.AddWarning("endpoint.insecure_skip_verify", "TLS certificate verification is disabled")
	}
}

func validateAuth(auth *AuthConfig, result *ValidationResult) {
	if auth.UseSecretAuth && strings.TrimSpace(auth.SecretKey) == "" {
		result.AddError("auth.secret_key", "secret key is required when secret auth is enabled")
	}
	if auth.UseSecretAuth && strings.TrimSpace(auth.AccessKey) == "" {
		result.AddWarning("auth.access_key",
			fmt.Sprintf("no access key set, stats are held back until one is provided (or set %s)", EnvAccessKey))
	}
}

func validateTransport(t *TransportConfig, result *ValidationResult) {
	if t.QueueCapacity < 1 {
		result.AddError("transport.queue_capacity", "queue capacity must be at least 1")
	} else if t.QueueCapacity > 10000 {
		result.AddWarning("transport.queue_capacity",
			fmt.Sprintf("large queue (%d) holds a lot of unsent data in memory", t.QueueCapacity))
	}

	if t.MaxPayloadBytes < 1 {
		result.AddError("transport.max_payload_bytes", "max payload size must be positive")
	}
	if t.BackoffBaseMs < 1 {
		result.AddError("transport.backoff_base_ms", "backoff base must be positive")
	}
	if t.BackoffMaxMs < t.BackoffBaseMs {
		result.AddError("transport.backoff_max_ms", "backoff max must not be below backoff base")
	}
	if t.BackoffJitter < 0 || t.BackoffJitter > 1 {
		result.AddError("transport.backoff_jitter", "jitter must be between 0 and 1")
	}
	if t.MaxConnectAttempts < 1 {
		result.AddError("transport.max_connect_attempts", "must allow at least 1 connect attempt per batch")
	}
	if t.SendCooldownMs < 0 {
		result.AddError("transport.send_cooldown_ms", "cooldown must not be negative")
	} else if t.SendCooldownMs < 100 {
		result.AddWarning("transport.send_cooldown_ms",
			"cooldown below 100ms may flood the endpoint")
	}
	if t.DequeueTimeoutMs < 1 {
		result.AddError("transport.dequeue_timeout_ms", "dequeue timeout must be positive")
	}
	if t.EnqueueTimeoutMs < 1 {
		result.AddError("transport.enqueue_timeout_ms", "enqueue timeout must be positive")
	} else if t.EnqueueTimeoutMs > 1000 {
		result.AddWarning("transport.enqueue_timeout_ms", "producers may block for over a second on a full queue")
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result, true)
		if host := cfg.API.Host; host != "" && host != "127.0.0.1" && host != "localhost" && cfg.API.Token == "" {
			result.AddWarning("api.token", "API is reachable beyond localhost without a token")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
	}

	if cfg.Storage.Enabled && strings.TrimSpace(cfg.Storage.Path) == "" {
		result.AddError("storage.path", "database path is required when storage is enabled")
	}
	if cfg.Storage.BusyTimeoutMs < 0 {
		result.AddError("storage.busy_timeout_ms", "busy timeout must not be negative")
	}

	if cfg.Timers.StatsFlushInterval < 0 || cfg.Timers.PingInterval < 0 {
		result.AddError("timers", "intervals must not be negative")
	}
	if cfg.Timers.HeartbeatInterval > 0 && cfg.Timers.HeartbeatInterval < 10 {
		result.AddWarning("timers.heartbeat_interval_sec",
			"heartbeat interval less than 10s may cause excessive traffic")
	}

	if _, err := zerolog.ParseLevel(cfg.Logging.Level); err != nil {
		result.AddError("logging.level", fmt.Sprintf("unknown log level %q", cfg.Logging.Level))
	}
}

func validatePort(port int, field string, result *ValidationResult, warnPrivileged bool) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if warnPrivileged && port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
