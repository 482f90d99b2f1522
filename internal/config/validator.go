package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
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
	result := &ValidationResult{}

	validateSessions(cfg.Sessions, result)
	validateFraming(&cfg.Framing, result)
	validateReconnect(&cfg.Reconnect, result)
	validateServices(cfg, result)

	return result
}

func validateSessions(sessions []SessionConfig, result *ValidationResult) {
	if len(sessions) == 0 {
		result.AddWarning("sessions", "no sessions configured")
	}

	seen := make(map[string]bool, len(sessions))
	for i, s := range sessions {
		field := fmt.Sprintf("sessions[%d]", i)

		name := strings.TrimSpace(s.Name)
		switch {
		case name == "":
			result.AddError(field+".name", "session name is required")
		case strings.ContainsAny(name, "/#+ "):
			result.AddError(field+".name", fmt.Sprintf("session name %q must not contain spaces or / # +", name))
		case seen[name]:
			result.AddError(field+".name", fmt.Sprintf("duplicate session name %q", name))
		}
		seen[name] = true

		if strings.TrimSpace(s.Host) == "" {
			result.AddError(field+".host", "host is required")
		}
		validatePort(s.Port, field+".port", result)

		switch s.Transport {
		case TransportTCP:
		case TransportWebSocket:
			if !strings.HasPrefix(s.WSPath, "/") {
				result.AddError(field+".ws_path", "websocket path must start with /")
			}
		default:
			result.AddError(field+".transport", fmt.Sprintf("unknown transport %q (want tcp or websocket)", s.Transport))
		}

		if s.ConnectTimeoutSec < 1 {
			result.AddError(field+".connect_timeout_sec", "connect timeout must be at least 1 second")
		}
	}
}

func validateFraming(f *FramingConfig, result *ValidationResult) {
	if f.HeaderWidth != 2 && f.HeaderWidth != 4 {
		result.AddError("framing.header_width", fmt.Sprintf("header width must be 2 or 4, got %d", f.HeaderWidth))
	}

	switch strings.ToLower(f.ByteOrder) {
	case "little", "le", "big", "be":
	default:
		result.AddError("framing.byte_order", fmt.Sprintf("unknown byte order %q (want little or big)", f.ByteOrder))
	}

	switch f.OpcodeWidth {
	case 1, 2, 4:
	default:
		result.AddError("framing.opcode_width", fmt.Sprintf("opcode width must be 1, 2 or 4, got %d", f.OpcodeWidth))
	}

	if f.MaxFrameSize < 0 {
		result.AddError("framing.max_frame_size", "max frame size must not be negative")
	}
	if f.HeaderWidth == 2 && f.MaxFrameSize > 0xFFFF {
		result.AddWarning("framing.max_frame_size", "2-byte headers cannot exceed 65535, value will be clamped")
	}
	if f.MaxFrameSize == 0 && f.HeaderWidth == 4 {
		result.AddWarning("framing.max_frame_size", "no frame size set, using the 4 MiB default")
	}

	if f.LengthAdjustment < 0 {
		result.AddError("framing.length_adjustment", "length adjustment must not be negative")
	}
	if f.LengthAdjustment > 0 && f.LengthAdjustment < f.OpcodeWidth {
		result.AddWarning("framing.length_adjustment", "length adjustment is smaller than the opcode width")
	}
}

func validateReconnect(r *ReconnectConfig, result *ValidationResult) {
	switch r.Policy {
	case PolicyExponential:
		if r.Multiplier < 1 {
			result.AddError("reconnect.multiplier", "multiplier must be at least 1")
		}
		if r.MaxDelayMs > 0 && r.MaxDelayMs < r.BaseDelayMs {
			result.AddError("reconnect.max_delay_ms", "max delay must not be below the base delay")
		}
	case PolicyFixed:
	case PolicyNone:
		return
	default:
		result.AddError("reconnect.policy", fmt.Sprintf("unknown policy %q (want exponential, fixed or none)", r.Policy))
		return
	}

	if r.BaseDelayMs < 0 {
		result.AddError("reconnect.base_delay_ms", "base delay must not be negative")
	} else if r.BaseDelayMs < 100 {
		result.AddWarning("reconnect.base_delay_ms", "reconnect delay below 100ms may hammer the server")
	}
	if r.MaxAttempts < 0 {
		result.AddError("reconnect.max_attempts", "max attempts must not be negative")
	} else if r.MaxAttempts == 0 {
		result.AddWarning("reconnect.max_attempts", "reconnect attempts are unlimited")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		result.AddError("reconnect.jitter", "jitter must be between 0 and 1")
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	if cfg.Keepalive.Enabled && cfg.Keepalive.IntervalSec < 1 {
		result.AddError("keepalive.interval_sec", "keepalive interval must be at least 1 second")
	}
	if cfg.Keepalive.Enabled {
		switch w := cfg.Framing.OpcodeWidth; {
		case w == 1 && cfg.Keepalive.Opcode > 0xFF, w == 2 && cfg.Keepalive.Opcode > 0xFFFF:
			result.AddError("keepalive.opcode",
				fmt.Sprintf("keepalive opcode 0x%X does not fit a %d-byte opcode", cfg.Keepalive.Opcode, w))
		}
	}

	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
		if cfg.MQTT.UseTLS && cfg.MQTT.CertFile != "" {
			if _, err := os.Stat(cfg.MQTT.CertFile); os.IsNotExist(err) {
				result.AddWarning("mqtt.cert_file", fmt.Sprintf("file does not exist: %s", cfg.MQTT.CertFile))
			}
		}
	}

	if cfg.Journal.Enabled {
		if strings.TrimSpace(cfg.Journal.Path) == "" {
			result.AddError("journal.path", "journal path is required when enabled")
		} else if dir := filepath.Dir(cfg.Journal.Path); dir != "." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				result.AddWarning("journal.path", fmt.Sprintf("directory %s will be created", dir))
			}
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace", "debug", "info", "warn", "error", "":
	default:
		result.AddWarning("logging.level", fmt.Sprintf("unknown level %q, using info", cfg.Logging.Level))
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
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
