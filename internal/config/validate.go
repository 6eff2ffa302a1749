package config

import (
	"fmt"
	"net/url"
	"slices"

	"github.com/hay-kot/criterio"
	"github.com/rs/zerolog"
)

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Category string `json:"category"`
	Item     string `json:"item,omitempty"`
	Message  string `json:"message"`
}

// Validate checks structural configuration rules and returns criterio field errors.
func (c *Config) Validate() error {
	return criterio.ValidateStruct(
		criterio.Run("backend", c.Backend, knownBackend),
		criterio.Run("base_url", c.BaseURL, absoluteURL),
		criterio.Run("log_level", c.LogLevel, knownLogLevel),
		c.validateLimits(),
		c.validateBounds(),
	)
}

// Warnings returns non-fatal configuration issues.
func (c *Config) Warnings() []ValidationWarning {
	var warnings []ValidationWarning

	if c.Backend == BackendAzure && c.Organization == "" {
		warnings = append(warnings, ValidationWarning{
			Category: "Backend",
			Item:     "organization",
			Message:  "azure backend configured without an organization; bulk operations will fail",
		})
	}
	if c.Backend == BackendAzure && c.Project == "" {
		warnings = append(warnings, ValidationWarning{
			Category: "Backend",
			Item:     "project",
			Message:  "no default project; queries must name a project",
		})
	}
	if c.SubmitConcurrency > 1 {
		warnings = append(warnings, ValidationWarning{
			Category: "Submission",
			Item:     "submit_concurrency",
			Message:  "concurrent batch submission enabled; batch completion order is not guaranteed",
		})
	}

	return warnings
}

func (c *Config) validateLimits() error {
	var errs criterio.FieldErrorsBuilder

	positive := map[string]int{
		"batch_size_limit":       c.BatchSizeLimit,
		"sweep_interval_seconds": c.SweepIntervalSeconds,
		"rate_limit_capacity":    c.RateLimitCapacity,
		"submit_concurrency":     c.SubmitConcurrency,
		"list_top_default":       c.ListTopDefault,
		"list_top_max":           c.ListTopMax,
	}
	for _, field := range sortedKeys(positive) {
		if positive[field] < 1 {
			errs = errs.Append(field, fmt.Errorf("must be at least 1, got %d", positive[field]))
		}
	}

	if c.RateLimitRefillPerSecond <= 0 {
		errs = errs.Append("rate_limit_refill_per_second", fmt.Errorf("must be positive, got %v", c.RateLimitRefillPerSecond))
	}
	if c.ContextFreshnessSeconds < 0 {
		errs = errs.Append("context_freshness_seconds", fmt.Errorf("must not be negative"))
	}

	return errs.ToError()
}

// validateBounds checks every default/min/max triple.
func (c *Config) validateBounds() error {
	var errs criterio.FieldErrorsBuilder

	triples := []struct {
		field         string
		def, min, max int
	}{
		{"handle_ttl_seconds", c.HandleTTLSeconds, c.HandleTTLMinSeconds, c.HandleTTLMaxSeconds},
		{"undo_ttl_seconds", c.UndoTTLSeconds, c.UndoTTLMinSeconds, c.UndoTTLMaxSeconds},
		{"preview_items_default", c.PreviewItemsDefault, c.PreviewItemsMin, c.PreviewItemsMax},
	}
	for _, tr := range triples {
		if tr.min < 1 {
			errs = errs.Append(tr.field, fmt.Errorf("minimum must be at least 1, got %d", tr.min))
			continue
		}
		if tr.min > tr.max {
			errs = errs.Append(tr.field, fmt.Errorf("minimum %d exceeds maximum %d", tr.min, tr.max))
			continue
		}
		if tr.def < tr.min || tr.def > tr.max {
			errs = errs.Append(tr.field, fmt.Errorf("default %d outside [%d, %d]", tr.def, tr.min, tr.max))
		}
	}

	if c.ListTopDefault > c.ListTopMax {
		errs = errs.Append("list_top_default", fmt.Errorf("default %d exceeds maximum %d", c.ListTopDefault, c.ListTopMax))
	}

	return errs.ToError()
}

func knownBackend(name string) error {
	switch name {
	case BackendLocal, BackendAzure:
		return nil
	}
	return fmt.Errorf("unknown backend %q (want %q or %q)", name, BackendLocal, BackendAzure)
}

func absoluteURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute url, got %q", raw)
	}
	return nil
}

func knownLogLevel(level string) error {
	if level == "" {
		return nil
	}
	if _, err := zerolog.ParseLevel(level); err != nil {
		return fmt.Errorf("unknown log level %q", level)
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
