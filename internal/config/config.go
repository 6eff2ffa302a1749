package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendLocal = "local"
	BackendAzure = "azure"
)

// DefaultProject is used when no project is configured for the local store.
const DefaultProject = "Default"

// Config holds application configuration.
// All durations are stored as whole seconds so the file format stays flat.
type Config struct {
	// Backend selects the backing work-item store: "local" (SQLite) or "azure".
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`

	// Organization and Project address the Azure DevOps collection.
	// Project is also the default project for the local store.
	Organization string `json:"organization,omitempty" yaml:"organization,omitempty"`
	Project      string `json:"project,omitempty" yaml:"project,omitempty"`

	// BaseURL is the Azure DevOps service root. Defaults to https://dev.azure.com.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// PATEnv names the environment variable holding the personal access token.
	PATEnv string `json:"pat_env,omitempty" yaml:"pat_env,omitempty"`

	// BatchSizeLimit caps the number of requests in a single $batch submission.
	BatchSizeLimit int `json:"batch_size_limit,omitempty" yaml:"batch_size_limit,omitempty"`

	// Query handle lifetime. A requested TTL is clamped to [min, max].
	HandleTTLSeconds    int `json:"handle_ttl_seconds,omitempty" yaml:"handle_ttl_seconds,omitempty"`
	HandleTTLMinSeconds int `json:"handle_ttl_min_seconds,omitempty" yaml:"handle_ttl_min_seconds,omitempty"`
	HandleTTLMaxSeconds int `json:"handle_ttl_max_seconds,omitempty" yaml:"handle_ttl_max_seconds,omitempty"`

	// Undo record lifetime, same clamping rules as handles.
	UndoTTLSeconds    int `json:"undo_ttl_seconds,omitempty" yaml:"undo_ttl_seconds,omitempty"`
	UndoTTLMinSeconds int `json:"undo_ttl_min_seconds,omitempty" yaml:"undo_ttl_min_seconds,omitempty"`
	UndoTTLMaxSeconds int `json:"undo_ttl_max_seconds,omitempty" yaml:"undo_ttl_max_seconds,omitempty"`

	// SweepIntervalSeconds is how often expired handles and undo records are removed.
	SweepIntervalSeconds int `json:"sweep_interval_seconds,omitempty" yaml:"sweep_interval_seconds,omitempty"`

	// Dry-run preview size bounds.
	PreviewItemsDefault int `json:"preview_items_default,omitempty" yaml:"preview_items_default,omitempty"`
	PreviewItemsMin     int `json:"preview_items_min,omitempty" yaml:"preview_items_min,omitempty"`
	PreviewItemsMax     int `json:"preview_items_max,omitempty" yaml:"preview_items_max,omitempty"`

	// Handle listing page size bounds.
	ListTopDefault int `json:"list_top_default,omitempty" yaml:"list_top_default,omitempty"`
	ListTopMax     int `json:"list_top_max,omitempty" yaml:"list_top_max,omitempty"`

	// Outbound rate limit per organization (token bucket).
	RateLimitCapacity        int     `json:"rate_limit_capacity,omitempty" yaml:"rate_limit_capacity,omitempty"`
	RateLimitRefillPerSecond float64 `json:"rate_limit_refill_per_second,omitempty" yaml:"rate_limit_refill_per_second,omitempty"`

	// SubmitConcurrency is the number of batches in flight at once. 1 means sequential.
	SubmitConcurrency int `json:"submit_concurrency,omitempty" yaml:"submit_concurrency,omitempty"`

	// ContextFreshnessSeconds is how long a handle's item context may stand in
	// for a live fetch when capturing pre-mutation values for undo.
	ContextFreshnessSeconds int `json:"context_freshness_seconds,omitempty" yaml:"context_freshness_seconds,omitempty"`

	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty" yaml:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Backend:                  BackendLocal,
		BaseURL:                  "https://dev.azure.com",
		PATEnv:                   "AZURE_DEVOPS_PAT",
		BatchSizeLimit:           200,
		HandleTTLSeconds:         3600,
		HandleTTLMinSeconds:      60,
		HandleTTLMaxSeconds:      86400,
		UndoTTLSeconds:           3600,
		UndoTTLMinSeconds:        60,
		UndoTTLMaxSeconds:        86400,
		SweepIntervalSeconds:     300,
		PreviewItemsDefault:      10,
		PreviewItemsMin:          1,
		PreviewItemsMax:          50,
		ListTopDefault:           50,
		ListTopMax:               200,
		RateLimitCapacity:        10,
		RateLimitRefillPerSecond: 5,
		SubmitConcurrency:        1,
		ContextFreshnessSeconds:  300,
		LogLevel:                 "info",
	}
}

// Duration accessors.

func (c *Config) HandleTTL() time.Duration    { return seconds(c.HandleTTLSeconds) }
func (c *Config) HandleTTLMin() time.Duration { return seconds(c.HandleTTLMinSeconds) }
func (c *Config) HandleTTLMax() time.Duration { return seconds(c.HandleTTLMaxSeconds) }
func (c *Config) UndoTTL() time.Duration      { return seconds(c.UndoTTLSeconds) }
func (c *Config) UndoTTLMin() time.Duration   { return seconds(c.UndoTTLMinSeconds) }
func (c *Config) UndoTTLMax() time.Duration   { return seconds(c.UndoTTLMaxSeconds) }
func (c *Config) SweepInterval() time.Duration {
	return seconds(c.SweepIntervalSeconds)
}
func (c *Config) ContextFreshness() time.Duration {
	return seconds(c.ContextFreshnessSeconds)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// EffectiveProject returns the configured project, or DefaultProject.
func (c *Config) EffectiveProject() string {
	if c.Project != "" {
		return c.Project
	}
	return DefaultProject
}

// EffectiveOrganization returns the rate-limit and batch key for outbound calls.
func (c *Config) EffectiveOrganization() string {
	if c.Organization != "" {
		return c.Organization
	}
	return c.Backend
}

// ClampPreviewItems applies the configured default and bounds to a requested preview size.
func (c *Config) ClampPreviewItems(n int) int {
	if n <= 0 {
		n = c.PreviewItemsDefault
	}
	if n < c.PreviewItemsMin {
		n = c.PreviewItemsMin
	}
	if n > c.PreviewItemsMax {
		n = c.PreviewItemsMax
	}
	return n
}

// Load loads configuration from baseDir/config.json (or config.yaml).
// Returns default config if neither file exists.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.witkit.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadDirRaw(baseDir)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// LoadWithRepo loads configuration from both global (~/.witkit) and repo (.witkit) directories.
// Repo config is found by walking upward from startDir to find the nearest .witkit directory
// containing a config file. Repo config takes precedence for scalar values; arrays are merged.
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadDirRaw(globalDir)
	if err != nil {
		return nil, err
	}

	repo := &Config{}
	if repoDir := FindRepoConfigDir(startDir); repoDir != "" {
		repo, err = loadDirRaw(repoDir)
		if err != nil {
			return nil, err
		}
	}

	// Apply defaults, then global, then repo
	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfigDir walks upward from startDir to find the nearest .witkit directory
// holding a config file. Returns empty string if not found.
func FindRepoConfigDir(startDir string) string {
	if startDir == "" {
		return ""
	}
	dir := startDir
	for {
		candidate := filepath.Join(dir, ".witkit")
		for _, name := range configFileNames {
			if _, err := os.Stat(filepath.Join(candidate, name)); err == nil {
				return candidate
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// configFileNames lists config file names in lookup order.
var configFileNames = []string{"config.json", "config.yaml", "config.yml"}

// loadDirRaw loads the first config file found in dir.
// Returns zero-valued config if none exists (not defaults).
func loadDirRaw(dir string) (*Config, error) {
	for _, name := range configFileNames {
		cfg, found, err := loadFileRaw(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if found {
			return cfg, nil
		}
	}
	return &Config{}, nil
}

// loadFileRaw loads configuration from a specific file path.
// JSON files may contain comments and trailing commas.
func loadFileRaw(configPath string) (*Config, bool, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}

	cfg := &Config{}
	switch filepath.Ext(configPath) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, true, fmt.Errorf("parse %s: %w", configPath, err)
		}
	default:
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return nil, true, fmt.Errorf("parse %s: %w", configPath, err)
		}
		if err := json.Unmarshal(standardized, cfg); err != nil {
			return nil, true, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	return cfg, true, nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.Backend = pickString(overlay.Backend, base.Backend)
	result.Organization = pickString(overlay.Organization, base.Organization)
	result.Project = pickString(overlay.Project, base.Project)
	result.BaseURL = pickString(overlay.BaseURL, base.BaseURL)
	result.PATEnv = pickString(overlay.PATEnv, base.PATEnv)
	result.LogLevel = pickString(overlay.LogLevel, base.LogLevel)

	result.BatchSizeLimit = pickInt(overlay.BatchSizeLimit, base.BatchSizeLimit)
	result.HandleTTLSeconds = pickInt(overlay.HandleTTLSeconds, base.HandleTTLSeconds)
	result.HandleTTLMinSeconds = pickInt(overlay.HandleTTLMinSeconds, base.HandleTTLMinSeconds)
	result.HandleTTLMaxSeconds = pickInt(overlay.HandleTTLMaxSeconds, base.HandleTTLMaxSeconds)
	result.UndoTTLSeconds = pickInt(overlay.UndoTTLSeconds, base.UndoTTLSeconds)
	result.UndoTTLMinSeconds = pickInt(overlay.UndoTTLMinSeconds, base.UndoTTLMinSeconds)
	result.UndoTTLMaxSeconds = pickInt(overlay.UndoTTLMaxSeconds, base.UndoTTLMaxSeconds)
	result.SweepIntervalSeconds = pickInt(overlay.SweepIntervalSeconds, base.SweepIntervalSeconds)
	result.PreviewItemsDefault = pickInt(overlay.PreviewItemsDefault, base.PreviewItemsDefault)
	result.PreviewItemsMin = pickInt(overlay.PreviewItemsMin, base.PreviewItemsMin)
	result.PreviewItemsMax = pickInt(overlay.PreviewItemsMax, base.PreviewItemsMax)
	result.ListTopDefault = pickInt(overlay.ListTopDefault, base.ListTopDefault)
	result.ListTopMax = pickInt(overlay.ListTopMax, base.ListTopMax)
	result.RateLimitCapacity = pickInt(overlay.RateLimitCapacity, base.RateLimitCapacity)
	result.SubmitConcurrency = pickInt(overlay.SubmitConcurrency, base.SubmitConcurrency)
	result.ContextFreshnessSeconds = pickInt(overlay.ContextFreshnessSeconds, base.ContextFreshnessSeconds)

	result.RateLimitRefillPerSecond = overlay.RateLimitRefillPerSecond
	if result.RateLimitRefillPerSecond == 0 {
		result.RateLimitRefillPerSecond = base.RateLimitRefillPerSecond
	}

	// Arrays: merge and deduplicate
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

func pickString(overlay, base string) string {
	if strings.TrimSpace(overlay) != "" {
		return overlay
	}
	return base
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
