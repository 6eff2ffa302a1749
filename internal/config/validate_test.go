package config

import (
	"testing"

	"github.com/hay-kot/criterio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidate_UnknownBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "jira"

	err := cfg.Validate()

	var fieldErrs criterio.FieldErrors
	require.ErrorAs(t, err, &fieldErrs)
	require.Len(t, fieldErrs, 1)
	assert.Equal(t, "backend", fieldErrs[0].Field)
}

func TestValidate_TTLMinExceedsMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandleTTLMinSeconds = 7200
	cfg.HandleTTLMaxSeconds = 60

	err := cfg.Validate()

	var fieldErrs criterio.FieldErrors
	require.ErrorAs(t, err, &fieldErrs)
	require.Len(t, fieldErrs, 1)
	assert.Equal(t, "handle_ttl_seconds", fieldErrs[0].Field)
	assert.Contains(t, fieldErrs[0].Err.Error(), "exceeds maximum")
}

func TestValidate_PreviewDefaultOutsideBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PreviewItemsDefault = 80

	err := cfg.Validate()

	var fieldErrs criterio.FieldErrors
	require.ErrorAs(t, err, &fieldErrs)
	assert.Equal(t, "preview_items_default", fieldErrs[0].Field)
}

func TestValidate_NonPositiveLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSizeLimit = -1
	cfg.SweepIntervalSeconds = -5
	cfg.RateLimitRefillPerSecond = -1

	err := cfg.Validate()

	var fieldErrs criterio.FieldErrors
	require.ErrorAs(t, err, &fieldErrs)
	assert.Len(t, fieldErrs, 3)
}

func TestValidate_RelativeBaseURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseURL = "dev.azure.com"

	var fieldErrs criterio.FieldErrors
	require.ErrorAs(t, cfg.Validate(), &fieldErrs)
	assert.Equal(t, "base_url", fieldErrs[0].Field)
}

func TestWarnings_AzureWithoutOrganization(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = BackendAzure

	warnings := cfg.Warnings()

	require.Len(t, warnings, 2)
	assert.Equal(t, "organization", warnings[0].Item)
	assert.Equal(t, "project", warnings[1].Item)
}

func TestWarnings_LocalIsQuiet(t *testing.T) {
	assert.Empty(t, DefaultConfig().Warnings())
}
