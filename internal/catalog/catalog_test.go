package catalog_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
)

func TestLookupByKey(t *testing.T) {
	e, ok := catalog.LookupByKey(catalog.RateLimitExceeded)
	require.True(t, ok)
	assert.Equal(t, "E1001", e.NumericCode)
	assert.Equal(t, catalog.CategoryRateLimit, e.Category)
	assert.True(t, e.Retryable)
	assert.NotEmpty(t, e.HumanMessage)
}

func TestLookupByNumericCode(t *testing.T) {
	e, ok := catalog.LookupByNumericCode("E1000")
	require.True(t, ok)
	assert.Equal(t, catalog.InternalError, e.Key)
	assert.True(t, e.Retryable)

	_, ok = catalog.LookupByNumericCode("E9999")
	assert.False(t, ok)
}

func TestLookupByReason(t *testing.T) {
	e, ok := catalog.LookupByReason("SEQ_GAP_DETECTED")
	require.True(t, ok)
	assert.Equal(t, catalog.SequenceGapDetected, e.Key)
}

func TestListAll_UniqueCodesAndNonEmptyMessages(t *testing.T) {
	all := catalog.ListAll()
	require.NotEmpty(t, all)

	codes := make(map[string]bool, len(all))
	for _, e := range all {
		assert.NotEmpty(t, e.HumanMessage, "entry %s", e.Key)
		assert.False(t, codes[e.NumericCode], "duplicate code %s", e.NumericCode)
		codes[e.NumericCode] = true
	}
}

func TestListAll_CategoryFilter(t *testing.T) {
	limited := catalog.ListAll(catalog.CategoryRateLimit)
	require.NotEmpty(t, limited)
	for _, e := range limited {
		assert.Equal(t, catalog.CategoryRateLimit, e.Category)
	}
}

func TestError_WrapAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("socket closed")
	err := catalog.WrapError(catalog.PersistenceFailed, cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "persistence_failed")
	assert.Contains(t, err.Error(), "E1050")
}

func TestError_IsMatchesByEntry(t *testing.T) {
	err := catalog.NewError(catalog.QueueFull).WithDetails("retryAfter", 30)
	assert.True(t, errors.Is(err, catalog.NewError(catalog.QueueFull)))
	assert.False(t, errors.Is(err, catalog.NewError(catalog.Timeout)))
}

func TestAsCatalog_MapsUnknownToInternal(t *testing.T) {
	err := fmt.Errorf("unexpected")
	ce := catalog.AsCatalog(err)
	assert.Equal(t, catalog.InternalError, ce.Entry.Key)
	assert.True(t, ce.Entry.Retryable)

	direct := catalog.NewError(catalog.NotFound)
	assert.Same(t, direct, catalog.AsCatalog(fmt.Errorf("wrapped: %w", direct)))
}
