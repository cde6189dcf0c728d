package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/model"
)

func testFallback() []model.FlavourProfile {
	return []model.FlavourProfile{
		{Name: "precision-100", Precision: 1.0, CarbonIntensity: 1.0, Enabled: true},
		{Name: "precision-50", Precision: 0.5, CarbonIntensity: 0.5, Enabled: true},
	}
}

func TestFlavourRegistryServesFallbackWhileEmpty(t *testing.T) {
	registry := NewFlavourRegistry(testFallback())

	flavours := registry.List()
	require.Len(t, flavours, 2)
	assert.Equal(t, "precision-100", flavours[0].Name)
}

func TestFlavourRegistryReplace(t *testing.T) {
	registry := NewFlavourRegistry(testFallback())

	registry.Replace([]model.FlavourProfile{
		{Name: "precision-80", Precision: 0.8, CarbonIntensity: 0.8, Enabled: true},
	})
	flavours := registry.List()
	require.Len(t, flavours, 1)
	assert.Equal(t, "precision-80", flavours[0].Name)

	// An empty catalogue must not wipe the working set.
	registry.Replace(nil)
	assert.Len(t, registry.List(), 1)
}

func TestFlavourRegistryListReturnsCopy(t *testing.T) {
	registry := NewFlavourRegistry(testFallback())

	flavours := registry.List()
	flavours[0].Name = "mutated"

	assert.Equal(t, "precision-100", registry.List()[0].Name)
}

func TestFlavourRegistryUpsert(t *testing.T) {
	registry := NewFlavourRegistry(testFallback())

	// First upsert seeds the catalogue from the fallback.
	registry.Upsert(model.FlavourProfile{Name: "precision-30", Precision: 0.3, CarbonIntensity: 0.3, Enabled: true})
	assert.Len(t, registry.List(), 3)

	// Upserting an existing name updates in place.
	registry.Upsert(model.FlavourProfile{Name: "precision-50", Precision: 0.55, CarbonIntensity: 0.5, Enabled: true})
	flavours := registry.List()
	assert.Len(t, flavours, 3)

	updated, ok := registry.Lookup("precision-50")
	require.True(t, ok)
	assert.Equal(t, 0.55, updated.Precision)
}

func TestFlavourRegistryLookupMiss(t *testing.T) {
	registry := NewFlavourRegistry(testFallback())

	_, ok := registry.Lookup("precision-1")
	assert.False(t, ok)
}
