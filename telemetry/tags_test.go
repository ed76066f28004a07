package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInjectAndGetTags(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/assets/abc/thumbnail", nil)

	require.Nil(t, GetTags(r), "no tags before injection")

	r = InjectTags(r)
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
	require.Empty(t, tags.Endpoint)
}

func TestSetCacheResult(t *testing.T) {
	r := InjectTags(httptest.NewRequest(http.MethodGet, "/assets/abc/thumbnail", nil))

	SetCacheResult(r, CacheHit)
	require.Equal(t, CacheHit, GetTags(r).CacheResult)

	SetCacheResult(r, CacheMiss)
	require.Equal(t, CacheMiss, GetTags(r).CacheResult)
}

func TestSetEndpoint(t *testing.T) {
	r := InjectTags(httptest.NewRequest(http.MethodGet, "/assets/abc", nil))

	SetEndpoint(r, "asset")
	require.Equal(t, "asset", GetTags(r).Endpoint)
}

func TestSettersWithoutInjection(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/health", nil)

	// Should not panic when middleware was bypassed
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "health")
}
