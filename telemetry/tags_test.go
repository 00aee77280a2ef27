package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
	require.Empty(t, tags.Surface)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetSurface(t *testing.T) {
	r := newTaggedRequest()
	SetSurface(r, "gallery")
	require.Equal(t, "gallery", GetTags(r).Surface)
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetSurface(r, "gallery")
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "tokens")
	SetCollection(r, "primary")
	require.Nil(t, GetTags(r))
}

func TestSetCacheResult_OverridesDefault(t *testing.T) {
	r := newTaggedRequest()
	require.Equal(t, CacheBypass, GetTags(r).CacheResult)
	SetCacheResult(r, CacheCoalesced)
	require.Equal(t, CacheCoalesced, GetTags(r).CacheResult)
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetSurface(r, "content")
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "load")
	SetCollection(r, "derived")

	require.Equal(t, "content", tags.Surface)
	require.Equal(t, CacheHit, tags.CacheResult)
	require.Equal(t, "load", tags.Endpoint)
	require.Equal(t, "derived", tags.Collection)
}

func TestSurfaceFromContext(t *testing.T) {
	require.Empty(t, SurfaceFromContext(context.Background()))

	ctx := WithSurfaceContext(context.Background(), "content")
	require.Equal(t, "content", SurfaceFromContext(ctx))

	r := newTaggedRequest()
	SetSurface(r, "blob")
	require.Equal(t, "blob", SurfaceFromContext(r.Context()))
}
