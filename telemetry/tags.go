// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// surfaceKey is the context key for propagating the API surface to background goroutines.
	surfaceKey contextKey = "surface"
)

// CacheResult represents the outcome of a content cache lookup.
type CacheResult string

const (
	CacheHit       CacheResult = "hit"
	CacheMiss      CacheResult = "miss"
	CacheCoalesced CacheResult = "coalesced"
	CacheBypass    CacheResult = "bypass"
	CacheNA        CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	// Surface is the API area serving the request: gallery, content, blob or internal.
	Surface     string
	CacheResult CacheResult
	Endpoint    string
	Collection  string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetSurface sets the surface tag for metrics and logging.
func SetSurface(r *http.Request, surface string) {
	if tags := GetTags(r); tags != nil {
		tags.Surface = surface
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetCollection sets the collection tag for logging.
func SetCollection(r *http.Request, collection string) {
	if tags := GetTags(r); tags != nil {
		tags.Collection = collection
	}
}

// SurfaceFromContext retrieves the surface from a context.
// It checks both background contexts (set by WithSurfaceContext) and
// request contexts (set by SetSurface via InjectTags).
func SurfaceFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(surfaceKey).(string); ok && s != "" {
		return s
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Surface
	}
	return ""
}

// WithSurfaceContext returns a context with the surface stored.
// Use this to propagate the surface into goroutines that outlive the request context.
func WithSurfaceContext(ctx context.Context, surface string) context.Context {
	return context.WithValue(ctx, surfaceKey, surface)
}
