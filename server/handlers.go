package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/cache"
	"github.com/wolfeidau/mintcache/content"
	"github.com/wolfeidau/mintcache/download"
	"github.com/wolfeidau/mintcache/telemetry"
)

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "tokens")

	req, scope, err := s.parsePageRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	telemetry.SetCollection(r, req.Collection.String())

	tk := s.config.Tracker.Begin(scope)
	view, err := s.config.Gallery.Browse(r.Context(), tk, req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, view)
	case errors.Is(err, mintcache.ErrEnumeration):
		writeJSON(w, http.StatusBadGateway, view)
	case r.Context().Err() != nil:
		download.HandleDownloadError(w, s.logger, err)
	default:
		s.logger.Error("browse failed", "scope", scope, "error", err)
		writeJSON(w, http.StatusInternalServerError, view)
	}
}

// parsePageRequest reads a page request from the path and query. The scope
// defaults to "{collection}/{principal}" with "all" for an unfiltered browse.
func (s *Server) parsePageRequest(r *http.Request) (mintcache.PageRequest, string, error) {
	var req mintcache.PageRequest

	coll, err := mintcache.ParseCollection(r.PathValue("collection"))
	if err != nil {
		return req, "", err
	}
	req.Collection = coll

	q := r.URL.Query()
	req.Principal = mintcache.Principal(strings.TrimSpace(q.Get("principal")))

	req.Page = 1
	if v := q.Get("page"); v != "" {
		if req.Page, err = strconv.Atoi(v); err != nil {
			return req, "", fmt.Errorf("invalid page %q", v)
		}
	}

	req.PageSize = s.config.DefaultPageSize
	if v := q.Get("size"); v != "" {
		if req.PageSize, err = strconv.Atoi(v); err != nil {
			return req, "", fmt.Errorf("invalid size %q", v)
		}
		if req.PageSize > MaxPageSize {
			return req, "", fmt.Errorf("size %d exceeds maximum %d", req.PageSize, MaxPageSize)
		}
	}

	if req.Sort, err = mintcache.ParseSort(q.Get("sort")); err != nil {
		return req, "", err
	}

	if v := q.Get("total"); v != "" {
		total, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return req, "", fmt.Errorf("invalid total %q", v)
		}
		req.KnownTotal = &total
	}

	if err := req.Validate(); err != nil {
		return req, "", err
	}

	scope := q.Get("view")
	if scope == "" {
		who := string(req.Principal)
		if who == "" {
			who = "all"
		}
		scope = coll.String() + "/" + who
	}
	return req, scope, nil
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "view")

	view, ok := s.config.Gallery.Views().Get(r.PathValue("scope"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("view not found"))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAbandonView(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "view")

	scope := r.PathValue("scope")
	s.config.Tracker.Abandon(scope)
	s.config.Gallery.Views().Drop(scope)
	w.WriteHeader(http.StatusNoContent)
}

type contentResponse struct {
	Entry *cache.Entry `json:"entry"`
	URLs  content.URLs `json:"urls"`
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "content")

	id, err := mintcache.ParseContentID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q := r.URL.Query()
	mimeType := q.Get("mime")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	if _, ok := s.config.Cache.Peek(id); ok {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}

	entry, err := s.config.Cache.Load(r.Context(), id, mimeType, q.Get("locator"))
	if err != nil {
		download.HandleDownloadError(w, s.logger, err)
		return
	}

	urls, outcome := s.config.Resolver.URLs(r.Context(), id, mimeType, entry)
	if outcome != nil {
		urls = urls.WithCover(s.config.Cache.AttachCover(id, outcome.Cover))
	}
	writeJSON(w, http.StatusOK, contentResponse{Entry: entry, URLs: urls})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "content")

	id, err := mintcache.ParseContentID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.config.Cache.Invalidate(id) {
		writeError(w, http.StatusNotFound, errors.New("content not cached"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "content")
	s.config.Cache.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
