package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name   string
		token  string
		path   string
		header string
		want   int
	}{
		{name: "disabled", path: "/v1/collections/primary/tokens", want: http.StatusOK},
		{name: "valid", token: "s3cret", path: "/v1/collections/primary/tokens", header: "Bearer s3cret", want: http.StatusOK},
		{name: "wrong token", token: "s3cret", path: "/v1/collections/primary/tokens", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "missing header", token: "s3cret", path: "/v1/content", want: http.StatusUnauthorized},
		{name: "basic scheme", token: "s3cret", path: "/stats", header: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized},
		{name: "bare token", token: "s3cret", path: "/stats", header: "s3cret", want: http.StatusUnauthorized},
		{name: "views", token: "s3cret", path: "/v1/views/primary/all", want: http.StatusUnauthorized},
		{name: "prefix of blob path", token: "s3cret", path: "/blobs", want: http.StatusUnauthorized},
		{name: "health exempt", token: "s3cret", path: "/health", want: http.StatusOK},
		{name: "metrics exempt", token: "s3cret", path: "/metrics", want: http.StatusOK},
		{name: "handle exempt", token: "s3cret", path: "/blob/0b3c2f9e-7d41-4a55-9a7e-3e5b1c2d4f60", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{config: Config{AuthToken: tt.token}}
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.authMiddleware(ok).ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)

			if tt.want == http.StatusUnauthorized {
				require.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
				var body map[string]string
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				require.Equal(t, "unauthorized", body["error"])
			}
		})
	}
}
