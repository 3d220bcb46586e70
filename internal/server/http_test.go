package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	authservice "github.com/bookgate/uploader-backend/internal/auth/service"
	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/upload/service"
)

// testRouter builds the full route table. Handlers are never reached:
// auth is required and the requests carry no session, so a matched
// route answers 401 while an unregistered one answers 404.
func testRouter(t *testing.T) http.Handler {
	t.Helper()

	log, err := logger.New(&logger.Config{Level: "error", Format: "console", Output: "console"})
	if err != nil {
		t.Fatal(err)
	}

	cfg := &conf.Config{}
	cfg.Auth.RequireAuth = true

	srv := NewHTTPServer(cfg, log, nil,
		authservice.NewAuthService(nil, nil, cfg.Auth, log),
		service.NewUploadService(nil, nil, nil, nil, nil, nil, log),
		service.NewSystemService(nil, cfg, nil, nil, log))
	return srv.server.Handler
}

func TestRouteRegistration(t *testing.T) {
	router := testRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"check-duplicate POST", http.MethodPost, "/api/upload/abc/check-duplicate", http.StatusUnauthorized},
		{"check-duplicate GET alias", http.MethodGet, "/api/upload/abc/check-duplicate", http.StatusUnauthorized},
		{"move POST", http.MethodPost, "/api/upload/abc/move", http.StatusUnauthorized},
		{"unknown route", http.MethodGet, "/api/upload/abc/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, nil)
			router.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
			}
		})
	}
}
