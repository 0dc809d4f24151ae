package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/emias/emias/internal/config"
	"github.com/emias/emias/internal/domain/patient"
	"github.com/emias/emias/internal/platform/auth"
	"github.com/emias/emias/internal/platform/metrics"
)

func newTestServer(t *testing.T, env string) (*echo.Echo, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		Port:             "0",
		Env:              env,
		DataFile:         filepath.Join(t.TempDir(), "patients.json"),
		OnLoadFailure:    config.LoadFailureFail,
		FallbackEncoding: patient.DefaultFallbackEncoding,
		AuthSigningKey:   "server-test-key",
		AuthIssuer:       "emias",
		BodyLimit:        "1K",
	}
	m := metrics.New()
	store, err := openStore(cfg, zerolog.Nop(), m.Store)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc := patient.NewService(store, zerolog.Nop())
	return newServer(cfg, svc, zerolog.Nop(), m), cfg
}

func serve(e *echo.Echo, method, path, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	e, _ := newTestServer(t, "development")

	rec := serve(e, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" || body["patients"] != float64(0) {
		t.Errorf("unexpected health body %v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestServer_DevCRUD(t *testing.T) {
	e, _ := newTestServer(t, "development")

	body := `{"full_name":"Иванов Иван","age":40,"gender":"М","height":180,"weight":85}`
	rec := serve(e, http.MethodPost, "/api/v1/patients", body, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created patient.PatientView
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = serve(e, http.MethodGet, "/api/v1/patients/"+created.ID.String(), "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = serve(e, http.MethodPut, "/api/v1/patients/at/0",
		`{"full_name":"Иванов Иван","age":"41","gender":"М","height":"180","weight":"84"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(e, http.MethodPut, "/api/v1/patients/at/0",
		`{"full_name":"Иванов Иван","age":"сорок","gender":"М","height":"180","weight":"84"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	rec = serve(e, http.MethodDelete, "/api/v1/patients/at/0", "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = serve(e, http.MethodGet, "/api/v1/patients/at/0", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestServer_ProductionRequiresToken(t *testing.T) {
	e, cfg := newTestServer(t, "production")

	rec := serve(e, http.MethodGet, "/api/v1/patients", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	jwtCfg := auth.JWTConfig{Issuer: cfg.AuthIssuer, SigningKey: []byte(cfg.AuthSigningKey)}
	viewer, err := auth.IssueToken(jwtCfg, "viewer-1", []string{auth.RoleViewer}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec = serve(e, http.MethodGet, "/api/v1/patients", "", viewer)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := `{"full_name":"A","age":1,"gender":"Ж","height":100,"weight":10}`
	rec = serve(e, http.MethodPost, "/api/v1/patients", body, viewer)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for viewer, got %d", rec.Code)
	}

	foreign, _ := auth.IssueToken(auth.JWTConfig{SigningKey: []byte("other-key")}, "x", []string{auth.RoleAdmin}, time.Hour)
	rec = serve(e, http.MethodGet, "/api/v1/patients", "", foreign)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for token signed with another key, got %d", rec.Code)
	}

	// Health stays public.
	if rec := serve(e, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Errorf("expected public health check, got %d", rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	e, _ := newTestServer(t, "development")

	serve(e, http.MethodPost, "/api/v1/patients",
		`{"full_name":"A","age":1,"gender":"Ж","height":100,"weight":10}`, "")
	serve(e, http.MethodGet, "/api/v1/patients", "", "")

	rec := serve(e, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := rec.Body.String()
	for _, want := range []string{
		`patient_store_operations_total{op="add",result="success"} 1`,
		`patient_store_records 1`,
		`http_requests_total{endpoint="/api/v1/patients",method="GET",status="200"} 1`,
		`patient_record_access_total{action="create",resource="patients",status="201"} 1`,
		`patient_record_access_total{action="read",resource="patients",status="200"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}

func TestServer_BodyLimitAndHeaders(t *testing.T) {
	e, _ := newTestServer(t, "development")

	big := `{"full_name":"` + strings.Repeat("А", 1024) + `","age":1,"gender":"Ж","height":100,"weight":10}`
	rec := serve(e, http.MethodPost, "/api/v1/patients", big, "")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}

	rec = serve(e, http.MethodGet, "/health", "", "")
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("expected Cache-Control no-store, got %q", rec.Header().Get("Cache-Control"))
	}
}
