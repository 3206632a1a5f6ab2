package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(Deps{}), nil, "*", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func readyChecks(t *testing.T, svc *Service) (int, map[string]any, map[string]any) {
	t.Helper()
	server := NewHTTPServer(svc, nil, "*", nil)
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	checks, ok := response["checks"].(map[string]any)
	if !ok {
		t.Fatalf("expected checks object, got %v", response["checks"])
	}
	return rr.Code, response, checks
}

func TestReadyEndpoint_Success(t *testing.T) {
	code, response, checks := readyChecks(t, newTestService(Deps{}))

	if code != http.StatusOK {
		t.Errorf("expected status 200, got %d", code)
	}
	if status := response["status"]; status != "ready" {
		t.Errorf("expected status=ready, got %v", status)
	}
	dbCheck, exists := checks["database"].(map[string]any)
	if !exists || dbCheck["status"] != "ok" {
		t.Errorf("expected database status=ok, got %v", checks["database"])
	}
	if _, exists := checks["redis"]; exists {
		t.Errorf("redis check should be absent when presence is not configured")
	}
}

func TestReadyEndpoint_DatabaseFailure(t *testing.T) {
	svc := newTestService(Deps{Store: &fakeStore{pingFn: func(context.Context) error {
		return errors.New("connection refused")
	}}})
	code, response, checks := readyChecks(t, svc)

	if code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", code)
	}
	if ok := response["ok"]; ok != false {
		t.Errorf("expected ok=false, got %v", ok)
	}
	dbCheck := checks["database"].(map[string]any)
	if dbCheck["status"] != "error" || dbCheck["error"] != "connection refused" {
		t.Errorf("unexpected database check %v", dbCheck)
	}
}

func TestReadyEndpoint_RedisFailure(t *testing.T) {
	svc := newTestService(Deps{Presence: &fakePresence{pingFn: func(context.Context) error {
		return errors.New("redis unreachable")
	}}})
	code, response, checks := readyChecks(t, svc)

	if code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", code)
	}
	if status := response["status"]; status != "not_ready" {
		t.Errorf("expected status=not_ready, got %v", status)
	}
	redisCheck, exists := checks["redis"].(map[string]any)
	if !exists || redisCheck["status"] != "error" {
		t.Errorf("expected redis status=error, got %v", checks["redis"])
	}
}
