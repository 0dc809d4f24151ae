package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHasRole(t *testing.T) {
	tests := []struct {
		granted  []string
		required []string
		want     bool
	}{
		{[]string{RoleClerk}, []string{RoleClerk}, true},
		{[]string{RoleViewer}, []string{RoleClerk}, false},
		{[]string{RoleViewer}, []string{RoleViewer, RoleClerk}, true},
		{[]string{RoleAdmin}, []string{RoleClerk}, true},
		{nil, []string{RoleViewer}, false},
	}

	for _, tt := range tests {
		if got := HasRole(tt.granted, tt.required...); got != tt.want {
			t.Errorf("HasRole(%v, %v) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func callWithRoles(roles []string, mw echo.MiddlewareFunc) error {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	c := e.NewContext(req, httptest.NewRecorder())
	return mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
}

func TestRequireRole_Allowed(t *testing.T) {
	if err := callWithRoles([]string{RoleClerk}, RequireRole(RoleClerk)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	err := callWithRoles([]string{RoleViewer}, RequireRole(RoleClerk))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", httpErr.Code)
	}
}

func TestRequireRole_NoRoles(t *testing.T) {
	if err := callWithRoles(nil, RequireRole(RoleViewer)); err == nil {
		t.Fatal("expected forbidden without roles")
	}
}
