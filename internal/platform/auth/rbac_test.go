package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(c echo.Context, roles ...string) {
	ctx := WithUser(c.Request().Context(), "u1", roles)
	c.SetRequest(c.Request().WithContext(ctx))
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	contextWithRoles(c, RoleNurse)

	var handlerCalled bool
	h := RequireRole(RoleDoctor, RoleNurse)(func(c echo.Context) error {
		handlerCalled = true
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handlerCalled {
		t.Error("handler was not called")
	}
}

func TestRequireRole_Denied(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	contextWithRoles(c, RoleReceptionist)

	h := RequireRole(RoleDoctor)(func(c echo.Context) error {
		t.Fatal("handler should not run")
		return nil
	})
	err := h(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
	if httpErr.Message != "required role: doctor" {
		t.Errorf("unexpected message %v", httpErr.Message)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	contextWithRoles(c, RoleAdmin)

	h := RequireRole(RoleDoctor)(func(c echo.Context) error { return nil })
	if err := h(c); err != nil {
		t.Fatalf("expected admin to pass, got %v", err)
	}
}

func TestRequireRole_NoRoles(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequireRole(RoleDoctor)(func(c echo.Context) error { return nil })
	if err := h(c); err == nil {
		t.Fatal("expected 403 without roles")
	}
}

func TestHasRole(t *testing.T) {
	ctx := WithUser(context.Background(), "u1", []string{RoleReceptionist})
	if !HasRole(ctx, RoleNurse, RoleReceptionist) {
		t.Error("expected receptionist to match")
	}
	if HasRole(ctx, RoleDoctor) {
		t.Error("expected receptionist not to match doctor")
	}
	if HasRole(context.Background(), RoleDoctor) {
		t.Error("expected empty context to have no roles")
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := WithUser(context.Background(), "user-42", nil)
	if got := UserIDFromContext(ctx); got != "user-42" {
		t.Errorf("expected user-42, got %s", got)
	}
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty user id, got %s", got)
	}
}
