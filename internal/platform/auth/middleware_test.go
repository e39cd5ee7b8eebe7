package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role:           RoleDoctor,
		HospitalID:     "st_mary",
		OrganizationID: "acme",
	}
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %d error, got nil", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})
			expectStatus(t, h(c), http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims(), testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var handlerCalled bool
	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		handlerCalled = true
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handlerCalled {
		t.Error("handler was not called")
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))
	claims.IssuedAt = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))
	tokenStr := createTestToken(t, claims, testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tokenStr := createTestToken(t, validClaims(), []byte("some-other-key"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_IssuerMismatch(t *testing.T) {
	claims := validClaims()
	claims.Issuer = "someone-else"
	tokenStr := createTestToken(t, claims, testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "hms"})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_RequiresTenantClaims(t *testing.T) {
	tests := []struct {
		name         string
		hospital     string
		organization string
	}{
		{"no tenant", "", ""},
		{"no hospital", "", "acme"},
		{"no organization", "st_mary", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validClaims()
			claims.HospitalID = tt.hospital
			claims.OrganizationID = tt.organization
			tokenStr := createTestToken(t, claims, testSigningKey)

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+tokenStr)
			req.Header.Set("X-Hospital-ID", "chosen")
			req.Header.Set("X-Organization-ID", "chosen")
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})
			expectStatus(t, h(c), http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ClaimsExtraction(t *testing.T) {
	claims := validClaims()
	claims.Subject = "user-456"
	claims.Roles = []string{RoleNurse, RoleDoctor}
	tokenStr := createTestToken(t, claims, testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		ctx := c.Request().Context()

		if uid := UserIDFromContext(ctx); uid != "user-456" {
			t.Errorf("expected user_id=user-456, got %s", uid)
		}
		roles := RolesFromContext(ctx)
		if len(roles) != 2 || roles[0] != RoleDoctor || roles[1] != RoleNurse {
			t.Errorf("expected roles=[doctor nurse], got %v", roles)
		}
		if hid, _ := c.Get("jwt_hospital_id").(string); hid != "st_mary" {
			t.Errorf("expected jwt_hospital_id=st_mary, got %s", hid)
		}
		if oid, _ := c.Get("jwt_organization_id").(string); oid != "acme" {
			t.Errorf("expected jwt_organization_id=acme, got %s", oid)
		}
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/health")

	var handlerCalled bool
	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})(func(c echo.Context) error {
		handlerCalled = true
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handlerCalled {
		t.Error("expected skipped path to reach handler")
	}
}

func TestDevAuthMiddleware_NoToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "dev-user" {
			t.Errorf("expected user_id=dev-user, got %s", uid)
		}
		roles := RolesFromContext(ctx)
		if len(roles) != 1 || roles[0] != RoleAdmin {
			t.Errorf("expected roles=[admin], got %v", roles)
		}
		if c.Get("jwt_hospital_id") != nil {
			t.Error("dev identity must leave tenant resolution to headers and defaults")
		}
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDevAuthMiddleware_ValidatesPresentedToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestClaims_AllRoles(t *testing.T) {
	c := &Claims{Role: RoleDoctor, Roles: []string{RoleDoctor, "", RoleNurse}}
	roles := c.AllRoles()
	if len(roles) != 2 || roles[0] != RoleDoctor || roles[1] != RoleNurse {
		t.Errorf("expected [doctor nurse], got %v", roles)
	}
}
