package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Hospital staff roles. Admin passes every role check.
const (
	RoleAdmin        = "admin"
	RoleDoctor       = "doctor"
	RoleNurse        = "nurse"
	RoleReceptionist = "receptionist"
)

// Claims is the HS256 token payload. Role carries the primary role; Roles
// may list additional ones.
type Claims struct {
	jwt.RegisteredClaims
	Role           string   `json:"role,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	HospitalID     string   `json:"hospital_id,omitempty"`
	OrganizationID string   `json:"organization_id,omitempty"`
}

// AllRoles merges Role and Roles without duplicates.
func (c *Claims) AllRoles() []string {
	roles := make([]string, 0, len(c.Roles)+1)
	seen := make(map[string]bool, len(c.Roles)+1)
	for _, r := range append([]string{c.Role}, c.Roles...) {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		roles = append(roles, r)
	}
	return roles
}

type JWTConfig struct {
	SigningKey []byte
	Issuer     string
	// Skipper bypasses authentication for matching requests.
	Skipper middleware.Skipper
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	skipper := cfg.Skipper
	if skipper == nil {
		skipper = middleware.DefaultSkipper
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			// the tenant always comes from the token, never from client headers
			if claims.HospitalID == "" || claims.OrganizationID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token carries no tenant")
			}

			setIdentity(c, claims.Subject, claims.AllRoles(), claims.HospitalID, claims.OrganizationID)
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development. Requests
// without a token run as an admin "dev-user" in the default tenant; requests
// with a token are validated like JWTMiddleware.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	strict := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		validated := strict(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" && len(cfg.SigningKey) > 0 {
				return validated(c)
			}
			setIdentity(c, "dev-user", []string{RoleAdmin}, "", "")
			return next(c)
		}
	}
}

// setIdentity publishes the caller on the request context and hands the
// tenant claims to the tenant middleware via the echo context.
func setIdentity(c echo.Context, userID string, roles []string, hospitalID, organizationID string) {
	if hospitalID != "" {
		c.Set("jwt_hospital_id", hospitalID)
	}
	if organizationID != "" {
		c.Set("jwt_organization_id", organizationID)
	}
	c.Set("user_id", userID)

	ctx := WithUser(c.Request().Context(), userID, roles)
	c.SetRequest(c.Request().WithContext(ctx))
}

// WithUser returns a copy of ctx carrying the caller's id and roles.
func WithUser(ctx context.Context, userID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRolesKey, roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
