package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// TenantID identifies the hospital/organization pair that owns a record.
// Every read and write of tenant-scoped data is filtered by the full pair.
type TenantID struct {
	HospitalID     string `json:"hospitalId"`
	OrganizationID string `json:"organizationId"`
}

func (t TenantID) String() string {
	return t.OrganizationID + "/" + t.HospitalID
}

// IsZero reports whether neither half of the pair is set.
func (t TenantID) IsZero() bool {
	return t.HospitalID == "" && t.OrganizationID == ""
}

// Validate checks that both halves are present and well formed.
func (t TenantID) Validate() error {
	if !tenantIDPattern.MatchString(t.HospitalID) {
		return fmt.Errorf("invalid hospital identifier: %q", t.HospitalID)
	}
	if !tenantIDPattern.MatchString(t.OrganizationID) {
		return fmt.Errorf("invalid organization identifier: %q", t.OrganizationID)
	}
	return nil
}

// TenantMiddleware resolves the caller's tenant and stores it on the request
// context. Resolution order: JWT claims (set by the auth middleware), the
// X-Hospital-ID / X-Organization-ID headers, then the configured defaults.
func TenantMiddleware(defaultHospital, defaultOrganization string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenant := extractTenantID(c, defaultHospital, defaultOrganization)

			if err := tenant.Validate(); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx := WithTenant(c.Request().Context(), tenant)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenant.String())

			return next(c)
		}
	}
}

func extractTenantID(c echo.Context, defaultHospital, defaultOrganization string) TenantID {
	tenant := TenantID{HospitalID: defaultHospital, OrganizationID: defaultOrganization}

	// 1. JWT claims win when present
	hid, _ := c.Get("jwt_hospital_id").(string)
	oid, _ := c.Get("jwt_organization_id").(string)
	if hid != "" || oid != "" {
		return TenantID{HospitalID: hid, OrganizationID: oid}
	}

	// 2. Explicit headers
	if h := c.Request().Header.Get("X-Hospital-ID"); h != "" {
		tenant.HospitalID = h
	}
	if o := c.Request().Header.Get("X-Organization-ID"); o != "" {
		tenant.OrganizationID = o
	}

	return tenant
}

// WithTenant returns a copy of ctx carrying the tenant.
func WithTenant(ctx context.Context, tenant TenantID) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenant)
}

// TenantFromContext retrieves the tenant from context. The second return
// value is false when no tenant was resolved for the request.
func TenantFromContext(ctx context.Context) (TenantID, bool) {
	tid, ok := ctx.Value(TenantIDKey).(TenantID)
	return tid, ok
}
