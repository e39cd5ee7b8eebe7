package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/auth"
)

// AuditEntry records who touched which patient data, when and from where.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	TenantID   string
	Resource   string
	ResourceID string
	PatientID  string
	Action     string // read, create, update, delete, query
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries. The middleware always logs; a
// recorder is an optional second sink.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit returns Echo middleware that emits a "phi_access" log line for every
// request under /api/v1/ and /graphql once the handler has run.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}

			ctx := req.Context()
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: status,
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Action:     httpMethodToAction(req.Method, path),
				Resource:   extractResource(path),
				ResourceID: c.Param("id"),
				PatientID:  extractPatientID(c),
			}
			entry.TenantID, _ = c.Get("tenant_id").(string)
			entry.RequestID, _ = c.Get("request_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/") || path == "/graphql"
}

// httpMethodToAction maps HTTP methods to audit actions. GraphQL requests
// are always POSTs and are reported as "query".
func httpMethodToAction(method, path string) string {
	if path == "/graphql" {
		return "query"
	}
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResource returns the first path segment after /api/v1/.
//
//	/api/v1/appointments/123 -> appointments
//	/graphql                 -> graphql
func extractResource(path string) string {
	if path == "/graphql" {
		return "graphql"
	}
	rest := strings.TrimPrefix(path, "/api/v1/")
	if seg, _, _ := strings.Cut(rest, "/"); seg != "" {
		return seg
	}
	return "unknown"
}

// extractPatientID finds the patient a request is about, from the
// /appointments/patient/:patientId route or a patientId query parameter.
func extractPatientID(c echo.Context) string {
	if pid := c.Param("patientId"); pid != "" {
		return pid
	}
	return c.QueryParam("patientId")
}
