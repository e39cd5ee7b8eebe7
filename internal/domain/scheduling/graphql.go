package scheduling

import (
	"context"
	"errors"
	"net/http"

	"github.com/graphql-go/graphql"
	"github.com/labstack/echo/v4"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/pkg/pagination"
)

type errorCode string

const (
	codeNotFound          errorCode = "NOT_FOUND"
	codeConflict          errorCode = "CONFLICT"
	codeInvalidTransition errorCode = "INVALID_TRANSITION"
	codeValidation        errorCode = "VALIDATION"
	codeForbidden         errorCode = "FORBIDDEN"
	codeInternal          errorCode = "INTERNAL"
)

// gqlError is returned from resolvers; graphql-go copies Extensions into the
// formatted error.
type gqlError struct {
	code errorCode
	msg  string
}

func (e *gqlError) Error() string { return e.msg }

func (e *gqlError) Extensions() map[string]interface{} {
	return map[string]interface{}{"code": string(e.code)}
}

// graphQLError maps a service error to a coded GraphQL error. Unexpected
// errors are logged through the request logger and sanitized.
func graphQLError(ctx context.Context, err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return &gqlError{code: codeValidation, msg: ve.Error()}
	case errors.Is(err, ErrNotFound):
		return &gqlError{code: codeNotFound, msg: err.Error()}
	case errors.Is(err, ErrConflict):
		return &gqlError{code: codeConflict, msg: err.Error()}
	case errors.Is(err, ErrInvalidTransition):
		return &gqlError{code: codeInvalidTransition, msg: err.Error()}
	case errors.Is(err, ErrDuplicateID):
		return &gqlError{code: codeConflict, msg: err.Error()}
	default:
		zerolog.Ctx(ctx).Error().Err(err).Msg("graphql resolver failed")
		return &gqlError{code: codeInternal, msg: "internal server error"}
	}
}

var statusEnum = graphql.NewEnum(graphql.EnumConfig{
	Name: "AppointmentStatus",
	Values: graphql.EnumValueConfigMap{
		"SCHEDULED":   &graphql.EnumValueConfig{Value: StatusScheduled},
		"CONFIRMED":   &graphql.EnumValueConfig{Value: StatusConfirmed},
		"IN_PROGRESS": &graphql.EnumValueConfig{Value: StatusInProgress},
		"COMPLETED":   &graphql.EnumValueConfig{Value: StatusCompleted},
		"CANCELLED":   &graphql.EnumValueConfig{Value: StatusCancelled},
		"NO_SHOW":     &graphql.EnumValueConfig{Value: StatusNoShow},
	},
})

var typeEnum = graphql.NewEnum(graphql.EnumConfig{
	Name: "AppointmentType",
	Values: graphql.EnumValueConfigMap{
		"CONSULTATION": &graphql.EnumValueConfig{Value: TypeConsultation},
		"FOLLOW_UP":    &graphql.EnumValueConfig{Value: TypeFollowUp},
		"EMERGENCY":    &graphql.EnumValueConfig{Value: TypeEmergency},
		"SURGERY":      &graphql.EnumValueConfig{Value: TypeSurgery},
		"EXAMINATION":  &graphql.EnumValueConfig{Value: TypeExamination},
	},
})

var appointmentType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Appointment",
	Fields: graphql.Fields{
		"id":           &graphql.Field{Type: graphql.NewNonNull(graphql.ID)},
		"patientId":    &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"doctorId":     &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"date":         &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"time":         &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"duration":     &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"type":         &graphql.Field{Type: graphql.NewNonNull(typeEnum)},
		"status":       &graphql.Field{Type: graphql.NewNonNull(statusEnum)},
		"notes":        &graphql.Field{Type: graphql.String},
		"symptoms":     &graphql.Field{Type: graphql.String},
		"diagnosis":    &graphql.Field{Type: graphql.String},
		"prescription": &graphql.Field{Type: graphql.NewList(graphql.NewNonNull(graphql.String))},
		"hospitalId": &graphql.Field{
			Type: graphql.NewNonNull(graphql.String),
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return p.Source.(*Appointment).Tenant.HospitalID, nil
			},
		},
		"organizationId": &graphql.Field{
			Type: graphql.NewNonNull(graphql.String),
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return p.Source.(*Appointment).Tenant.OrganizationID, nil
			},
		},
		"createdAt": &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
		"updatedAt": &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
	},
})

var pageInfoType = graphql.NewObject(graphql.ObjectConfig{
	Name: "PageInfo",
	Fields: graphql.Fields{
		"page":       &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"limit":      &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"total":      &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"totalPages": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
	},
})

var appointmentPageType = graphql.NewObject(graphql.ObjectConfig{
	Name: "AppointmentPage",
	Fields: graphql.Fields{
		"appointments": &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(appointmentType)))},
		"pagination":   &graphql.Field{Type: graphql.NewNonNull(pageInfoType)},
	},
})

var createAppointmentInputType = graphql.NewInputObject(graphql.InputObjectConfig{
	Name: "CreateAppointmentInput",
	Fields: graphql.InputObjectConfigFieldMap{
		"patientId": &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
		"doctorId":  &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
		"date":      &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
		"time":      &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
		"duration":  &graphql.InputObjectFieldConfig{Type: graphql.Int},
		"type":      &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(typeEnum)},
		"notes":     &graphql.InputObjectFieldConfig{Type: graphql.String},
		"symptoms":  &graphql.InputObjectFieldConfig{Type: graphql.String},
	},
})

var updateAppointmentInputType = graphql.NewInputObject(graphql.InputObjectConfig{
	Name: "UpdateAppointmentInput",
	Fields: graphql.InputObjectConfigFieldMap{
		"patientId":    &graphql.InputObjectFieldConfig{Type: graphql.String},
		"doctorId":     &graphql.InputObjectFieldConfig{Type: graphql.String},
		"date":         &graphql.InputObjectFieldConfig{Type: graphql.String},
		"time":         &graphql.InputObjectFieldConfig{Type: graphql.String},
		"duration":     &graphql.InputObjectFieldConfig{Type: graphql.Int},
		"type":         &graphql.InputObjectFieldConfig{Type: typeEnum},
		"status":       &graphql.InputObjectFieldConfig{Type: statusEnum},
		"notes":        &graphql.InputObjectFieldConfig{Type: graphql.String},
		"symptoms":     &graphql.InputObjectFieldConfig{Type: graphql.String},
		"diagnosis":    &graphql.InputObjectFieldConfig{Type: graphql.String},
		"prescription": &graphql.InputObjectFieldConfig{Type: graphql.NewList(graphql.NewNonNull(graphql.String))},
	},
})

// decodeInput copies a GraphQL input map onto a tagged input struct.
func decodeInput(input interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		TagName:     "mapstructure",
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return &ValidationError{Field: "input", Reason: err.Error()}
	}
	return nil
}

// resolverEnv pulls the tenant from the request context and checks the
// caller's roles.
func resolverEnv(ctx context.Context, roles ...string) (db.TenantID, error) {
	if len(roles) > 0 && !auth.HasRole(ctx, roles...) {
		return db.TenantID{}, &gqlError{code: codeForbidden, msg: "insufficient role"}
	}
	tenant, ok := db.TenantFromContext(ctx)
	if !ok {
		return db.TenantID{}, &gqlError{code: codeValidation, msg: "missing tenant context"}
	}
	return tenant, nil
}

var (
	readRoles     = []string{auth.RoleDoctor, auth.RoleNurse, auth.RoleReceptionist}
	clinicalRoles = []string{auth.RoleDoctor, auth.RoleNurse}
	doctorRoles   = []string{auth.RoleDoctor}
)

func idArgs() graphql.FieldConfigArgument {
	return graphql.FieldConfigArgument{
		"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
	}
}

// NewSchema builds the appointment GraphQL schema over svc.
func NewSchema(svc *Service) (graphql.Schema, error) {
	statusMutation := func(fn func(context.Context, string, db.TenantID) (*Appointment, error)) *graphql.Field {
		return &graphql.Field{
			Type: graphql.NewNonNull(appointmentType),
			Args: idArgs(),
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				tenant, err := resolverEnv(p.Context, clinicalRoles...)
				if err != nil {
					return nil, err
				}
				id, _ := p.Args["id"].(string)
				a, err := fn(p.Context, id, tenant)
				if err != nil {
					return nil, graphQLError(p.Context, err)
				}
				return a, nil
			},
		}
	}

	query := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"appointments": &graphql.Field{
				Type: graphql.NewNonNull(appointmentPageType),
				Args: graphql.FieldConfigArgument{
					"page":      &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: pagination.DefaultPage},
					"limit":     &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: pagination.DefaultLimit},
					"date":      &graphql.ArgumentConfig{Type: graphql.String},
					"doctorId":  &graphql.ArgumentConfig{Type: graphql.String},
					"patientId": &graphql.ArgumentConfig{Type: graphql.String},
					"status":    &graphql.ArgumentConfig{Type: statusEnum},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					tenant, err := resolverEnv(p.Context, readRoles...)
					if err != nil {
						return nil, err
					}
					page, _ := p.Args["page"].(int)
					limit, _ := p.Args["limit"].(int)
					pg := pagination.New(page, limit)

					var f Filter
					f.Date, _ = p.Args["date"].(string)
					f.DoctorID, _ = p.Args["doctorId"].(string)
					f.PatientID, _ = p.Args["patientId"].(string)
					f.Status, _ = p.Args["status"].(Status)

					items, total, err := svc.List(p.Context, tenant, f, pg.Page, pg.Limit)
					if err != nil {
						return nil, graphQLError(p.Context, err)
					}
					return map[string]interface{}{
						"appointments": items,
						"pagination":   pagination.NewMeta(pg, total),
					}, nil
				},
			},
			"appointment": &graphql.Field{
				Type: appointmentType,
				Args: idArgs(),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					tenant, err := resolverEnv(p.Context, readRoles...)
					if err != nil {
						return nil, err
					}
					id, _ := p.Args["id"].(string)
					a, err := svc.Get(p.Context, id, tenant)
					if err != nil {
						return nil, graphQLError(p.Context, err)
					}
					return a, nil
				},
			},
			"appointmentsByDoctor": &graphql.Field{
				Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(appointmentType))),
				Args: graphql.FieldConfigArgument{
					"doctorId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"date":     &graphql.ArgumentConfig{Type: graphql.String},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					tenant, err := resolverEnv(p.Context, readRoles...)
					if err != nil {
						return nil, err
					}
					doctorID, _ := p.Args["doctorId"].(string)
					date, _ := p.Args["date"].(string)
					items, err := svc.ListByDoctor(p.Context, tenant, doctorID, date)
					if err != nil {
						return nil, graphQLError(p.Context, err)
					}
					return orEmpty(items), nil
				},
			},
			"appointmentsByPatient": &graphql.Field{
				Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(appointmentType))),
				Args: graphql.FieldConfigArgument{
					"patientId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					tenant, err := resolverEnv(p.Context, readRoles...)
					if err != nil {
						return nil, err
					}
					patientID, _ := p.Args["patientId"].(string)
					items, err := svc.ListByPatient(p.Context, tenant, patientID)
					if err != nil {
						return nil, graphQLError(p.Context, err)
					}
					return orEmpty(items), nil
				},
			},
		},
	})

	mutation := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"createAppointment": &graphql.Field{
				Type: graphql.NewNonNull(appointmentType),
				Args: graphql.FieldConfigArgument{
					"input": &graphql.ArgumentConfig{Type: graphql.NewNonNull(createAppointmentInputType)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					tenant, err := resolverEnv(p.Context, readRoles...)
					if err != nil {
						return nil, err
					}
					var in CreateInput
					if err := decodeInput(p.Args["input"], &in); err != nil {
						return nil, graphQLError(p.Context, err)
					}
					a, err := svc.Create(p.Context, in, tenant)
					if err != nil {
						return nil, graphQLError(p.Context, err)
					}
					return a, nil
				},
			},
			"updateAppointment": &graphql.Field{
				Type: graphql.NewNonNull(appointmentType),
				Args: graphql.FieldConfigArgument{
					"id":    &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
					"input": &graphql.ArgumentConfig{Type: graphql.NewNonNull(updateAppointmentInputType)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					tenant, err := resolverEnv(p.Context, clinicalRoles...)
					if err != nil {
						return nil, err
					}
					var in UpdateInput
					if err := decodeInput(p.Args["input"], &in); err != nil {
						return nil, graphQLError(p.Context, err)
					}
					id, _ := p.Args["id"].(string)
					a, err := svc.Update(p.Context, id, in, tenant)
					if err != nil {
						return nil, graphQLError(p.Context, err)
					}
					return a, nil
				},
			},
			"deleteAppointment": &graphql.Field{
				Type: graphql.NewNonNull(appointmentType),
				Args: idArgs(),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					tenant, err := resolverEnv(p.Context, doctorRoles...)
					if err != nil {
						return nil, err
					}
					id, _ := p.Args["id"].(string)
					a, err := svc.Delete(p.Context, id, tenant)
					if err != nil {
						return nil, graphQLError(p.Context, err)
					}
					return a, nil
				},
			},
			"confirmAppointment": statusMutation(svc.Confirm),
			"cancelAppointment":  statusMutation(svc.Cancel),
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{
		Query:    query,
		Mutation: mutation,
	})
}

type graphQLRequest struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables"`
	OperationName string                 `json:"operationName"`
}

// GraphQLHandler serves the appointment schema over POST /graphql.
type GraphQLHandler struct {
	schema graphql.Schema
	logger zerolog.Logger
}

func NewGraphQLHandler(svc *Service, logger zerolog.Logger) (*GraphQLHandler, error) {
	schema, err := NewSchema(svc)
	if err != nil {
		return nil, err
	}
	return &GraphQLHandler{schema: schema, logger: logger}, nil
}

func (h *GraphQLHandler) RegisterRoutes(e *echo.Echo, m ...echo.MiddlewareFunc) {
	e.POST("/graphql", h.Serve, m...)
}

func (h *GraphQLHandler) Serve(c echo.Context) error {
	var req graphQLRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	logger := h.logger.With().
		Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
		Str("operation", req.OperationName).
		Logger()

	result := graphql.Do(graphql.Params{
		Schema:         h.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        logger.WithContext(c.Request().Context()),
	})
	return c.JSON(http.StatusOK, result)
}
