package scheduling

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// clockPattern is a zero-padded 24-hour HH:MM. The "15:04" layout alone
// would also accept "9:00".
var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

func newValidator() *validator.Validate {
	v := validator.New()
	// report fields by their wire names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		return clockPattern.MatchString(fl.Field().String())
	})
	return v
}

// validateInput runs the struct tags of a create or update payload and
// converts the first failure into a *ValidationError.
func validateInput(in interface{}) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: "input", Reason: err.Error()}
	}
	fe := verrs[0]
	return &ValidationError{Field: fe.Field(), Reason: describeTag(fe)}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must not be empty"
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "datetime":
		return "must match " + fe.Param()
	case "clock":
		return "must match HH:MM"
	default:
		return "failed " + fe.Tag() + " check"
	}
}
