package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/diagnosis/salon-bookings/services/reservations/internal/domain"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// validateStruct runs struct tags and collects failures keyed by JSON field name.
func validateStruct(s interface{}, verr *domain.ValidationError) {
	err := validate.Struct(s)
	if err == nil {
		return
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		verr.Add("_", err.Error())
		return
	}
	for _, fe := range ves {
		verr.Add(fe.Field(), messageFor(fe))
	}
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "gt":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "datetime":
		return "has an invalid format, expected " + fe.Param()
	case "max":
		return "is too long"
	case "min":
		return "is too short"
	default:
		return "is invalid"
	}
}
