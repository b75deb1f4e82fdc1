package middleware

import (
	"reflect"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/eventhub/internal/model"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

var errorMessages = map[string]string{
	"required":           "Field is required",
	"min":                "Value is too short",
	"max":                "Value is too long",
	"oneof":              "Value is not allowed",
	"event_type":         "Unknown event type",
	"event_type_pattern": "Pattern matches no known event type",
	"channel":            "Unknown channel",
	"notification_type":  "Unknown notification type",
}

// RegisterValidators installs the domain tags on gin's validator and makes
// error fields report their JSON names.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	custom := map[string]validator.Func{
		"event_type": func(fl validator.FieldLevel) bool {
			return model.EventType(fl.Field().String()).Valid()
		},
		"event_type_pattern": func(fl validator.FieldLevel) bool {
			return model.ValidEventTypePattern(fl.Field().String())
		},
		"channel": func(fl validator.FieldLevel) bool {
			return model.Channel(fl.Field().String()).Valid()
		},
		"notification_type": func(fl validator.FieldLevel) bool {
			return model.NotificationType(fl.Field().String()).Valid()
		},
	}
	for tag, fn := range custom {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return err
		}
	}
	return nil
}

func validationErrors(errs validator.ValidationErrors) []ValidationError {
	out := make([]ValidationError, 0, len(errs))
	for _, e := range errs {
		msg := errorMessages[e.Tag()]
		if msg == "" {
			msg = e.Error()
		}
		out = append(out, ValidationError{Field: e.Field(), Message: msg})
	}
	return out
}
