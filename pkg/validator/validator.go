// Package validator configures gin's request validator with the custom types
// and tags used by the escrow API.
package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var setupOnce sync.Once

// Engine returns gin's validator with decimal support registered.
func Engine() (*validator.Validate, error) {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil, errors.New("gin binding engine is not go-playground/validator")
	}
	setupOnce.Do(func() {
		// decimal.Decimal validates as float64 for gt/lt checks
		v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
			if val, ok := field.Interface().(decimal.Decimal); ok {
				f, _ := val.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})
	})
	return v, nil
}

// Register adds a custom tag to gin's validator.
func Register(tag string, fn validator.Func) error {
	v, err := Engine()
	if err != nil {
		return err
	}
	return v.RegisterValidation(tag, fn)
}

// Describe renders binding errors as a single readable message.
func Describe(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}

	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		var msg string
		switch e.Tag() {
		case "required":
			msg = "is required"
		case "gt":
			msg = fmt.Sprintf("must be greater than %s", e.Param())
		case "milestone":
			msg = "is not part of the escrow workflow"
		case "oneof":
			msg = fmt.Sprintf("must be one of [%s]", e.Param())
		default:
			msg = fmt.Sprintf("failed validation '%s'", e.Tag())
		}
		messages = append(messages, fmt.Sprintf("%s %s", e.Field(), msg))
	}
	return strings.Join(messages, "; ")
}
