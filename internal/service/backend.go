package service

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"checkout-core/internal/apperr"
	"checkout-core/internal/transport"

	"github.com/go-playground/validator/v10"
)

// Backend is the request surface the services need from the transport.
type Backend interface {
	Get(ctx context.Context, path string, out interface{}, opts ...transport.RequestOption) error
	Post(ctx context.Context, path string, body, out interface{}, opts ...transport.RequestOption) error
	Put(ctx context.Context, path string, body, out interface{}, opts ...transport.RequestOption) error
	Delete(ctx context.Context, path string, out interface{}, opts ...transport.RequestOption) error
}

var _ Backend = (*transport.Client)(nil)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// validateStruct runs the struct tags and turns failures into a validation
// error naming the offending fields.
func validateStruct(v interface{}) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperr.Wrap(apperr.KindValidation, "invalid request", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return apperr.Validation("%s", strings.Join(msgs, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_without":
		return fmt.Sprintf("%s or %s is required", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "unique":
		return fmt.Sprintf("%s must not contain duplicates", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
