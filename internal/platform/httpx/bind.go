package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sparkle-hq/jobcore/internal/shared"
)

// NewValidator returns a validator that reports fields by their json names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Bind reads the JSON body into target and validates its struct tags. The raw
// body is returned for fingerprinting.
func Bind(w http.ResponseWriter, r *http.Request, v *validator.Validate, target any) ([]byte, error) {
	body, err := ReadJSON(w, r, target)
	if err != nil {
		return nil, err
	}
	if err := v.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, fmt.Errorf("%w: %v", shared.ErrValidation, err)
		}
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return nil, fmt.Errorf("%w: %s", shared.ErrValidation, strings.Join(msgs, "; "))
	}
	return body, nil
}
