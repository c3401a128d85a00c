package httpserver

import (
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

type requestValidator struct {
	v *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return &requestValidator{v: v}
}

// Validate reports the first failing field as a 400 so clients see which
// input to fix.
func (rv *requestValidator) Validate(i any) error {
	err := rv.v.Struct(i)
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s: %s", fe.Field(), describeTag(fe)))
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "needs at least " + fe.Param() + " item(s)"
	default:
		return "failed " + fe.Tag()
	}
}
