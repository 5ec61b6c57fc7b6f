package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/transferledger/internal/domain"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error

	maxMoney = decimal.New(1, 17)
)

// newValidator registers the money rules. decimal.Decimal is a struct, so
// the rules read the field directly instead of going through a type func.
func newValidator() (*validator.Validate, error) {
	vld := validator.New(validator.WithRequiredStructEnabled())
	vld.RegisterTagNameFunc(func(f reflect.StructField) string {
		return jsonName(f.Tag.Get("json"), f.Name)
	})

	if err := vld.RegisterValidation("nonnegative_decimal", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && !d.IsNegative()
	}); err != nil {
		return nil, fmt.Errorf("register nonnegative_decimal: %w", err)
	}

	// money fits NUMERIC(19,2).
	if err := vld.RegisterValidation("money", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && d.Equal(d.Truncate(domain.AmountScale)) && d.Abs().LessThan(maxMoney)
	}); err != nil {
		return nil, fmt.Errorf("register money: %w", err)
	}
	return vld, nil
}

// validateBody checks the shape of a decoded request body and returns an
// ErrInvalidArgument naming the first offending field.
func validateBody(payload any) error {
	validateOnce.Do(func() {
		validate, errValidate = newValidator()
	})
	if errValidate != nil {
		return errValidate
	}

	err := validate.Struct(payload)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return domain.InvalidArgument(fmt.Sprintf("%s is required", fe.Field()))
	case "gt":
		return domain.InvalidArgument(fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param()))
	case "max":
		return domain.InvalidArgument(fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
	case "nonnegative_decimal":
		return domain.InvalidArgument(fmt.Sprintf("%s must not be negative", fe.Field()))
	case "money":
		return domain.InvalidArgument(fmt.Sprintf("%s must have at most %d decimal places and fit 17 integer digits", fe.Field(), domain.AmountScale))
	default:
		return domain.InvalidArgument(fmt.Sprintf("%s failed %s check", fe.Field(), fe.Tag()))
	}
}

func jsonName(tag, fallback string) string {
	name, _, _ := strings.Cut(tag, ",")
	if name == "" || name == "-" {
		return fallback
	}
	return name
}
