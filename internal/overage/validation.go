package overage

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/go-playground/validator/v10"

	dErrors "relay/pkg/domain-errors"
)

// MaxKeyLength bounds idempotency keys; it matches the column width.
const MaxKeyLength = 255

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		return money.GetCurrency(fl.Field().String()) != nil
	})
	return v
}

func validateKey(tenantID, key string) error {
	if strings.TrimSpace(tenantID) == "" {
		return dErrors.New(dErrors.CodeValidation, "tenant id is required")
	}
	if strings.TrimSpace(key) == "" {
		return dErrors.New(dErrors.CodeValidation, "idempotency key is required")
	}
	if len(key) > MaxKeyLength {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("idempotency key exceeds %d characters", MaxKeyLength))
	}
	return nil
}

func validateEffect(effect Effect) error {
	err := validate.Struct(effect)
	if err == nil {
		return validateAmount(effect)
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return dErrors.New(dErrors.CodeValidation, describe(fieldErrs[0]))
	}
	return dErrors.Wrap(err, dErrors.CodeValidation, "invalid overage")
}

// validateAmount rejects effects whose quantity times unit price does not fit
// in int64 minor units.
func validateAmount(effect Effect) error {
	if effect.UnitPriceMinor > 0 && effect.Quantity > math.MaxInt64/effect.UnitPriceMinor {
		return dErrors.New(dErrors.CodeValidation, "Quantity times UnitPriceMinor exceeds the representable amount")
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gt":
		return field + " must be greater than " + fe.Param()
	case "gte":
		return field + " must be at least " + fe.Param()
	case "max":
		return field + " is too long"
	case "currency":
		return field + " must be an ISO 4217 currency code"
	case "gtfield":
		return field + " must be after " + fe.Param()
	default:
		return field + " is invalid"
	}
}
