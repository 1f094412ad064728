package payment

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	validator "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterCustomTypeFunc(func(field reflect.Value) any {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				f, _ := d.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validate = v
	})
	return validate
}

// FieldError describes one rejected request field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError is returned when a request is rejected before any provider call.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+":"+f.Rule)
	}
	return "payment: invalid request (" + strings.Join(parts, ", ") + ")"
}

// Validate checks a request against the caller contract.
func (r PaymentRequest) Validate() error {
	err := requestValidator().Struct(r)
	if err == nil {
		if _, ok := currencyExponent(r.CurrencyCode()); !ok {
			return &ValidationError{Fields: []FieldError{{Field: "currency", Rule: "iso4217"}}}
		}
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("payment: validate request: %w", err)
	}
	out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	return out
}

// requireField rejects a request missing a field one provider insists on.
func requireField(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Fields: []FieldError{{Field: field, Rule: "required"}}}
	}
	return nil
}

// minor-unit exponents for currencies the adapters settle in.
var currencyExponents = map[string]int32{
	"XOF": 0, "XAF": 0, "GNF": 0, "RWF": 0, "UGX": 0, "JPY": 0, "KRW": 0, "VND": 0, "CLP": 0,
	"USD": 2, "EUR": 2, "GBP": 2, "CAD": 2, "AUD": 2, "NGN": 2, "GHS": 2, "KES": 2, "ZAR": 2,
	"IDR": 2, "PHP": 2, "MYR": 2, "THB": 2, "SGD": 2, "INR": 2, "BRL": 2, "MXN": 2, "CHF": 2,
	"BHD": 3, "KWD": 3, "JOD": 3, "OMR": 3, "TND": 3,
}

func currencyExponent(code string) (int32, bool) {
	exp, ok := currencyExponents[strings.ToUpper(code)]
	return exp, ok
}

// MinorUnits converts a major-unit amount into the currency's smallest unit.
func MinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	exp, ok := currencyExponent(currency)
	if !ok {
		return 0, fmt.Errorf("payment: unsupported currency %q", currency)
	}
	shifted := amount.Shift(exp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("payment: amount %s has more precision than %s allows", amount.String(), currency)
	}
	return shifted.IntPart(), nil
}

// FromMinorUnits is the inverse of MinorUnits.
func FromMinorUnits(value int64, currency string) decimal.Decimal {
	exp, ok := currencyExponent(currency)
	if !ok {
		exp = 0
	}
	return decimal.New(value, -exp)
}

// MajorString renders an amount with the currency's number of decimals.
func MajorString(amount decimal.Decimal, currency string) string {
	exp, _ := currencyExponent(currency)
	return amount.StringFixed(exp)
}
