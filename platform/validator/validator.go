// Package validator wraps go-playground validation for request payloads on
// the ops surface. Platform layer, no business logic.
package validator

import "github.com/go-playground/validator/v10"

// Validator validates tagged structs and single values. Handlers hold their
// own instance; there is no package-level global.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	return &Validator{v: validator.New()}
}

// Struct validates a struct against its validate tags.
func (val *Validator) Struct(s any) error {
	return val.v.Struct(s)
}

// Var validates a single value against a tag expression.
func (val *Validator) Var(field any, tag string) error {
	return val.v.Var(field, tag)
}
