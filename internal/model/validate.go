package model

import (
	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

// ErrInvalidSettings is returned when job settings fail validation.
var ErrInvalidSettings = eris.New("model: invalid job settings")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks settings against their struct tags.
func (s JobSettings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return eris.Wrapf(ErrInvalidSettings, "model: %v", err)
	}
	return nil
}

// ValidateStruct checks any tagged struct, e.g. an API payload.
func ValidateStruct(v any) error {
	return validate.Struct(v)
}
