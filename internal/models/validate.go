package models

import (
	"sync"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/dentaldesk/syncd/internal/errors"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// checker is implemented by payloads with cross-field rules.
type checker interface {
	Check() error
}

// ValidatePayload checks a payload's struct tags and that it names an entity.
func ValidatePayload(p Payload) error {
	if p == nil {
		return apperrors.New(apperrors.ErrInvalid, "payload is required")
	}
	if p.EntityID() == "" {
		return apperrors.Newf(apperrors.ErrInvalid, "%s payload has no entity id", p.Kind())
	}
	if err := Validator().Struct(p); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, string(p.Kind())+" payload is invalid", err)
	}
	if c, ok := p.(checker); ok {
		return c.Check()
	}
	return nil
}
