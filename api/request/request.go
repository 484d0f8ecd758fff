// Package request decodes and validates HTTP request bodies.
package request

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// CreateSubscription is the body of POST /subscriptions.
type CreateSubscription struct {
	PlanID       string `json:"plan_id" validate:"required,max=64"`
	BillingCycle string `json:"billing_cycle" validate:"omitempty,oneof=monthly yearly"`
}

// UpdateSubscription is the body of PUT /subscriptions/{id}. Version,
// when set, makes the change conditional on the stored version.
type UpdateSubscription struct {
	PlanID  string `json:"plan_id" validate:"required,max=64"`
	Version *int64 `json:"version" validate:"omitempty,min=0"`
}

// Decode reads a JSON body into v and validates it.
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return Validate(v)
}

// Validate runs struct validation on v.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// RequireID returns an error when a path parameter is empty.
func RequireID(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("missing required ID")
	}
	return s, nil
}
