package handler

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"teamclock/internal/registry/models"
	dErrors "teamclock/pkg/domain-errors"
)

// CreateMemberRequest is the HTTP request body for POST /api/members.
// Tags bound the shape of the payload; the member model enforces the rest.
type CreateMemberRequest struct {
	Name      string `json:"name" validate:"required,max=100"`
	Location  string `json:"location" validate:"required,max=100"`
	Timezone  string `json:"timezone" validate:"required,max=64"`
	Flag      string `json:"flag,omitempty" validate:"max=16"`
	WorkStart string `json:"work_start,omitempty" validate:"max=5"`
	WorkEnd   string `json:"work_end,omitempty" validate:"max=5"`
}

// ToInput converts the request into the registry's input type.
func (r *CreateMemberRequest) ToInput() models.MemberInput {
	return models.MemberInput{
		Name:      r.Name,
		Location:  r.Location,
		Timezone:  r.Timezone,
		Flag:      r.Flag,
		WorkStart: r.WorkStart,
		WorkEnd:   r.WorkEnd,
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError turns the first failed rule into a client-facing message.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return dErrors.New(dErrors.CodeBadRequest, "invalid request body")
	}
	fe := fieldErrs[0]
	var msg string
	switch fe.Tag() {
	case "required":
		msg = fmt.Sprintf("%s is required", fe.Field())
	case "max":
		msg = fmt.Sprintf("%s must be %s characters or less", fe.Field(), fe.Param())
	default:
		msg = fmt.Sprintf("%s is invalid", fe.Field())
	}
	return dErrors.New(dErrors.CodeValidation, msg)
}
