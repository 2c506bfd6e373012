package validator

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"anoa.com/communityforum/pkg/apperror"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once

	ugcPolicy    = bluemonday.UGCPolicy()
	strictPolicy = bluemonday.StrictPolicy()
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks v against its `validate` tags. Failures wrap
// apperror.ErrValidation and carry the formatted field messages.
func Validate(v any) error {
	if err := instance().Struct(v); err != nil {
		return fmt.Errorf("%s: %w", FormatValidationError(err), apperror.ErrValidation)
	}
	return nil
}

func FormatValidationError(err error) string {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, fieldError := range validationErrors {
			messages = append(messages, getFieldErrorMessage(fieldError))
		}
		return strings.Join(messages, "; ")
	}
	return err.Error()
}

func getFieldErrorMessage(fe validator.FieldError) string {
	field := getFieldName(fe.Field())

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email", field)
	case "min":
		if fe.Type().String() == "string" {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if fe.Type().String() == "string" {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "uuid":
		return fmt.Sprintf("%s must be a valid id", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func getFieldName(field string) string {
	fieldNames := map[string]string{
		"Username":   "Username",
		"Email":      "Email",
		"Password":   "Password",
		"Role":       "Role",
		"Title":      "Title",
		"Content":    "Content",
		"CategoryID": "Category",
		"Reason":     "Reason",
		"Outcome":    "Outcome",
	}

	if name, ok := fieldNames[field]; ok {
		return name
	}
	return field
}

// SanitizeContent keeps the markup a forum post may carry and drops the rest.
func SanitizeContent(s string) string {
	return strings.TrimSpace(ugcPolicy.Sanitize(s))
}

// StripTags removes all markup, for titles and search documents.
func StripTags(s string) string {
	return strings.TrimSpace(strictPolicy.Sanitize(s))
}
