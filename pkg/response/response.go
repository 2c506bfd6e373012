package response

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"anoa.com/communityforum/pkg/apperror"
	"anoa.com/communityforum/pkg/ratelimiter"
	appvalidator "anoa.com/communityforum/pkg/validator"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ParamUUID parses a path parameter, rendering a validation error when it is
// not a uuid.
func ParamUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		ResponseError(c, fmt.Errorf("invalid %s: %w", name, apperror.ErrValidation))
		return uuid.Nil, false
	}
	return id, true
}

// BindingError renders a request that could not be decoded or failed its
// binding tags as a validation error.
func BindingError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		ResponseError(c, fmt.Errorf("%s: %w", appvalidator.FormatValidationError(err), apperror.ErrValidation))
		return
	}
	ResponseError(c, fmt.Errorf("invalid request: %v: %w", err, apperror.ErrValidation))
}

// ResponseError standardized error response
func ResponseError(c *gin.Context, err error) {
	var rateLimitErr *ratelimiter.RateLimitError
	if errors.As(err, &rateLimitErr) {
		c.Header("Retry-After", fmt.Sprintf("%.0f", rateLimitErr.RetryAfter.Seconds()))
	}

	code := apperror.MapErrorToStatus(err)

	// Log internal errors
	if code >= http.StatusInternalServerError {
		log.Printf("[Internal Error]: %v", err)
	}

	c.AbortWithStatusJSON(code, gin.H{"error": err.Error(), "code": apperror.Code(err)})
}
