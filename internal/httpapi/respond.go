package httpapi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/llmack/gmail-declutterer/internal/analysis"
	"github.com/llmack/gmail-declutterer/internal/declutter"
	"github.com/llmack/gmail-declutterer/internal/gmail"
	"github.com/llmack/gmail-declutterer/internal/model"
	"github.com/llmack/gmail-declutterer/internal/reconcile"
	"github.com/llmack/gmail-declutterer/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

// validateStruct turns validator errors into one readable message.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	var msgs []string
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, field+" must be at least "+fe.Param())
		case "oneof":
			msgs = append(msgs, field+" must be one of "+fe.Param())
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return errors.New(strings.Join(msgs, ", "))
}

func success(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

func failure(c *fiber.Ctx, status int, message string, err error) error {
	resp := fiber.Map{
		"success": false,
		"error":   message,
	}
	if err != nil {
		resp["details"] = err.Error()
	}
	return c.Status(status).JSON(resp)
}

// statusFor maps domain errors to HTTP status codes. Order matters: a total
// batch failure caused by a rejected credential is a 401.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gmail.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, model.ErrUnknownCategory),
		errors.Is(err, gmail.ErrNoMessageIDs),
		errors.Is(err, declutter.ErrInvalidRule),
		errors.Is(err, reconcile.ErrInvalidMove):
		return fiber.StatusBadRequest
	case errors.Is(err, declutter.ErrSenderExcluded),
		errors.Is(err, analysis.ErrStaleGeneration):
		return fiber.StatusConflict
	case errors.Is(err, store.ErrRuleNotFound),
		errors.Is(err, declutter.ErrSenderNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, gmail.ErrTotalBatchFailure),
		errors.Is(err, gmail.ErrTransient):
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func fail(c *fiber.Ctx, op string, err error) error {
	return failure(c, statusFor(err), fmt.Sprintf("%s failed", op), err)
}
