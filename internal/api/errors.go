package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/Checker-Finance/escrow-market/internal/auth"
	"github.com/Checker-Finance/escrow-market/internal/custody"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// StatusFor maps a domain error onto an HTTP status. Order matters:
// registry errors wrap ErrTransferFailed too.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return fiber.StatusOK
	case errors.Is(err, model.ErrListingNotFound), errors.Is(err, custody.ErrUnknownAsset):
		return fiber.StatusNotFound
	case errors.Is(err, model.ErrListingNotActive),
		errors.Is(err, model.ErrDuplicateListing),
		errors.Is(err, custody.ErrAssetExists):
		return fiber.StatusConflict
	case errors.Is(err, model.ErrUnauthorizedAccess):
		return fiber.StatusForbidden
	case errors.Is(err, auth.ErrInvalidSignature), errors.Is(err, auth.ErrReplayedNonce):
		return fiber.StatusUnauthorized
	case errors.Is(err, model.ErrInvalidListing):
		return fiber.StatusBadRequest
	case errors.Is(err, custody.ErrTransferFailed):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

// writeError renders err. Unmapped errors are not echoed to the caller.
func writeError(c *fiber.Ctx, err error) error {
	code := StatusFor(err)
	msg := err.Error()
	if code == fiber.StatusInternalServerError {
		msg = "internal error"
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
