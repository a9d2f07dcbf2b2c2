package http

import (
	"github.com/gofiber/fiber/v2"

	"morada/internal/apperr"
)

// Response is the uniform envelope for every JSON endpoint.
type Response struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Meta    *Meta    `json:"meta,omitempty"`
	Message string   `json:"message,omitempty"`
	Errors  []string `json:"errors,omitempty"`
	TraceID string   `json:"trace_id"`
}

// Meta carries pagination info on list responses.
type Meta struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

func traceID(c *fiber.Ctx) string {
	if v, ok := c.Locals("trace_id").(string); ok {
		return v
	}
	return ""
}

func respondOK(c *fiber.Ctx, data any) error {
	return c.JSON(Response{Success: true, Data: data, TraceID: traceID(c)})
}

func respondCreated(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusCreated).JSON(Response{Success: true, Data: data, TraceID: traceID(c)})
}

func respondList(c *fiber.Ctx, data any, meta Meta) error {
	return c.JSON(Response{Success: true, Data: data, Meta: &meta, TraceID: traceID(c)})
}

func respondValidation(c *fiber.Ctx, msgs ...string) error {
	return c.Status(fiber.StatusUnprocessableEntity).JSON(Response{
		Success: false,
		Message: "validation failed",
		Errors:  msgs,
		TraceID: traceID(c),
	})
}

// respondError maps a domain error to its HTTP status through the
// error kind.
func respondError(c *fiber.Ctx, err error) error {
	return c.Status(kindStatus(apperr.KindOf(err))).JSON(Response{
		Success: false,
		Message: err.Error(),
		TraceID: traceID(c),
	})
}

func kindStatus(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return fiber.StatusNotFound
	case apperr.KindDuplicate, apperr.KindJobRunning:
		return fiber.StatusConflict
	case apperr.KindValidation:
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}

// fiberErrorHandler keeps fiber's own errors (bad routes, body limits)
// inside the envelope.
func fiberErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if fe, ok := err.(*fiber.Error); ok {
		code = fe.Code
	}
	return c.Status(code).JSON(Response{
		Success: false,
		Message: err.Error(),
		TraceID: traceID(c),
	})
}
