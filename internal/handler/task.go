package handler

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/HengLine/ai-diffusion-aigc/internal/model"
	"github.com/HengLine/ai-diffusion-aigc/internal/queue"
	"github.com/HengLine/ai-diffusion-aigc/pkg/response"
)

type TaskHandler struct {
	manager   *queue.Manager
	validator *validator.Validate
}

func NewTaskHandler(m *queue.Manager, v *validator.Validate) *TaskHandler {
	return &TaskHandler{
		manager:   m,
		validator: v,
	}
}

// Submit handles POST /api/tasks/:kind
func (h *TaskHandler) Submit(c *fiber.Ctx) error {
	kind, ok := model.ParseTaskKind(c.Params("kind"))
	if !ok {
		return response.ValidationError(c, fmt.Sprintf("Unknown task kind %q", c.Params("kind")), nil)
	}

	var req model.SubmitTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	task, position, wait, err := h.manager.Submit(kind, req.Params())
	if err != nil {
		if errors.Is(err, queue.ErrInvalidRequest) {
			return response.ValidationError(c, err.Error(), nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, model.SubmitTaskResponse{
		TaskID:        task.ID,
		Kind:          task.Kind,
		Status:        task.Status,
		QueuePosition: position,
		EstimatedWait: wait.Seconds(),
		CreatedAt:     task.CreatedAt,
	})
}

// Status handles GET /api/tasks/:taskId
func (h *TaskHandler) Status(c *fiber.Ctx) error {
	task, err := h.manager.Status(c.Params("taskId"))
	if err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			return response.NotFound(c, "Task not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, task)
}

// Cancel handles POST /api/tasks/:taskId/cancel
func (h *TaskHandler) Cancel(c *fiber.Ctx) error {
	task, err := h.manager.Cancel(c.Params("taskId"))
	if err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			return response.NotFound(c, "Task not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, model.CancelTaskResponse{
		TaskID: task.ID,
		Status: task.Status,
	})
}

// List handles GET /api/tasks
func (h *TaskHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	return response.OK(c, h.manager.ListRecent(limit))
}

// QueueStats handles GET /api/queue
func (h *TaskHandler) QueueStats(c *fiber.Ctx) error {
	return response.OK(c, h.manager.Stats())
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
