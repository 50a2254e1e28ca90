package controllers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/hlsget/hlsget/internal/app"
	"github.com/hlsget/hlsget/internal/engine"
)

type TasksController struct {
	App *app.Context
}

// Create submits a new download task
func (ctrl *TasksController) Create(c *echo.Context) error {
	var req app.TaskRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	if req.PlaylistURL == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "url is required"})
	}

	task, err := ctrl.App.Queue.Add(c.Request().Context(), req)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	return c.JSON(http.StatusCreated, viewOf(task))
}

func (ctrl *TasksController) List(c *echo.Context) error {
	tasks := ctrl.App.Queue.All()
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewOf(t))
	}
	return c.JSON(http.StatusOK, out)
}

func (ctrl *TasksController) Get(c *echo.Context) error {
	task, ok := ctrl.App.Queue.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "task not found"})
	}
	return c.JSON(http.StatusOK, viewOf(task))
}

// Progress returns the latest snapshot for a running task
func (ctrl *TasksController) Progress(c *echo.Context) error {
	snap, ok := ctrl.App.Queue.Status(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "task not found"})
	}
	return c.JSON(http.StatusOK, snap)
}

func (ctrl *TasksController) Pause(c *echo.Context) error {
	if !ctrl.App.Queue.Pause(c.Param("id")) {
		return c.JSON(http.StatusConflict, errorResponse{Error: "task cannot be paused"})
	}
	return c.NoContent(http.StatusAccepted)
}

func (ctrl *TasksController) Resume(c *echo.Context) error {
	if !ctrl.App.Queue.Resume(c.Param("id")) {
		return c.JSON(http.StatusConflict, errorResponse{Error: "task cannot be resumed"})
	}
	return c.NoContent(http.StatusAccepted)
}

func (ctrl *TasksController) Cancel(c *echo.Context) error {
	if !ctrl.App.Queue.Cancel(c.Param("id")) {
		return c.JSON(http.StatusConflict, errorResponse{Error: "task cannot be cancelled"})
	}
	return c.NoContent(http.StatusAccepted)
}

func (ctrl *TasksController) Delete(c *echo.Context) error {
	err := ctrl.App.Queue.Remove(c.Request().Context(), c.Param("id"))
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, engine.ErrTaskActive):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	}
}
