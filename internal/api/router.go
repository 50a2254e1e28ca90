package api

import (
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/hlsget/hlsget/internal/api/controllers"
	"github.com/hlsget/hlsget/internal/app"
)

func RegisterRoutes(e *echo.Echo, app *app.Context) {

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Logger.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	taskCtrl := &controllers.TasksController{App: app}

	e.POST("/api/tasks", taskCtrl.Create)
	e.GET("/api/tasks", taskCtrl.List)
	e.GET("/api/tasks/:id", taskCtrl.Get)
	e.GET("/api/tasks/:id/progress", taskCtrl.Progress)
	e.POST("/api/tasks/:id/pause", taskCtrl.Pause)
	e.POST("/api/tasks/:id/resume", taskCtrl.Resume)
	e.POST("/api/tasks/:id/cancel", taskCtrl.Cancel)
	e.DELETE("/api/tasks/:id", taskCtrl.Delete)
}
