package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/modelhub/internal/engine"
)

// RegisterEngineRoutes 暴露 /-/engines，列出注册表中的引擎以及按偏好选中的默认引擎。
func RegisterEngineRoutes(app *fiber.App, registry *engine.Registry, preference []string) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/engines", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"engines":    registry.Names(),
			"preference": registry.Snapshot(preference),
		}
		if selected, err := registry.Select(preference); err == nil {
			payload["selected"] = selected.Name()
		}
		return c.JSON(payload)
	})
}
