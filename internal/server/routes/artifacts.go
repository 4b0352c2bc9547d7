package routes

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/modelhub/internal/logging"
	"github.com/any-hub/modelhub/internal/server"
)

// RegisterArtifactRoutes 暴露 /-/artifacts 诊断接口：列出已配置制品，并按名称经缓存读取正文。
func RegisterArtifactRoutes(app *fiber.App, registry *server.ArtifactRegistry, svc server.ArtifactService, logger *logrus.Logger) {
	if app == nil || registry == nil || svc == nil {
		return
	}

	app.Get("/-/artifacts", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"artifacts": encodeArtifacts(registry.List()),
		})
	})

	app.Get("/-/artifacts/:name", func(c fiber.Ctx) error {
		route, ok := registry.Lookup(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "artifact_not_found"})
		}

		started := time.Now()
		url := route.URL.String()
		payload, hit, err := svc.FetchWithStatus(server.RequestContext(c), url)
		if err != nil {
			return renderError(c, logger, "fetch_artifact", err)
		}

		if logger != nil {
			fields := logging.FetchFields(url, hit)
			fields["artifact"] = route.Config.Name
			fields["request_id"] = server.RequestID(c)
			fields["elapsed_ms"] = time.Since(started).Milliseconds()
			logger.WithFields(fields).Info("artifact_served")
		}

		c.Set("X-Modelhub-Cache-Hit", strconv.FormatBool(hit))
		c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
		return c.Send(payload)
	})
}

type artifactPayload struct {
	Name           string         `json:"name"`
	URL            string         `json:"url"`
	SessionOptions map[string]any `json:"session_options,omitempty"`
}

func encodeArtifacts(routes []server.ArtifactRoute) []artifactPayload {
	result := make([]artifactPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, artifactPayload{
			Name:           route.Config.Name,
			URL:            route.URL.String(),
			SessionOptions: route.Config.SessionOptions,
		})
	}
	return result
}
