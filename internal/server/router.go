package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/modelhub/internal/cache"
)

// ArtifactService 是诊断接口依赖的缓存能力，测试中可注入假实现。
type ArtifactService interface {
	FetchWithStatus(ctx context.Context, url string) ([]byte, bool, error)
	Stats(ctx context.Context) (cache.Stats, error)
	CleanupExpired(ctx context.Context) (int, error)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Cache      ArtifactService
	Artifacts  *ArtifactRegistry
	ListenPort int
}

const contextKeyRequestID = "_modelhub_request_id"

// NewApp builds a Fiber application with request id middleware and a JSON
// 404 for everything outside the /-/ diagnostics namespace.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("artifact cache is required")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("artifact registry is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return renderNotFound(c, opts.Logger)
	})

	return app, nil
}

// requestContextMiddleware 为每个请求生成 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

func renderNotFound(c fiber.Ctx, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action":     "route_lookup",
		"path":       string(c.Request().URI().Path()),
		"request_id": RequestID(c),
	}).Debug("route not found")

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "not_found",
	})
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// RequestContext 返回请求关联的 context，fiber 未提供时回退到 Background。
func RequestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
