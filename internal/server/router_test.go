package server

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/modelhub/internal/cache"
	"github.com/any-hub/modelhub/internal/config"
)

func TestRouterReturns404OutsideDiagnostics(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "http://localhost/models/encoder.onnx", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"not_found"`)) {
		t.Fatalf("expected not_found error, got %s", string(body))
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterPassesDiagnosticsToLaterRoutes(t *testing.T) {
	app := newTestApp(t)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString(RequestID(c))
	})

	resp, err := app.Test(httptest.NewRequest("GET", "http://localhost/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) == "" || string(body) != resp.Header.Get("X-Request-ID") {
		t.Fatalf("RequestID 应与响应头一致, body=%s header=%s", body, resp.Header.Get("X-Request-ID"))
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("缺少 logger 应报错")
	}
	logger := logrus.New()
	registry, _ := NewArtifactRegistry(&config.Config{})
	if _, err := NewApp(AppOptions{Logger: logger, Cache: nopService{}, Artifacts: registry}); err == nil {
		t.Fatalf("非法端口应报错")
	}
}

func TestArtifactRegistryLookupAndResolve(t *testing.T) {
	cfg := &config.Config{Artifacts: []config.ArtifactConfig{
		{Name: "Encoder", URL: "https://models.example.com/encoder.onnx"},
		{Name: "decoder", URL: "https://models.example.com/decoder.onnx"},
	}}
	registry, err := NewArtifactRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	route, ok := registry.Lookup(" encoder ")
	if !ok || route.URL.Host != "models.example.com" {
		t.Fatalf("名称查找应忽略大小写与空白")
	}
	if list := registry.List(); len(list) != 2 || list[0].Config.Name != "Encoder" {
		t.Fatalf("List 应保持配置顺序, got %+v", list)
	}

	if got, err := registry.Resolve("decoder"); err != nil || got != "https://models.example.com/decoder.onnx" {
		t.Fatalf("unexpected resolve result %s %v", got, err)
	}
	if got, err := registry.Resolve("https://cdn.example.com/x.bin"); err != nil || got != "https://cdn.example.com/x.bin" {
		t.Fatalf("URL 应原样返回, got %s %v", got, err)
	}
	if _, err := registry.Resolve("missing"); err == nil {
		t.Fatalf("未配置的名称应报错")
	}
}

func TestArtifactRegistryRejectsDuplicates(t *testing.T) {
	cfg := &config.Config{Artifacts: []config.ArtifactConfig{
		{Name: "a", URL: "https://models.example.com/a"},
		{Name: "A", URL: "https://models.example.com/b"},
	}}
	if _, err := NewArtifactRegistry(cfg); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()

	registry, err := NewArtifactRegistry(&config.Config{})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, err := NewApp(AppOptions{
		Logger:     logger,
		Cache:      nopService{},
		Artifacts:  registry,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app
}

type nopService struct{}

func (nopService) FetchWithStatus(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (nopService) Stats(context.Context) (cache.Stats, error) { return cache.Stats{}, nil }

func (nopService) CleanupExpired(context.Context) (int, error) { return 0, nil }
