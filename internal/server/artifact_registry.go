package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/modelhub/internal/config"
)

// ArtifactRoute 将制品配置与解析后的 URL 聚合在一起，供诊断接口与 CLI 复用。
type ArtifactRoute struct {
	// Config 是 config.toml 中 [[Artifact]] 的副本，避免外部修改。
	Config config.ArtifactConfig
	// URL 在构造 Registry 时提前解析完成。
	URL *url.URL
}

// ArtifactRegistry 提供制品名到 ArtifactRoute 的查询能力。
type ArtifactRegistry struct {
	routes  map[string]*ArtifactRoute
	ordered []*ArtifactRoute
}

// NewArtifactRegistry 根据配置构建名称映射。调用方应在启动阶段创建一次并复用。
func NewArtifactRegistry(cfg *config.Config) (*ArtifactRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &ArtifactRegistry{
		routes: make(map[string]*ArtifactRoute, len(cfg.Artifacts)),
	}

	for _, artifact := range cfg.Artifacts {
		key := normalizeName(artifact.Name)
		if key == "" {
			return nil, fmt.Errorf("artifact name required for %s", artifact.URL)
		}
		if _, exists := registry.routes[key]; exists {
			return nil, fmt.Errorf("duplicate artifact name detected for %s", key)
		}

		parsed, err := url.Parse(artifact.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid url for artifact %s: %w", artifact.Name, err)
		}

		route := &ArtifactRoute{Config: artifact, URL: parsed}
		registry.routes[key] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 按名称查找制品，忽略大小写与首尾空白。
func (r *ArtifactRegistry) Lookup(name string) (*ArtifactRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.routes[normalizeName(name)]
	return route, ok
}

// Resolve 把 CLI/接口参数解析为 URL：http(s) 地址原样返回，否则按制品名查找。
func (r *ArtifactRegistry) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	route, ok := r.Lookup(ref)
	if !ok {
		return "", fmt.Errorf("artifact %q is not configured", ref)
	}
	return route.URL.String(), nil
}

// List 返回当前注册的 ArtifactRoute 列表（按配置定义的顺序）。
func (r *ArtifactRegistry) List() []ArtifactRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]ArtifactRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
