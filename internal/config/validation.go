package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.CacheTTL.DurationValue() <= 0 {
		return newFieldError("Global.CacheTTL", "必须大于 0")
	}
	if g.RangeThreshold <= 0 {
		return newFieldError("Global.RangeThreshold", "必须大于 0")
	}
	if g.ChunkSize <= 0 {
		return newFieldError("Global.ChunkSize", "必须大于 0")
	}
	if g.ChunkSize > g.RangeThreshold {
		return newFieldError("Global.ChunkSize", "不能大于 RangeThreshold")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.PrefetchParallelism < 0 {
		return newFieldError("Global.PrefetchParallelism", "不能为负数")
	}

	if err := c.Worker.validate(); err != nil {
		return err
	}

	seenNames := map[string]struct{}{}
	for i := range c.Artifacts {
		artifact := &c.Artifacts[i]
		if artifact.Name == "" {
			return newFieldError("Artifact[].Name", "不能为空")
		}
		if _, exists := seenNames[artifact.Name]; exists {
			return newFieldError(artifactField(artifact.Name, "Name"), "重复")
		}
		seenNames[artifact.Name] = struct{}{}

		if err := validateArtifactURL(artifact.URL); err != nil {
			return fmt.Errorf("%s: %w", artifactField(artifact.Name, "URL"), err)
		}
	}

	return nil
}

func (w WorkerConfig) validate() error {
	switch w.Mode {
	case WorkerModeInProcess, WorkerModeProcess:
	default:
		return newFieldError("Worker.Mode", "仅支持 inprocess/process")
	}
	if w.CallTimeout.DurationValue() <= 0 {
		return newFieldError("Worker.CallTimeout", "必须大于 0")
	}
	if w.DisposeTimeout.DurationValue() <= 0 {
		return newFieldError("Worker.DisposeTimeout", "必须大于 0")
	}
	if w.ThreadCount < 0 {
		return newFieldError("Worker.ThreadCount", "不能为负数")
	}
	for _, path := range w.ArtifactPaths {
		if strings.TrimSpace(path) == "" {
			return newFieldError("Worker.ArtifactPaths", "不允许空路径")
		}
	}
	return nil
}

func validateArtifactURL(raw string) error {
	if raw == "" {
		return errors.New("缺少制品地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，制品: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("制品地址缺少 Host: %s", raw)
	}
	return nil
}

// CallTimeout 返回 Worker 普通调用的默认超时。
func (c *Config) CallTimeout() time.Duration {
	if c == nil || c.Worker.CallTimeout.DurationValue() <= 0 {
		return defaultCallTimeout
	}
	return c.Worker.CallTimeout.DurationValue()
}

// DisposeTimeout 返回 dispose 调用的超时，通常远小于普通调用。
func (c *Config) DisposeTimeout() time.Duration {
	if c == nil || c.Worker.DisposeTimeout.DurationValue() <= 0 {
		return defaultDisposeTimeout
	}
	return c.Worker.DisposeTimeout.DurationValue()
}
