package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// Worker 运行模式：进程内 goroutine 或 `modelhub worker` 子进程。
const (
	WorkerModeInProcess = "inprocess"
	WorkerModeProcess   = "process"
)

// GlobalConfig 描述全局运行时行为：日志、缓存数据库与下载分片参数。
type GlobalConfig struct {
	ListenPort          int      `mapstructure:"ListenPort"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	StoragePath         string   `mapstructure:"StoragePath"`
	CacheTTL            Duration `mapstructure:"CacheTTL"`
	RangeThreshold      int64    `mapstructure:"RangeThreshold"`
	ChunkSize           int64    `mapstructure:"ChunkSize"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	CompressPayloads    bool     `mapstructure:"CompressPayloads"`
	PrefetchParallelism int      `mapstructure:"PrefetchParallelism"`
}

// WorkerConfig 控制后台执行上下文的启动方式与 RPC 超时。
type WorkerConfig struct {
	Mode              string   `mapstructure:"Mode"`
	CallTimeout       Duration `mapstructure:"CallTimeout"`
	DisposeTimeout    Duration `mapstructure:"DisposeTimeout"`
	ThreadCount       int      `mapstructure:"ThreadCount"`
	ArtifactPaths     []string `mapstructure:"ArtifactPaths"`
	BackendPreference []string `mapstructure:"BackendPreference"`
}

// ArtifactConfig 声明一个可按名称引用的模型制品。
type ArtifactConfig struct {
	Name           string         `mapstructure:"Name"`
	URL            string         `mapstructure:"URL"`
	SessionOptions map[string]any `mapstructure:"SessionOptions"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig     `mapstructure:",squash"`
	Worker    WorkerConfig     `mapstructure:"Worker"`
	Artifacts []ArtifactConfig `mapstructure:"Artifact"`
}

// Artifact 按名称查找已配置的制品。
func (c *Config) Artifact(name string) (ArtifactConfig, bool) {
	if c == nil {
		return ArtifactConfig{}, false
	}
	for _, artifact := range c.Artifacts {
		if artifact.Name == name {
			return artifact, true
		}
	}
	return ArtifactConfig{}, false
}

// ArtifactURLs 返回全部制品 URL，保持配置顺序，供 prefetch 使用。
func (c *Config) ArtifactURLs() []string {
	if c == nil || len(c.Artifacts) == 0 {
		return nil
	}
	urls := make([]string, len(c.Artifacts))
	for i, artifact := range c.Artifacts {
		urls[i] = artifact.URL
	}
	return urls
}

// ArtifactNames 返回制品名称列表，供启动日志输出。
func ArtifactNames(artifacts []ArtifactConfig) []string {
	if len(artifacts) == 0 {
		return nil
	}
	result := make([]string, len(artifacts))
	for i, artifact := range artifacts {
		result[i] = artifact.Name
	}
	return result
}
