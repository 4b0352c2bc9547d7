package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultCacheTTL       = 7 * 24 * time.Hour
	defaultRangeThreshold = 10 * 1024 * 1024
	defaultChunkSize      = 1024 * 1024
	defaultCallTimeout    = 60 * time.Second
	defaultDisposeTimeout = 5 * time.Second
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker)
	for i := range cfg.Artifacts {
		applyArtifactDefaults(&cfg.Artifacts[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存数据库路径: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage/modelhub.db")
	v.SetDefault("CacheTTL", "168h")
	v.SetDefault("RangeThreshold", defaultRangeThreshold)
	v.SetDefault("ChunkSize", defaultChunkSize)
	v.SetDefault("UpstreamTimeout", "5m")
	v.SetDefault("CompressPayloads", false)
	v.SetDefault("PrefetchParallelism", 2)
	v.SetDefault("Worker.Mode", WorkerModeInProcess)
	v.SetDefault("Worker.CallTimeout", "60s")
	v.SetDefault("Worker.DisposeTimeout", "5s")
}

// Defaults 返回未读取任何文件时的配置，便于测试与内嵌场景。
func Defaults() *Config {
	cfg := &Config{Global: GlobalConfig{LogLevel: "info", StoragePath: "./storage/modelhub.db"}}
	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker)
	return cfg
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.CacheTTL.DurationValue() == 0 {
		g.CacheTTL = Duration(defaultCacheTTL)
	}
	if g.RangeThreshold == 0 {
		g.RangeThreshold = defaultRangeThreshold
	}
	if g.ChunkSize == 0 {
		g.ChunkSize = defaultChunkSize
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(5 * time.Minute)
	}
	if g.PrefetchParallelism <= 0 {
		g.PrefetchParallelism = 2
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.Mode = strings.ToLower(strings.TrimSpace(w.Mode))
	if w.Mode == "" {
		w.Mode = WorkerModeInProcess
	}
	if w.CallTimeout.DurationValue() == 0 {
		w.CallTimeout = Duration(defaultCallTimeout)
	}
	if w.DisposeTimeout.DurationValue() == 0 {
		w.DisposeTimeout = Duration(defaultDisposeTimeout)
	}
	for i, backend := range w.BackendPreference {
		w.BackendPreference[i] = strings.ToLower(strings.TrimSpace(backend))
	}
}

func applyArtifactDefaults(a *ArtifactConfig) {
	a.Name = strings.TrimSpace(a.Name)
	a.URL = strings.TrimSpace(a.URL)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
