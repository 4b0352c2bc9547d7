package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/modelhub/internal/cache"
	"github.com/any-hub/modelhub/internal/config"
	"github.com/any-hub/modelhub/internal/download"
	"github.com/any-hub/modelhub/internal/engine"
	"github.com/any-hub/modelhub/internal/logging"
	"github.com/any-hub/modelhub/internal/rpc"
	"github.com/any-hub/modelhub/internal/server"
	"github.com/any-hub/modelhub/internal/server/routes"
	"github.com/any-hub/modelhub/internal/version"
	"github.com/any-hub/modelhub/internal/worker"
)

// shutdownTimeout 限制 serve 收到信号后的优雅退出时长。
const shutdownTimeout = 10 * time.Second

// openCache 按“配置 → SQLite 存储 → 下载器 → ArtifactCache”顺序构建缓存，
// 所有子命令共享同一套装配逻辑。
func openCache(cfg *config.Config, logger *logrus.Logger) (*cache.ArtifactCache, error) {
	store, err := cache.NewSQLiteStore(cache.SQLiteOptions{
		Path:     cfg.Global.StoragePath,
		Compress: cfg.Global.CompressPayloads,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化缓存数据库失败: %w", err)
	}

	downloader := download.New(download.NewHTTPClient(cfg), download.Options{
		Threshold: cfg.Global.RangeThreshold,
		ChunkSize: cfg.Global.ChunkSize,
		Logger:    logger,
	})

	artifactCache, err := cache.NewArtifactCache(store, downloader, cache.Options{
		TTL:        cfg.Global.CacheTTL.DurationValue(),
		Logger:     logger,
		OnProgress: progressLogger(logger),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return artifactCache, nil
}

func progressLogger(logger *logrus.Logger) cache.ProgressFunc {
	return func(url string, done, total int64) {
		logger.WithFields(logrus.Fields{
			"action": "download_progress",
			"url":    url,
			"done":   done,
			"total":  total,
		}).Debug("chunk_complete")
	}
}

// runServe 启动 Fiber 诊断服务，直到收到退出信号。
func runServe(ctx context.Context, env *commandEnv) error {
	cfg, logger := env.cfg, env.logger

	registry, err := server.NewArtifactRegistry(cfg)
	if err != nil {
		return fmt.Errorf("构建制品注册表失败: %w", err)
	}
	artifactCache, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	defer artifactCache.Close()

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Cache:      artifactCache,
		Artifacts:  registry,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return err
	}
	routes.RegisterCacheRoutes(app, artifactCache, logger)
	routes.RegisterArtifactRoutes(app, registry, artifactCache, logger)
	routes.RegisterEngineRoutes(app, engine.Default(), cfg.Worker.BackendPreference)

	fields := logging.BaseFields("startup", env.opts.configPath)
	fields["artifacts"] = config.ArtifactNames(cfg.Artifacts)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["cache_ttl"] = cfg.Global.CacheTTL.DurationValue().String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("shutdown_failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.Global.ListenPort,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort))
}

// runFetch 经缓存读取一个或多个制品（名称或 URL），输出大小与命中状态。
func runFetch(ctx context.Context, env *commandEnv) error {
	if len(env.opts.args) == 0 {
		return errors.New("用法: modelhub fetch <name|url>...")
	}
	registry, err := server.NewArtifactRegistry(env.cfg)
	if err != nil {
		return err
	}
	artifactCache, err := openCache(env.cfg, env.logger)
	if err != nil {
		return err
	}
	defer artifactCache.Close()

	out := tabwriter.NewWriter(stdOut, 0, 4, 2, ' ', 0)
	fmt.Fprintln(out, "URL\tBYTES\tCACHE")
	for _, ref := range env.opts.args {
		url, err := registry.Resolve(ref)
		if err != nil {
			return err
		}
		payload, hit, err := artifactCache.FetchWithStatus(ctx, url)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%d\t%s\n", url, len(payload), hitLabel(hit))
	}
	return out.Flush()
}

// runPrefetch 以 PrefetchParallelism 并发预取全部已配置制品。
func runPrefetch(ctx context.Context, env *commandEnv) error {
	urls := env.cfg.ArtifactURLs()
	if len(env.opts.args) > 0 {
		registry, err := server.NewArtifactRegistry(env.cfg)
		if err != nil {
			return err
		}
		urls = make([]string, 0, len(env.opts.args))
		for _, ref := range env.opts.args {
			url, err := registry.Resolve(ref)
			if err != nil {
				return err
			}
			urls = append(urls, url)
		}
	}

	artifactCache, err := openCache(env.cfg, env.logger)
	if err != nil {
		return err
	}
	defer artifactCache.Close()

	if err := artifactCache.Prefetch(ctx, urls, env.cfg.Global.PrefetchParallelism); err != nil {
		return err
	}
	fmt.Fprintf(stdOut, "prefetched %d artifacts\n", len(urls))
	return nil
}

// runStats 打印缓存统计。
func runStats(ctx context.Context, env *commandEnv) error {
	artifactCache, err := openCache(env.cfg, env.logger)
	if err != nil {
		return err
	}
	defer artifactCache.Close()

	stats, err := artifactCache.Stats(ctx)
	if err != nil {
		return err
	}

	out := tabwriter.NewWriter(stdOut, 0, 4, 2, ' ', 0)
	fmt.Fprintln(out, "URL\tBYTES\tAGE\tEXPIRED")
	for _, entry := range stats.Entries {
		fmt.Fprintf(out, "%s\t%d\t%s\t%t\n", entry.URL, entry.Size, entry.Age.Truncate(time.Second), entry.Expired)
	}
	fmt.Fprintf(out, "total\t%d\t%d entries\t\n", stats.TotalBytes, stats.Count)
	return out.Flush()
}

// runCleanup 删除全部过期条目。
func runCleanup(ctx context.Context, env *commandEnv) error {
	artifactCache, err := openCache(env.cfg, env.logger)
	if err != nil {
		return err
	}
	defer artifactCache.Close()

	removed, err := artifactCache.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdOut, "removed %d expired entries\n", removed)
	return nil
}

// tensorFile 是 run 子命令输入/输出的 JSON 形式，data 为 base64。
type tensorFile map[string]tensorJSON

type tensorJSON struct {
	Type string  `json:"type"`
	Dims []int64 `json:"dims"`
	Data []byte  `json:"data"`
}

// runArtifact 经缓存取得制品，在 worker 中加载并执行一次，输出 JSON 结果。
func runArtifact(ctx context.Context, env *commandEnv) error {
	if len(env.opts.args) != 2 {
		return errors.New("用法: modelhub run <name|url> <inputs.json>")
	}
	ref, inputsPath := env.opts.args[0], env.opts.args[1]

	inputs, err := readTensorFile(inputsPath)
	if err != nil {
		return err
	}

	registry, err := server.NewArtifactRegistry(env.cfg)
	if err != nil {
		return err
	}
	url, err := registry.Resolve(ref)
	if err != nil {
		return err
	}
	name := ref
	var sessionOptions map[string]any
	if route, ok := registry.Lookup(ref); ok {
		name = route.Config.Name
		sessionOptions = route.Config.SessionOptions
	}

	artifactCache, err := openCache(env.cfg, env.logger)
	if err != nil {
		return err
	}
	defer artifactCache.Close()

	model, err := artifactCache.Fetch(ctx, url)
	if err != nil {
		return err
	}

	w, err := worker.Start(ctx, env.cfg.Worker.Mode, worker.OptionsFromConfig(env.cfg, env.opts.configPath, env.logger))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), env.cfg.DisposeTimeout()+time.Second)
		defer cancel()
		if err := w.Close(closeCtx); err != nil {
			env.logger.WithError(err).WithField("action", "worker_close").Warn("worker_close_failed")
		}
	}()

	initResult, err := w.Initialize(ctx, worker.InitializeRequest(env.cfg))
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	loaded, err := w.LoadArtifact(ctx, rpc.LoadArtifactRequest{
		Name:           name,
		Bytes:          model,
		SessionOptions: sessionOptions,
	})
	if err != nil {
		return fmt.Errorf("load-artifact: %w", err)
	}

	env.logger.WithFields(logrus.Fields{
		"action":  "run_artifact",
		"engine":  initResult.Engine,
		"name":    loaded.Name,
		"inputs":  loaded.InputNames,
		"outputs": loaded.OutputNames,
		"worker":  w.Mode(),
	}).Info("artifact_loaded")

	result, err := w.Execute(ctx, rpc.ExecuteRequest{Name: name, Inputs: inputs})
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	outputs := make(tensorFile, len(result.Outputs))
	for key, tensor := range result.Outputs {
		outputs[key] = tensorJSON{Type: tensor.Type, Dims: tensor.Dims, Data: tensor.Data}
	}
	encoder := json.NewEncoder(stdOut)
	encoder.SetIndent("", "  ")
	return encoder.Encode(outputs)
}

func readTensorFile(path string) (map[string]rpc.Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取输入文件失败: %w", err)
	}
	var file tensorFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("解析输入文件失败: %w", err)
	}
	inputs := make(map[string]rpc.Tensor, len(file))
	for key, tensor := range file {
		inputs[key] = rpc.Tensor{Type: tensor.Type, Dims: tensor.Dims, Data: tensor.Data}
	}
	return inputs, nil
}

// runWorker 是子进程模式的入口：stdin/stdout 承载 CBOR 帧，直到父进程关闭管道。
func runWorker(ctx context.Context, env *commandEnv) error {
	env.logger.WithFields(logrus.Fields{
		"action":  "worker_start",
		"pid":     os.Getpid(),
		"engines": engine.Default().Names(),
	}).Info("worker_ready")

	return worker.ServeStream(ctx, os.Stdin, os.Stdout, rpc.ServerOptions{
		Registry: engine.Default(),
		Logger:   env.logger,
	})
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
