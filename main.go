package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/any-hub/modelhub/internal/config"
	"github.com/any-hub/modelhub/internal/logging"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	command     string
	args        []string
}

// 子命令名称；省略时默认为 serve。
const (
	cmdServe    = "serve"
	cmdFetch    = "fetch"
	cmdPrefetch = "prefetch"
	cmdStats    = "stats"
	cmdCleanup  = "cleanup"
	cmdRun      = "run"
	cmdWorker   = "worker"
)

var commands = map[string]func(ctx context.Context, env *commandEnv) error{
	cmdServe:    runServe,
	cmdFetch:    runFetch,
	cmdPrefetch: runPrefetch,
	cmdStats:    runStats,
	cmdCleanup:  runCleanup,
	cmdRun:      runArtifact,
	cmdWorker:   runWorker,
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// commandEnv 是子命令共享的运行环境。
type commandEnv struct {
	opts   cliOptions
	cfg    *config.Config
	logger *logrus.Logger
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}
	if opts.command == "" {
		opts.command = cmdServe
	}
	handler, ok := commands[opts.command]
	if !ok {
		fmt.Fprintf(stdErr, "未知子命令: %s\n", opts.command)
		return 2
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	// worker 子进程的 stdout 承载 RPC 帧，日志只能去 stderr 或文件。
	initLogger := logging.InitLogger
	if opts.command == cmdWorker {
		initLogger = logging.InitWorkerLogger
	}
	logger, err := initLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["artifacts"] = len(cfg.Artifacts)
		fields["worker_mode"] = cfg.Worker.Mode
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := &commandEnv{opts: opts, cfg: cfg, logger: logger}
	if err := handler(ctx, env); err != nil {
		logger.WithError(err).WithField("action", opts.command).Error("command_failed")
		fmt.Fprintf(stdErr, "%s 失败: %v\n", opts.command, err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
// 第一个非标志参数为子命令，其后的参数原样交给子命令。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := pflag.NewFlagSet("modelhub", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(false)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVarP(&configFlag, "config", "c", "", "配置文件路径（默认 ./config.toml，可被 MODELHUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVarP(&showVer, "version", "v", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("MODELHUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	command := cmdServe
	rest := fs.Args()
	if len(rest) > 0 {
		command = rest[0]
		rest = rest[1:]
	}
	if _, ok := commands[command]; !ok {
		return cliOptions{}, fmt.Errorf("未知子命令: %s", command)
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		command:     command,
		args:        rest,
	}, nil
}
