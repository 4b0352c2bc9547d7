package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/any-hub/modelhub/internal/download/downloadtest"
	"github.com/any-hub/modelhub/internal/engine"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("MODELHUB_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}
	if opts.command != cmdServe {
		t.Fatalf("默认子命令应为 serve，得到 %s", opts.command)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestParseCLIFlagsSubcommand(t *testing.T) {
	t.Setenv("MODELHUB_CONFIG", "")

	opts, err := parseCLIFlags([]string{"-c", "hub.toml", "fetch", "encoder", "--not-a-flag"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.command != cmdFetch || opts.configPath != "hub.toml" {
		t.Fatalf("unexpected options %+v", opts)
	}
	if len(opts.args) != 2 || opts.args[0] != "encoder" || opts.args[1] != "--not-a-flag" {
		t.Fatalf("子命令之后的参数应原样保留，得到 %v", opts.args)
	}

	opts, err = parseCLIFlags([]string{"worker"})
	if err != nil || opts.command != cmdWorker || opts.configPath != "config.toml" {
		t.Fatalf("unexpected worker options %+v err=%v", opts, err)
	}

	if _, err := parseCLIFlags([]string{"explode"}); err == nil {
		t.Fatalf("未知子命令应报错")
	}
	if _, err := parseCLIFlags([]string{"--bogus"}); err == nil {
		t.Fatalf("未知标志应报错")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "modelhub") {
		t.Fatalf("version 输出应包含 modelhub 标识")
	}
}

func TestRunFetchStatsCleanup(t *testing.T) {
	upstream := downloadtest.NewUpstream()
	defer upstream.Close()
	url := upstream.Put("/encoder.onnx", bytes.Repeat([]byte("w"), 4096), `"v1"`)
	configPath := writeArtifactConfig(t, url)

	useBufferWriters(t)
	if code := run(cliOptions{configPath: configPath, command: cmdFetch, args: []string{"encoder"}}); code != 0 {
		t.Fatalf("fetch 失败: %s", stdErrBuffer().String())
	}
	if !strings.Contains(stdOutBuffer().String(), "miss") {
		t.Fatalf("首次 fetch 应为 miss: %s", stdOutBuffer().String())
	}

	stdOutBuffer().Reset()
	upstream.Reset()
	if code := run(cliOptions{configPath: configPath, command: cmdFetch, args: []string{url}}); code != 0 {
		t.Fatalf("fetch 失败: %s", stdErrBuffer().String())
	}
	if !strings.Contains(stdOutBuffer().String(), "hit") {
		t.Fatalf("第二次 fetch 应命中缓存: %s", stdOutBuffer().String())
	}
	if upstream.Count("") != 0 {
		t.Fatalf("命中缓存时不应访问上游，得到 %d 次请求", upstream.Count(""))
	}

	stdOutBuffer().Reset()
	if code := run(cliOptions{configPath: configPath, command: cmdStats}); code != 0 {
		t.Fatalf("stats 失败: %s", stdErrBuffer().String())
	}
	if out := stdOutBuffer().String(); !strings.Contains(out, url) || !strings.Contains(out, "4096") {
		t.Fatalf("stats 输出缺少条目: %s", out)
	}

	stdOutBuffer().Reset()
	if code := run(cliOptions{configPath: configPath, command: cmdCleanup}); code != 0 {
		t.Fatalf("cleanup 失败: %s", stdErrBuffer().String())
	}
	if !strings.Contains(stdOutBuffer().String(), "removed 0") {
		t.Fatalf("未过期条目不应被清理: %s", stdOutBuffer().String())
	}
}

func TestRunPrefetch(t *testing.T) {
	upstream := downloadtest.NewUpstream()
	defer upstream.Close()
	url := upstream.Put("/encoder.onnx", []byte("weights"), "")
	configPath := writeArtifactConfig(t, url)

	useBufferWriters(t)
	if code := run(cliOptions{configPath: configPath, command: cmdPrefetch}); code != 0 {
		t.Fatalf("prefetch 失败: %s", stdErrBuffer().String())
	}
	if !strings.Contains(stdOutBuffer().String(), "prefetched 1") {
		t.Fatalf("unexpected output %s", stdOutBuffer().String())
	}
	if upstream.Count("GET") != 1 {
		t.Fatalf("prefetch 应下载一次，得到 %d", upstream.Count("GET"))
	}
}

func TestRunArtifactEchoesInputs(t *testing.T) {
	model, err := engine.EncodeIdentityModel(map[string]string{"logits": "input_ids"})
	if err != nil {
		t.Fatalf("encode model: %v", err)
	}
	upstream := downloadtest.NewUpstream()
	defer upstream.Close()
	url := upstream.Put("/encoder.onnx", model, "")
	configPath := writeArtifactConfig(t, url)

	data := []byte{1, 0, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0}
	inputs, _ := json.Marshal(tensorFile{"input_ids": {Type: "int64", Dims: []int64{1, 2}, Data: data}})
	inputsPath := filepath.Join(t.TempDir(), "inputs.json")
	if err := os.WriteFile(inputsPath, inputs, 0o600); err != nil {
		t.Fatalf("写入输入失败: %v", err)
	}

	useBufferWriters(t)
	code := run(cliOptions{configPath: configPath, command: cmdRun, args: []string{"encoder", inputsPath}})
	if code != 0 {
		t.Fatalf("run 失败: %s", stdErrBuffer().String())
	}

	var outputs tensorFile
	if err := json.Unmarshal(stdOutBuffer().Bytes(), &outputs); err != nil {
		t.Fatalf("输出应为 JSON: %v (%s)", err, stdOutBuffer().String())
	}
	got, ok := outputs["logits"]
	if !ok || got.Type != "int64" || !bytes.Equal(got.Data, data) || len(got.Dims) != 2 {
		t.Fatalf("unexpected outputs %+v", outputs)
	}
}

func TestRunArtifactRejectsMissingInputs(t *testing.T) {
	model, _ := engine.EncodeIdentityModel(map[string]string{"logits": "input_ids"})
	upstream := downloadtest.NewUpstream()
	defer upstream.Close()
	url := upstream.Put("/encoder.onnx", model, "")
	configPath := writeArtifactConfig(t, url)

	inputsPath := filepath.Join(t.TempDir(), "inputs.json")
	if err := os.WriteFile(inputsPath, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("写入输入失败: %v", err)
	}

	useBufferWriters(t)
	if code := run(cliOptions{configPath: configPath, command: cmdRun, args: []string{"encoder", inputsPath}}); code == 0 {
		t.Fatalf("缺少输入应失败")
	}
	if !strings.Contains(stdErrBuffer().String(), "execute") {
		t.Fatalf("错误应来自 execute 调用: %s", stdErrBuffer().String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	useBufferWriters(t)
	if code := run(cliOptions{command: "explode"}); code != 2 {
		t.Fatalf("未知子命令应返回 2，得到 %d", code)
	}
}

func writeArtifactConfig(t *testing.T, url string) string {
	t.Helper()
	return writeConfigFile(t, fmt.Sprintf(`
LogLevel = "error"
StoragePath = "%s"
ListenPort = 5000

[Worker]
Mode = "inprocess"
CallTimeout = "10s"

[[Artifact]]
Name = "encoder"
URL = "%s"
`, filepath.Join(t.TempDir(), "modelhub.db"), url))
}
