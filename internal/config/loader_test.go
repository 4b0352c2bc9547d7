package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data/modelhub.db"
CacheTTL = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsIntegerSeconds(t *testing.T) {
	cfg := `
StoragePath = "./data/modelhub.db"
CacheTTL = 3600

[Worker]
CallTimeout = 15
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("整数秒配置应被接受: %v", err)
	}
	if loaded.Global.CacheTTL.DurationValue().Seconds() != 3600 {
		t.Fatalf("CacheTTL 应为 3600s，得到 %s", loaded.Global.CacheTTL.DurationValue())
	}
	if loaded.CallTimeout().Seconds() != 15 {
		t.Fatalf("CallTimeout 应为 15s，得到 %s", loaded.CallTimeout())
	}
}
