package config

import (
	"testing"
	"time"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Server.Host == "" {
		t.Error("expected Server.Host to be set")
	}
	if cfg.Server.Port == 0 {
		t.Error("expected Server.Port to be non-zero")
	}
	if cfg.Database.Name == "" {
		t.Error("expected Database.Name to be set")
	}

	// 验证默认值
	if cfg.Log.Level == "" {
		t.Error("expected Log.Level to be set")
	}
}

func TestConfig_DatabaseSettings(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Database.MaxOpenConns == 0 {
		t.Error("expected MaxOpenConns to be set")
	}
	if cfg.Database.MaxIdleConns == 0 {
		t.Error("expected MaxIdleConns to be set")
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		t.Error("expected ConnMaxLifetime to be set")
	}
}

func TestConfig_EngineDefaults(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Engine.Workers == 0 {
		t.Error("expected engine workers to be set")
	}
	if cfg.Engine.SchedulerInterval == 0 {
		t.Error("expected scheduler interval to be set")
	}
	if cfg.Engine.DispatchTimeout == 0 {
		t.Error("expected dispatch timeout to be set")
	}
	if cfg.Engine.DispatchRetries == 0 {
		t.Error("expected dispatch retries to be set")
	}
}

func TestConfig_BreakerSettings(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Engine.Breaker.MaxFailures == 0 {
		t.Error("expected circuit breaker max failures to be set")
	}
	if cfg.Engine.Breaker.ResetTimeout == 0 {
		t.Error("expected circuit breaker reset timeout to be set")
	}
}

func TestConfig_RuleParseDefaults(t *testing.T) {
	cfg := GetDefaultConfig()

	// 解析服务默认关闭，但端点和超时要有缺省值
	if cfg.RuleParse.Enabled {
		t.Error("rule parse should be disabled by default")
	}
	if cfg.RuleParse.BaseURL == "" {
		t.Error("expected rule parse base URL to be set")
	}
	if cfg.RuleParse.Timeout == 0 {
		t.Error("expected rule parse timeout to be set")
	}
}

func TestConfig_SecurityDefaults(t *testing.T) {
	cfg := GetDefaultConfig()

	if !cfg.Security.CORS.Enabled {
		t.Error("expected CORS to be enabled")
	}
	if !cfg.Security.RateLimiting.Enabled {
		t.Error("expected rate limiting to be enabled")
	}
}

func TestConfig_RateLimiting(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Security.RateLimiting.Enabled == false {
		t.Error("expected rate limiting to be enabled")
	}
	if cfg.Security.RateLimiting.RequestsPerMinute == 0 {
		t.Error("expected requests per minute to be set")
	}
	if cfg.Security.RateLimiting.Burst == 0 {
		t.Error("expected burst to be set")
	}
}

func TestConfig_Monitoring(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Monitoring.Enabled == false {
		t.Error("expected monitoring to be enabled")
	}
}

func TestConfig_CORS(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Security.CORS.Enabled == false {
		t.Error("expected CORS to be enabled")
	}
	if len(cfg.Security.CORS.AllowedOrigins) == 0 {
		t.Error("expected allowed origins to be set")
	}
	if len(cfg.Security.CORS.AllowedMethods) == 0 {
		t.Error("expected allowed methods to be set")
	}
}

func TestConfig_DurationValidation(t *testing.T) {
	cfg := GetDefaultConfig()

	// 验证时间单位设置合理
	if cfg.Database.ConnMaxLifetime < time.Minute {
		t.Error("connection max lifetime should be at least 1 minute")
	}
	if cfg.Engine.Breaker.ResetTimeout < time.Second {
		t.Error("circuit breaker reset timeout should be at least 1 second")
	}
}

func TestInitLogger_DefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Output = "stdout"

	err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("InitLogger failed: %v", err)
	}
}

func TestInitLogger_CustomLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Output = "stdout"
	cfg.Log.Level = "debug"

	err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("InitLogger with debug level failed: %v", err)
	}
}

func TestInitLogger_InvalidLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Output = "stdout"
	cfg.Log.Level = "invalid"

	// 应该使用默认的 info 级别
	err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("InitLogger with invalid level failed: %v", err)
	}
}

func TestInitLogger_TextFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Output = "stdout"
	cfg.Log.Format = "text"

	err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("InitLogger with text format failed: %v", err)
	}
}

func TestInitLogger_FileOutput(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Output = "file"
	cfg.Log.FilePath = t.TempDir() + "/flowdesk-test.log"

	err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("InitLogger with file output failed: %v", err)
	}
}

func TestInitLogger_BothOutput(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Output = "both"
	cfg.Log.FilePath = t.TempDir() + "/flowdesk-both.log"

	err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("InitLogger with both output failed: %v", err)
	}
}

func TestInitLogger_InvalidOutput(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Output = "invalid"

	// 应该回退到 stdout
	err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("InitLogger with invalid output failed: %v", err)
	}
}

func TestConfig_TracingDefaults(t *testing.T) {
	cfg := GetDefaultConfig()

	// 验证追踪默认配置
	if cfg.Monitoring.Tracing.Enabled {
		t.Error("tracing should be disabled by default")
	}
	if cfg.Monitoring.Tracing.Endpoint == "" {
		t.Error("expected tracing endpoint to be set")
	}
	if cfg.Monitoring.Tracing.SampleRatio == 0 {
		t.Error("expected sample ratio to be set")
	}
}
