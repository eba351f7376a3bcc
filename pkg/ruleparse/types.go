package ruleparse

import "time"

// Config 规则解析服务客户端配置
type Config struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		BaseURL: "http://localhost:8180",
		Timeout: 10 * time.Second,
	}
}

// ConditionSpec 解析产出的单个条件
type ConditionSpec struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// ActionSpec 解析产出的单个动作
type ActionSpec struct {
	Type     string                 `json:"type"`
	Params   map[string]interface{} `json:"params"`
	Critical bool                   `json:"critical"`
}

// ParseRequest 自然语言规则解析请求
type ParseRequest struct {
	Description string `json:"description"`
}

// ParseResult 解析服务的结构化输出。引擎只依赖这一契约，
// 解析质量与提示词设计由外部服务负责。
type ParseResult struct {
	Name        string          `json:"name"`
	TriggerType string          `json:"trigger"`
	Schedule    string          `json:"schedule,omitempty"`
	Conditions  []ConditionSpec `json:"conditions"`
	Actions     []ActionSpec    `json:"actions"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
