package ruleparse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Parser 自然语言到结构化规则的解析能力，引擎视为黑盒协作方
type Parser interface {
	Parse(ctx context.Context, description string) (*ParseResult, error)
}

// Client 规则解析服务 HTTP 客户端
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient 创建新的解析客户端
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Parse 调用解析服务，返回结构化规则
func (c *Client) Parse(ctx context.Context, description string) (*ParseResult, error) {
	if description == "" {
		return nil, fmt.Errorf("description required")
	}

	bodyBytes, err := json.Marshal(&ParseRequest{Description: description})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/parse", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("parse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		if json.Unmarshal(respBytes, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("parse service error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("parse service error: status %d", resp.StatusCode)
	}

	var result ParseResult
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.Name == "" || result.TriggerType == "" {
		return nil, fmt.Errorf("parse service returned incomplete rule")
	}

	c.logger.Debugf("ruleparse: parsed %q into rule %q", description, result.Name)
	return &result, nil
}
