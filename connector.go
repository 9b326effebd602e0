// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"os"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig is the opaque, user-supplied config tree, addressable as
// config.<key> from templates (§3). Represented the same way the teacher
// represents Config.RootContext: an untyped map produced by yaml.v3.
type RuntimeConfig map[string]interface{}

// ConnectorDefinition is the immutable, validated connector (§3).
type ConnectorDefinition struct {
	Name           string              `yaml:"name" json:"name"`
	Version        string              `yaml:"version" json:"version"`
	BaseURL        string              `yaml:"base_url" json:"base_url"`
	Authentication *AuthenticatorConfig `yaml:"auth,omitempty" json:"auth,omitempty"`
	HTTP           HTTPConfig          `yaml:"http,omitempty" json:"http,omitempty"`
	Headers        map[string]string   `yaml:"headers,omitempty" json:"headers,omitempty"`
	Params         map[string]string   `yaml:"params,omitempty" json:"params,omitempty"`
	Check          *CheckProbe         `yaml:"check,omitempty" json:"check,omitempty"`
	Streams        []StreamDefinition  `yaml:"streams" json:"streams"`
}

// CheckProbe is the connectivity probe used by the (out-of-scope) CLI/HTTP
// `check` surface; the engine only needs to carry its shape.
type CheckProbe struct {
	Path           string `yaml:"path" json:"path"`
	ExpectedStatus int    `yaml:"expected_status,omitempty" json:"expected_status,omitempty"`
}

// HTTPConfig configures the HTTP executor (§4.3).
type HTTPConfig struct {
	TimeoutSeconds        int            `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	ConnectTimeoutSeconds int            `yaml:"connect_timeout_seconds,omitempty" json:"connect_timeout_seconds,omitempty"`
	RequestsPerSecond     float64        `yaml:"requests_per_second,omitempty" json:"requests_per_second,omitempty"`
	RespectHeaders        bool           `yaml:"respect_headers,omitempty" json:"respect_headers,omitempty"`
	RetryStatuses         []int          `yaml:"retry_statuses,omitempty" json:"retry_statuses,omitempty"`
	Backoff               BackoffConfig  `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	MaxRetries            int            `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// BackoffConfig configures the default exponential schedule (§4.3).
type BackoffConfig struct {
	InitialMS  int     `yaml:"initial_ms,omitempty" json:"initial_ms,omitempty"`
	Multiplier float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	MaxMS      int     `yaml:"max_ms,omitempty" json:"max_ms,omitempty"`
}

// ErrorPolicy is a stream's behavior on a failed page (§4.8).
type ErrorPolicy string

const (
	ErrorPolicyFail  ErrorPolicy = "fail"
	ErrorPolicyRetry ErrorPolicy = "retry"
	ErrorPolicySkip  ErrorPolicy = "skip"
)

// StreamDefinition is one stream within a connector (§3).
type StreamDefinition struct {
	Name           string              `yaml:"name" json:"name"`
	Method         string              `yaml:"method,omitempty" json:"method,omitempty"`
	Path           string              `yaml:"path" json:"path"`
	Params         map[string]string   `yaml:"params,omitempty" json:"params,omitempty"`
	Headers        map[string]string   `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body           string              `yaml:"body,omitempty" json:"body,omitempty"`
	Decoder        DecoderConfig       `yaml:"decoder,omitempty" json:"decoder,omitempty"`
	RecordPath     string              `yaml:"record_path" json:"record_path"`
	PrimaryKey     []string            `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`
	CursorField    string              `yaml:"cursor_field,omitempty" json:"cursor_field,omitempty"`
	Incremental    *IncrementalConfig  `yaml:"incremental,omitempty" json:"incremental,omitempty"`
	Pagination     PaginationConfig    `yaml:"pagination,omitempty" json:"pagination,omitempty"`
	Partition      PartitionConfig     `yaml:"partition,omitempty" json:"partition,omitempty"`
	ErrorPolicy    ErrorPolicy         `yaml:"error_policy,omitempty" json:"error_policy,omitempty"`
	Authentication *AuthenticatorConfig `yaml:"auth,omitempty" json:"auth,omitempty"`
}

// IncrementalConfig describes a stream's cursor behavior (§4.8, §9).
type IncrementalConfig struct {
	CursorParam     string         `yaml:"cursor_param,omitempty" json:"cursor_param,omitempty"`
	CursorFormat    CursorOrdering `yaml:"cursor_format,omitempty" json:"cursor_format,omitempty"`
	LookbackSeconds int            `yaml:"lookback_seconds,omitempty" json:"lookback_seconds,omitempty"`
}

func (s StreamDefinition) methodOrDefault() string {
	if s.Method == "" {
		return "GET"
	}
	return s.Method
}

func (s StreamDefinition) errorPolicyOrDefault() ErrorPolicy {
	if s.ErrorPolicy == "" {
		return ErrorPolicyRetry
	}
	return s.ErrorPolicy
}

// LoadConnector parses a YAML connector definition from path and validates
// it. Mirrors the teacher's NewApiCrawler(configPath) flow: read file,
// yaml.Unmarshal, then ValidateConnector before returning anything usable.
func LoadConnector(path string) (*ConnectorDefinition, []ValidationError, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return ParseConnector(data)
}

// ParseConnector parses and validates an in-memory YAML document.
func ParseConnector(data []byte) (*ConnectorDefinition, []ValidationError, error) {
	var cfg ConnectorDefinition
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, newErr(KindConfigError, "", err)
	}
	errs := ValidateConnector(cfg)
	if len(errs) != 0 {
		return nil, errs, newErrf(KindConfigError, "", "connector validation failed with %d error(s)", len(errs))
	}
	return &cfg, nil, nil
}
