// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
)

// PartitionKind is the closed set of partition-routing variants (§4.7).
type PartitionKind string

const (
	PartitionNone         PartitionKind = "none"
	PartitionList         PartitionKind = "list"
	PartitionDatetime     PartitionKind = "datetime"
	PartitionParentStream PartitionKind = "parent_stream"
	PartitionAsyncJob     PartitionKind = "async_job"
)

// PartitionConfig configures a stream's partition router (§4.7).
type PartitionConfig struct {
	Type PartitionKind `yaml:"type,omitempty" json:"type,omitempty"`

	// list
	Values []string `yaml:"values,omitempty" json:"values,omitempty"`
	Field  string   `yaml:"field,omitempty" json:"field,omitempty"`

	// datetime. StartField/EndField name the template-context "partition.*"
	// substitutions; StartParam/EndParam, when set, additionally surface the
	// same window bounds as direct request query parameters, so a connector
	// that wants them on the outgoing request doesn't have to route them
	// through a params template.
	StartField    string `yaml:"start_field,omitempty" json:"start_field,omitempty"`
	EndField      string `yaml:"end_field,omitempty" json:"end_field,omitempty"`
	StartParam    string `yaml:"start_param,omitempty" json:"start_param,omitempty"`
	EndParam      string `yaml:"end_param,omitempty" json:"end_param,omitempty"`
	StepDays      int    `yaml:"step_days,omitempty" json:"step_days,omitempty"`
	DatetimeStart string `yaml:"start,omitempty" json:"start,omitempty"`
	DatetimeEnd   string `yaml:"end,omitempty" json:"end,omitempty"`

	// parent_stream
	ParentStream    string `yaml:"parent_stream,omitempty" json:"parent_stream,omitempty"`
	ParentField     string `yaml:"parent_field,omitempty" json:"parent_field,omitempty"`
	PartitionField  string `yaml:"partition_field,omitempty" json:"partition_field,omitempty"`

	// async_job
	AsyncJob *AsyncJobConfig `yaml:"async_job,omitempty" json:"async_job,omitempty"`
}

func (p PartitionConfig) kindOrDefault() PartitionKind {
	if p.Type == "" {
		return PartitionNone
	}
	return p.Type
}

// AsyncJobConfig configures the CREATE -> POLL -> DOWNLOAD sub-state-machine
// (§4.7). Every expression field is evaluated with github.com/expr-lang/expr,
// a teacher go.mod dependency the retrieved source never exercised.
type AsyncJobConfig struct {
	CreatePath      string `yaml:"create_path" json:"create_path"`
	CreateMethod    string `yaml:"create_method,omitempty" json:"create_method,omitempty"`
	JobIDPath       string `yaml:"job_id_path" json:"job_id_path"`
	PollPath        string `yaml:"poll_path" json:"poll_path"`
	PollIntervalMS  int    `yaml:"poll_interval_ms,omitempty" json:"poll_interval_ms,omitempty"`
	CompletedWhen   string `yaml:"completed_when" json:"completed_when"`
	FailedWhen      string `yaml:"failed_when,omitempty" json:"failed_when,omitempty"`
	StatusPath      string `yaml:"status_path" json:"status_path"`
	DownloadURLPath string `yaml:"download_url_path,omitempty" json:"download_url_path,omitempty"`
	TimeoutSeconds  int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`

	// download is a fallback request issued when the poll response carries
	// no download_url_path (some APIs hand back the artifact at a
	// predetermined, job_id-templated location instead of returning it in
	// the poll body). Its shape mirrors create/poll: a method, headers, and
	// a templated body evaluated against the same job_id/partition context.
	DownloadPath    string            `yaml:"download_path,omitempty" json:"download_path,omitempty"`
	DownloadMethod  string            `yaml:"download_method,omitempty" json:"download_method,omitempty"`
	DownloadHeaders map[string]string `yaml:"download_headers,omitempty" json:"download_headers,omitempty"`
	DownloadBody    string            `yaml:"download_body,omitempty" json:"download_body,omitempty"`
}

func (c AsyncJobConfig) downloadMethodOrDefault() string {
	if c.DownloadMethod == "" {
		return "GET"
	}
	return c.DownloadMethod
}

func (c AsyncJobConfig) createMethodOrDefault() string {
	if c.CreateMethod == "" {
		return "POST"
	}
	return c.CreateMethod
}

func (c AsyncJobConfig) pollIntervalOrDefault() time.Duration {
	if c.PollIntervalMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c AsyncJobConfig) timeoutOrDefault() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Partition is one unit of work a stream iterates over (§4.7). Its Values
// are merged into the template context's "partition" root; Params, when
// non-empty, are additionally merged directly into the outgoing request's
// query parameters (e.g. datetime's start_param/end_param).
type Partition struct {
	ID     string
	Values map[string]string
	Params map[string]string

	// parent_stream
	ParentRecord map[string]interface{}
}

// AsyncJobState is the async_job sub-state-machine's state (§4.7).
type AsyncJobState string

const (
	AsyncJobCreate   AsyncJobState = "create"
	AsyncJobPoll     AsyncJobState = "poll"
	AsyncJobDownload AsyncJobState = "download"
	AsyncJobDone     AsyncJobState = "done"
	AsyncJobFailed   AsyncJobState = "failed"
)

// BuildPartitions enumerates static partitions (none/list/datetime). The
// parent_stream variant is driven record-by-record by the orchestrator
// instead (it depends on another stream's live output) and is not produced
// here; async_job partitions are the single implicit partition whose
// sub-state-machine the stream runner advances via runAsyncJobPartition.
func BuildPartitions(cfg PartitionConfig) ([]Partition, error) {
	switch cfg.kindOrDefault() {
	case PartitionNone:
		return []Partition{{ID: "default", Values: map[string]string{}}}, nil

	case PartitionList:
		out := make([]Partition, 0, len(cfg.Values))
		for _, v := range cfg.Values {
			field := cfg.Field
			if field == "" {
				field = "value"
			}
			out = append(out, Partition{ID: v, Values: map[string]string{field: v}})
		}
		return out, nil

	case PartitionDatetime:
		return buildDatetimePartitions(cfg)

	case PartitionAsyncJob:
		return []Partition{{ID: "default", Values: map[string]string{}}}, nil

	case PartitionParentStream:
		return nil, newErrf(KindConfigError, "partition.type", "parent_stream partitions are produced by the orchestrator, not BuildPartitions")

	default:
		return nil, newErrf(KindConfigError, "partition.type", "unsupported partition type %q", cfg.Type)
	}
}

func buildDatetimePartitions(cfg PartitionConfig) ([]Partition, error) {
	start, err := time.Parse(time.RFC3339, cfg.DatetimeStart)
	if err != nil {
		return nil, newErr(KindConfigError, "partition.start", err)
	}
	end, err := time.Parse(time.RFC3339, cfg.DatetimeEnd)
	if err != nil {
		return nil, newErr(KindConfigError, "partition.end", err)
	}
	step := cfg.StepDays
	if step <= 0 {
		step = 1
	}
	startField := cfg.StartField
	if startField == "" {
		startField = "start"
	}
	endField := cfg.EndField
	if endField == "" {
		endField = "end"
	}

	var out []Partition
	cur := start
	for !cur.After(end) {
		next := cur.AddDate(0, 0, step)
		if next.After(end.AddDate(0, 0, 1)) {
			next = end.AddDate(0, 0, 1)
		}
		startVal := cur.Format(time.RFC3339)
		endVal := next.Format(time.RFC3339)

		var params map[string]string
		if cfg.StartParam != "" || cfg.EndParam != "" {
			params = map[string]string{}
			if cfg.StartParam != "" {
				params[cfg.StartParam] = startVal
			}
			if cfg.EndParam != "" {
				params[cfg.EndParam] = endVal
			}
		}

		out = append(out, Partition{
			ID: cur.Format("2006-01-02"),
			Values: map[string]string{
				startField: startVal,
				endField:   endVal,
			},
			Params: params,
		})
		cur = next
	}
	return out, nil
}

// NewParentPartition derives a partition from one parent stream record
// (§4.7 parent_stream variant).
func NewParentPartition(cfg PartitionConfig, extractor *pathExtractor, parentRecord map[string]interface{}) (Partition, error) {
	val, err := extractor.ExtractScalar(parentRecord, cfg.ParentField)
	if err != nil {
		return Partition{}, err
	}
	id := ScalarToString(val)
	field := cfg.PartitionField
	if field == "" {
		field = "parent_id"
	}
	return Partition{
		ID:           id,
		Values:       map[string]string{field: id},
		ParentRecord: parentRecord,
	}, nil
}

// evalJobCondition evaluates a completed_when/failed_when expression
// against the async job's decoded poll body.
func evalJobCondition(expression string, body interface{}, statusPath string, extractor *pathExtractor) (bool, error) {
	if expression == "" {
		return false, nil
	}
	status, err := extractor.ExtractScalar(body, statusPath)
	if err != nil {
		return false, err
	}
	program, err := expr.Compile(expression, expr.Env(map[string]interface{}{"status": ""}), expr.AsBool())
	if err != nil {
		return false, newErr(KindConfigError, "async_job.condition", err)
	}
	out, err := expr.Run(program, map[string]interface{}{"status": ScalarToString(status)})
	if err != nil {
		return false, newErr(KindConfigError, "async_job.condition", err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// newJobID mints a job identifier when the connector's create response
// carries none, mirroring the teacher's reliance on google/uuid for
// synthetic identifiers.
func newJobID() string {
	return uuid.New().String()
}
