// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// runAsyncJobPartition drives the CREATE -> POLL -> DOWNLOAD sub-state-
// machine for one partition (§4.7). A failed_when match or a timeout ends
// the partition with a KindAsyncJobFailed or KindAsyncJobTimeout error
// respectively.
func (r *StreamRunner) runAsyncJobPartition(ctx context.Context, config RuntimeConfig, part Partition) error {
	job := r.stream.Partition.AsyncJob
	baseCtx := r.baseTemplateContext(config, part.Values, "")

	deadline := time.Now().Add(job.timeoutOrDefault())

	state := AsyncJobCreate
	var jobID string
	var pollBody interface{}

	for {
		select {
		case <-ctx.Done():
			return newErr(KindCancelled, "async_job", ctx.Err())
		default:
		}

		switch state {
		case AsyncJobCreate:
			var err error
			jobID, err = r.createAsyncJob(ctx, baseCtx, job)
			if err != nil {
				return err
			}
			state = AsyncJobPoll

		case AsyncJobPoll:
			if time.Now().After(deadline) {
				return newErrf(KindAsyncJobTimeout, "async_job", "job %s did not complete within %s", jobID, job.timeoutOrDefault())
			}

			body, err := r.pollAsyncJob(ctx, baseCtx, job, jobID)
			if err != nil {
				return err
			}
			pollBody = body

			failed, err := evalJobCondition(job.FailedWhen, body, job.StatusPath, r.extractor)
			if err != nil {
				return err
			}
			if failed {
				return newErrf(KindAsyncJobFailed, "async_job", "job %s reported a failed status", jobID)
			}

			completed, err := evalJobCondition(job.CompletedWhen, body, job.StatusPath, r.extractor)
			if err != nil {
				return err
			}
			if completed {
				state = AsyncJobDownload
				continue
			}

			select {
			case <-time.After(job.pollIntervalOrDefault()):
			case <-ctx.Done():
				return newErr(KindCancelled, "async_job", ctx.Err())
			}

		case AsyncJobDownload:
			if err := r.downloadAsyncJob(ctx, baseCtx, job, jobID, pollBody); err != nil {
				return err
			}
			r.states.CompletePartition(r.stream.Name, part.ID, jobID)
			return r.emitState()
		}
	}
}

func (r *StreamRunner) createAsyncJob(ctx context.Context, baseCtx TemplateContext, job *AsyncJobConfig) (string, error) {
	path, err := expandTemplate(job.CreatePath, baseCtx)
	if err != nil {
		return "", err
	}
	body, err := expandTemplate(r.stream.Body, baseCtx)
	if err != nil {
		return "", err
	}
	headers := mergeParams(r.connector.Headers, r.stream.Headers, nil)

	requestID := uuid.New().String()
	_, raw, err := r.executor.Execute(ctx, r.auth, func() (*http.Request, error) {
		req, err := buildRequest(ctx, job.createMethodOrDefault(), path, headers, body)
		if err != nil {
			return nil, newErr(KindConfigError, "partition.async_job.create_path", err)
		}
		return req, nil
	}, requestID)
	if err != nil {
		return "", err
	}
	decoded, err := decodeJSON(raw)
	if err != nil {
		return "", err
	}

	val, err := r.extractor.ExtractScalar(decoded, job.JobIDPath)
	if err != nil {
		return "", err
	}
	id := ScalarToString(val)
	if id == "" {
		id = newJobID()
	}
	return id, nil
}

func (r *StreamRunner) pollAsyncJob(ctx context.Context, baseCtx TemplateContext, job *AsyncJobConfig, jobID string) (interface{}, error) {
	pollCtx := baseCtx
	pollCtx.Partition = mergeParams(stringMapCopy(baseCtx.Partition), map[string]string{"job_id": jobID})

	path, err := expandTemplate(job.PollPath, pollCtx)
	if err != nil {
		return nil, err
	}
	headers := mergeParams(r.connector.Headers, r.stream.Headers, nil)

	requestID := uuid.New().String()
	_, raw, err := r.executor.Execute(ctx, r.auth, func() (*http.Request, error) {
		req, err := buildRequest(ctx, "GET", path, headers, "")
		if err != nil {
			return nil, newErr(KindConfigError, "partition.async_job.poll_path", err)
		}
		return req, nil
	}, requestID)
	if err != nil {
		return nil, err
	}
	return decodeJSON(raw)
}

// downloadAsyncJob fetches the completed job's output. The poll response's
// download_url_path is tried first; when it resolves to nothing and a
// download request is configured, that fallback is issued instead (some
// APIs hand the artifact back at a job_id-templated location rather than
// echoing a URL in the poll body) — only when neither is available does
// this fail with a ConfigError.
func (r *StreamRunner) downloadAsyncJob(ctx context.Context, baseCtx TemplateContext, job *AsyncJobConfig, jobID string, pollBody interface{}) error {
	var raw []byte

	downloadURL := ""
	if job.DownloadURLPath != "" {
		val, err := r.extractor.ExtractScalar(pollBody, job.DownloadURLPath)
		if err != nil {
			return err
		}
		downloadURL = ScalarToString(val)
	}

	requestID := uuid.New().String()
	switch {
	case downloadURL != "":
		_, body, err := r.executor.Execute(ctx, r.auth, func() (*http.Request, error) {
			req, err := buildRequest(ctx, "GET", downloadURL, nil, "")
			if err != nil {
				return nil, newErr(KindConfigError, "partition.async_job.download_url_path", err)
			}
			return req, nil
		}, requestID)
		if err != nil {
			return err
		}
		raw = body

	case job.DownloadPath != "":
		downloadCtx := baseCtx
		downloadCtx.Partition = mergeParams(stringMapCopy(baseCtx.Partition), map[string]string{"job_id": jobID})

		path, err := expandTemplate(job.DownloadPath, downloadCtx)
		if err != nil {
			return err
		}
		body, err := expandTemplate(job.DownloadBody, downloadCtx)
		if err != nil {
			return err
		}
		headers := mergeParams(r.connector.Headers, r.stream.Headers, job.DownloadHeaders)

		_, respBody, err := r.executor.Execute(ctx, r.auth, func() (*http.Request, error) {
			req, err := buildRequest(ctx, job.downloadMethodOrDefault(), path, headers, body)
			if err != nil {
				return nil, newErr(KindConfigError, "partition.async_job.download_path", err)
			}
			return req, nil
		}, requestID)
		if err != nil {
			return err
		}
		raw = respBody

	default:
		return newErrf(KindConfigError, "partition.async_job.download_url_path", "download url resolved to nothing and no download_path fallback is configured")
	}

	decoded, err := Decode(raw, r.stream.Decoder)
	if err != nil {
		return err
	}
	records, err := r.extractor.ExtractRecords(decoded, r.stream.RecordPath)
	if err != nil {
		return err
	}
	return r.emitRecords(records)
}

func stringMapCopy(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
