// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"fmt"
)

// ValidationError is one structural problem found in a connector definition.
type ValidationError struct {
	Message  string
	Location string // e.g. "streams[0].pagination.cursor_param"
}

func (e ValidationError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("%s: %s", e.Location, e.Message)
	}
	return e.Message
}

// validatePath compiles path as a gojq program and reports a failure as a
// ValidationError instead of letting it surface mid-sync as an ExtractError
// (§7's error taxonomy requires malformed path syntax to be a load-time
// ConfigError).
func validatePath(extractor *pathExtractor, path, location string) []ValidationError {
	if path == "" {
		return nil
	}
	if _, err := extractor.compile(path); err != nil {
		return []ValidationError{{fmt.Sprintf("invalid path syntax: %v", err), location}}
	}
	return nil
}

// ValidateConnector checks a parsed ConnectorDefinition for structural
// problems (§9) before it is ever used to build streams. Every error is
// collected rather than returned on first failure, the same style the
// teacher's ValidateConfig uses.
func ValidateConnector(cfg ConnectorDefinition) []ValidationError {
	var errs []ValidationError
	extractor := newPathExtractor()

	if cfg.Name == "" {
		errs = append(errs, ValidationError{"name is required", "name"})
	}
	if cfg.BaseURL == "" {
		errs = append(errs, ValidationError{"base_url is required", "base_url"})
	}
	if cfg.Authentication != nil {
		errs = append(errs, validateAuth(*cfg.Authentication, "auth")...)
	}

	if len(cfg.Streams) == 0 {
		errs = append(errs, ValidationError{"streams must be a non-empty array", "streams"})
	}

	names := map[string]bool{}
	for i, s := range cfg.Streams {
		loc := fmt.Sprintf("streams[%d]", i)
		if s.Name == "" {
			errs = append(errs, ValidationError{"name is required", loc + ".name"})
		} else if names[s.Name] {
			errs = append(errs, ValidationError{fmt.Sprintf("duplicate stream name %q", s.Name), loc + ".name"})
		} else {
			names[s.Name] = true
		}
		errs = append(errs, validateStream(s, loc, extractor)...)
	}

	errs = append(errs, validateParentStreamGraph(cfg.Streams)...)

	return errs
}

func validateStream(s StreamDefinition, location string, extractor *pathExtractor) []ValidationError {
	var errs []ValidationError

	if s.Path == "" {
		errs = append(errs, ValidationError{"path is required", location + ".path"})
	}
	if s.RecordPath == "" {
		errs = append(errs, ValidationError{"record_path is required", location + ".record_path"})
	} else {
		errs = append(errs, validatePath(extractor, s.RecordPath, location+".record_path")...)
	}
	if s.Authentication != nil {
		errs = append(errs, validateAuth(*s.Authentication, location+".auth")...)
	}

	errs = append(errs, validatePagination(s.Pagination, location+".pagination", extractor)...)
	errs = append(errs, validatePartition(s.Partition, location+".partition", extractor)...)

	if s.Incremental != nil && s.CursorField == "" {
		errs = append(errs, ValidationError{"cursor_field is required when incremental is configured", location + ".cursor_field"})
	}

	switch s.ErrorPolicy {
	case "", ErrorPolicyFail, ErrorPolicyRetry, ErrorPolicySkip:
	default:
		errs = append(errs, ValidationError{fmt.Sprintf("error_policy must be one of [fail, retry, skip], got %q", s.ErrorPolicy), location + ".error_policy"})
	}

	return errs
}

func validateAuth(auth AuthenticatorConfig, location string) []ValidationError {
	var errs []ValidationError

	switch auth.Type {
	case "", AuthNone, AuthCustomHeaders:
	case AuthAPIKey:
		if auth.Key == "" {
			errs = append(errs, ValidationError{"key is required when type is api_key", location + ".key"})
		}
		if auth.In != "" && auth.In != APIKeyInHeader && auth.In != APIKeyInQuery {
			errs = append(errs, ValidationError{"in must be 'header' or 'query'", location + ".in"})
		}
	case AuthBasic:
		if auth.Username == "" {
			errs = append(errs, ValidationError{"username is required when type is basic", location + ".username"})
		}
	case AuthBearer:
		if auth.Token == "" {
			errs = append(errs, ValidationError{"token is required when type is bearer", location + ".token"})
		}
	case AuthOAuth2ClientCredentials:
		if auth.TokenURL == "" {
			errs = append(errs, ValidationError{"token_url is required for oauth2_client_credentials", location + ".token_url"})
		}
		if auth.ClientID == "" {
			errs = append(errs, ValidationError{"client_id is required for oauth2_client_credentials", location + ".client_id"})
		}
	case AuthOAuth2Refresh:
		if auth.TokenURL == "" {
			errs = append(errs, ValidationError{"token_url is required for oauth2_refresh", location + ".token_url"})
		}
		if auth.RefreshToken == "" {
			errs = append(errs, ValidationError{"refresh_token is required for oauth2_refresh", location + ".refresh_token"})
		}
	case AuthSession:
		if auth.LoginRequest == nil {
			errs = append(errs, ValidationError{"login_request is required for session auth", location + ".login_request"})
		} else if auth.LoginRequest.Path == "" {
			errs = append(errs, ValidationError{"login_request.path is required", location + ".login_request.path"})
		}
		if auth.ExtractSelector == "" {
			errs = append(errs, ValidationError{"extract_selector is required for session auth", location + ".extract_selector"})
		}
	case AuthJWT:
		if auth.JWTSecret == "" && auth.JWTPrivateKey == "" {
			errs = append(errs, ValidationError{"jwt_secret or jwt_private_key is required for jwt auth", location + ".jwt_secret"})
		}
	default:
		errs = append(errs, ValidationError{fmt.Sprintf("type must be a known authenticator variant, got %q", auth.Type), location + ".type"})
	}

	return errs
}

func validatePagination(p PaginationConfig, location string, extractor *pathExtractor) []ValidationError {
	var errs []ValidationError

	errs = append(errs, validatePath(extractor, p.CursorPath, location+".cursor_path")...)
	errs = append(errs, validatePath(extractor, p.TotalCountPath, location+".total_count_path")...)
	errs = append(errs, validatePath(extractor, p.TotalPagesPath, location+".total_pages_path")...)
	errs = append(errs, validatePath(extractor, p.NextURLPath, location+".path")...)

	switch p.kindOrDefault() {
	case PaginationNone:
	case PaginationCursor:
		if p.CursorPath == "" {
			errs = append(errs, ValidationError{"cursor_path is required for cursor pagination", location + ".cursor_path"})
		}
	case PaginationOffset:
		if p.OffsetParam == "" {
			errs = append(errs, ValidationError{"offset_param is required for offset pagination", location + ".offset_param"})
		}
		if p.Limit <= 0 {
			errs = append(errs, ValidationError{"limit must be > 0 for offset pagination", location + ".limit"})
		}
	case PaginationPageNumber:
		if p.PageParam == "" {
			errs = append(errs, ValidationError{"page_param is required for page_number pagination", location + ".page_param"})
		}
	case PaginationLinkHeader:
		if p.LinkRel == "" {
			errs = append(errs, ValidationError{"link_rel is required for link_header pagination", location + ".link_rel"})
		}
	case PaginationNextURL:
		if p.NextURLPath == "" {
			errs = append(errs, ValidationError{"path is required for next_url pagination", location + ".path"})
		}
	default:
		errs = append(errs, ValidationError{fmt.Sprintf("type must be a known pagination variant, got %q", p.Type), location + ".type"})
	}

	return errs
}

func validatePartition(p PartitionConfig, location string, extractor *pathExtractor) []ValidationError {
	var errs []ValidationError

	switch p.kindOrDefault() {
	case PartitionNone:
	case PartitionList:
		if len(p.Values) == 0 {
			errs = append(errs, ValidationError{"values must be a non-empty array for list partitioning", location + ".values"})
		}
	case PartitionDatetime:
		if p.DatetimeStart == "" || p.DatetimeEnd == "" {
			errs = append(errs, ValidationError{"start and end are required for datetime partitioning", location})
		}
	case PartitionParentStream:
		if p.ParentStream == "" {
			errs = append(errs, ValidationError{"parent_stream is required for parent_stream partitioning", location + ".parent_stream"})
		}
		if p.ParentField == "" {
			errs = append(errs, ValidationError{"parent_field is required for parent_stream partitioning", location + ".parent_field"})
		}
	case PartitionAsyncJob:
		if p.AsyncJob == nil {
			errs = append(errs, ValidationError{"async_job is required for async_job partitioning", location + ".async_job"})
			break
		}
		j := p.AsyncJob
		if j.CreatePath == "" {
			errs = append(errs, ValidationError{"create_path is required", location + ".async_job.create_path"})
		}
		if j.JobIDPath == "" {
			errs = append(errs, ValidationError{"job_id_path is required", location + ".async_job.job_id_path"})
		} else {
			errs = append(errs, validatePath(extractor, j.JobIDPath, location+".async_job.job_id_path")...)
		}
		if j.PollPath == "" {
			errs = append(errs, ValidationError{"poll_path is required", location + ".async_job.poll_path"})
		}
		if j.StatusPath == "" {
			errs = append(errs, ValidationError{"status_path is required", location + ".async_job.status_path"})
		} else {
			errs = append(errs, validatePath(extractor, j.StatusPath, location+".async_job.status_path")...)
		}
		if j.CompletedWhen == "" {
			errs = append(errs, ValidationError{"completed_when is required", location + ".async_job.completed_when"})
		}
		if j.DownloadURLPath == "" && j.DownloadPath == "" {
			errs = append(errs, ValidationError{"download_url_path or download_path is required", location + ".async_job.download_url_path"})
		} else {
			errs = append(errs, validatePath(extractor, j.DownloadURLPath, location+".async_job.download_url_path")...)
		}
	default:
		errs = append(errs, ValidationError{fmt.Sprintf("type must be a known partition variant, got %q", p.Type), location + ".type"})
	}

	return errs
}

// validateParentStreamGraph rejects unknown parent references and cycles
// among parent_stream edges (§9) via a simple DFS coloring.
func validateParentStreamGraph(streams []StreamDefinition) []ValidationError {
	var errs []ValidationError

	byName := make(map[string]StreamDefinition, len(streams))
	for _, s := range streams {
		byName[s.Name] = s
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(streams))

	var visit func(name string, path []string) bool
	visit = func(name string, path []string) bool {
		s, ok := byName[name]
		if !ok {
			return false
		}
		color[name] = gray
		if s.Partition.kindOrDefault() == PartitionParentStream {
			parent := s.Partition.ParentStream
			if _, exists := byName[parent]; !exists {
				errs = append(errs, ValidationError{
					fmt.Sprintf("parent_stream %q does not name a known stream", parent),
					fmt.Sprintf("streams[%s].partition.parent_stream", name),
				})
			} else {
				switch color[parent] {
				case gray:
					errs = append(errs, ValidationError{
						fmt.Sprintf("parent_stream cycle detected: %s -> %s", name, parent),
						fmt.Sprintf("streams[%s].partition.parent_stream", name),
					})
				case white:
					visit(parent, append(path, name))
				}
			}
		}
		color[name] = black
		return true
	}

	for _, s := range streams {
		if color[s.Name] == white {
			visit(s.Name, nil)
		}
	}

	return errs
}
