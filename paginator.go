// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
)

// PaginationKind is the closed set of pagination variants (§4.6). The
// retrieved teacher source calls into a NewPaginator(ConfigP{...}) /
// paginator.Next(resp) / paginator.NextFromCtx() contract that the
// pagination.go file implementing it was not included in this retrieval —
// the shape below is grounded on that call site in crawler.go's
// handleRequest and generalized to the six named variants spec.md requires.
type PaginationKind string

const (
	PaginationNone       PaginationKind = "none"
	PaginationCursor     PaginationKind = "cursor"
	PaginationOffset     PaginationKind = "offset"
	PaginationPageNumber PaginationKind = "page_number"
	PaginationLinkHeader PaginationKind = "link_header"
	PaginationNextURL    PaginationKind = "next_url"
)

// PaginationConfig configures one paginator instance (§4.6). Only the
// fields relevant to Type need to be set; validate.go enforces that.
type PaginationConfig struct {
	Type PaginationKind `yaml:"type,omitempty" json:"type,omitempty"`

	// cursor
	CursorParam    string `yaml:"cursor_param,omitempty" json:"cursor_param,omitempty"`
	CursorPath     string `yaml:"cursor_path,omitempty" json:"cursor_path,omitempty"`
	StopCondition  string `yaml:"stop_condition,omitempty" json:"stop_condition,omitempty"`

	// offset
	OffsetParam     string `yaml:"offset_param,omitempty" json:"offset_param,omitempty"`
	LimitParam      string `yaml:"limit_param,omitempty" json:"limit_param,omitempty"`
	Limit           int    `yaml:"limit,omitempty" json:"limit,omitempty"`
	TotalCountPath  string `yaml:"total_count_path,omitempty" json:"total_count_path,omitempty"`

	// page_number
	PageParam      string `yaml:"page_param,omitempty" json:"page_param,omitempty"`
	PageSizeParam  string `yaml:"page_size_param,omitempty" json:"page_size_param,omitempty"`
	PageSize       int    `yaml:"page_size,omitempty" json:"page_size,omitempty"`
	StartPage      int    `yaml:"start_page,omitempty" json:"start_page,omitempty"`
	TotalPagesPath string `yaml:"total_pages_path,omitempty" json:"total_pages_path,omitempty"`

	// link_header
	LinkRel string `yaml:"link_rel,omitempty" json:"link_rel,omitempty"`

	// next_url
	NextURLPath string `yaml:"path,omitempty" json:"path,omitempty"`
}

func (p PaginationConfig) kindOrDefault() PaginationKind {
	if p.Type == "" {
		return PaginationNone
	}
	return p.Type
}

// pageRequest is what the paginator contributes to the next HTTP request:
// query params to overlay, or a verbatim URL override (link_header/next_url,
// which bypass template re-expansion per §4.6/§9).
type pageRequest struct {
	QueryParams map[string]string
	URLOverride string
}

// Paginator is the per-partition pagination state machine (§4.6). One
// instance is created per partition run and dropped at its end (§3).
type Paginator struct {
	cfg       PaginationConfig
	extractor *pathExtractor

	done bool

	// cursor
	nextCursor string
	firstPage  bool

	// offset
	offset     int
	totalCount *int

	// page_number
	page       int
	totalPages *int

	// link_header / next_url
	nextURL string
}

// NewPaginator builds a Paginator in its initial state (§4.6).
func NewPaginator(cfg PaginationConfig, extractor *pathExtractor) (*Paginator, error) {
	p := &Paginator{cfg: cfg, extractor: extractor, firstPage: true}
	switch cfg.kindOrDefault() {
	case PaginationOffset:
		p.offset = 0
	case PaginationPageNumber:
		p.page = cfg.StartPage
		if p.page == 0 {
			p.page = 1
		}
	}
	return p, nil
}

// NextFromCtx returns the paginator contribution for the very first request
// of the partition (before any response has been seen).
func (p *Paginator) NextFromCtx() pageRequest {
	switch p.cfg.kindOrDefault() {
	case PaginationOffset:
		return pageRequest{QueryParams: map[string]string{
			p.cfg.OffsetParam: strconv.Itoa(p.offset),
			p.cfg.LimitParam:  strconv.Itoa(p.cfg.Limit),
		}}
	case PaginationPageNumber:
		params := map[string]string{p.cfg.PageParam: strconv.Itoa(p.page)}
		if p.cfg.PageSizeParam != "" {
			params[p.cfg.PageSizeParam] = strconv.Itoa(p.cfg.PageSize)
		}
		return pageRequest{QueryParams: params}
	default:
		return pageRequest{}
	}
}

// Done reports whether the stop condition has fired.
func (p *Paginator) Done() bool { return p.done }

// Advance is called exactly once after every successful response (§4.6). It
// updates internal state and returns the pageRequest for the *next* page;
// once Done() is true the returned value must not be used.
func (p *Paginator) Advance(body interface{}, headers http.Header, recordsCount int) (pageRequest, error) {
	switch p.cfg.kindOrDefault() {
	case PaginationNone:
		p.done = true
		return pageRequest{}, nil

	case PaginationCursor:
		return p.advanceCursor(body)

	case PaginationOffset:
		return p.advanceOffset(body, recordsCount)

	case PaginationPageNumber:
		return p.advancePageNumber(body, recordsCount)

	case PaginationLinkHeader:
		return p.advanceLinkHeader(headers)

	case PaginationNextURL:
		return p.advanceNextURL(body)

	default:
		return pageRequest{}, newErrf(KindConfigError, "pagination.type", "unsupported pagination type %q", p.cfg.Type)
	}
}

func (p *Paginator) advanceCursor(body interface{}) (pageRequest, error) {
	val, err := p.extractor.ExtractScalar(body, p.cfg.CursorPath)
	if err != nil {
		return pageRequest{}, err
	}
	cursor := ScalarToString(val)
	if val == nil || cursor == "" {
		p.done = true
		return pageRequest{}, nil
	}
	if p.cfg.StopCondition != "" {
		stop, err := evalStopCondition(p.cfg.StopCondition, cursor)
		if err != nil {
			return pageRequest{}, err
		}
		if stop {
			p.done = true
			return pageRequest{}, nil
		}
	}
	p.nextCursor = cursor
	params := map[string]string{}
	if p.cfg.CursorParam != "" {
		params[p.cfg.CursorParam] = cursor
	}
	return pageRequest{QueryParams: params}, nil
}

func (p *Paginator) advanceOffset(body interface{}, recordsCount int) (pageRequest, error) {
	if recordsCount == 0 {
		p.done = true
		return pageRequest{}, nil
	}
	p.offset += recordsCount
	if p.cfg.TotalCountPath != "" {
		if v, err := p.extractor.ExtractScalar(body, p.cfg.TotalCountPath); err == nil && v != nil {
			if total, ok := asInt(v); ok {
				p.totalCount = &total
			}
		}
	}
	if p.totalCount != nil && p.offset >= *p.totalCount {
		p.done = true
		return pageRequest{}, nil
	}
	return pageRequest{QueryParams: map[string]string{
		p.cfg.OffsetParam: strconv.Itoa(p.offset),
		p.cfg.LimitParam:  strconv.Itoa(p.cfg.Limit),
	}}, nil
}

func (p *Paginator) advancePageNumber(body interface{}, recordsCount int) (pageRequest, error) {
	if recordsCount == 0 {
		p.done = true
		return pageRequest{}, nil
	}
	p.page++
	if p.cfg.TotalPagesPath != "" {
		if v, err := p.extractor.ExtractScalar(body, p.cfg.TotalPagesPath); err == nil && v != nil {
			if total, ok := asInt(v); ok {
				p.totalPages = &total
			}
		}
	}
	if p.totalPages != nil && p.page > *p.totalPages {
		p.done = true
		return pageRequest{}, nil
	}
	params := map[string]string{p.cfg.PageParam: strconv.Itoa(p.page)}
	if p.cfg.PageSizeParam != "" {
		params[p.cfg.PageSizeParam] = strconv.Itoa(p.cfg.PageSize)
	}
	return pageRequest{QueryParams: params}, nil
}

func (p *Paginator) advanceLinkHeader(headers http.Header) (pageRequest, error) {
	link := headers.Get("Link")
	next := parseLinkHeader(link, p.cfg.LinkRel)
	if next == "" {
		p.done = true
		return pageRequest{}, nil
	}
	p.nextURL = next
	return pageRequest{URLOverride: next}, nil
}

func (p *Paginator) advanceNextURL(body interface{}) (pageRequest, error) {
	val, err := p.extractor.ExtractScalar(body, p.cfg.NextURLPath)
	if err != nil {
		return pageRequest{}, err
	}
	next := ScalarToString(val)
	if val == nil || next == "" {
		p.done = true
		return pageRequest{}, nil
	}
	p.nextURL = next
	return pageRequest{URLOverride: next}, nil
}

// parseLinkHeader extracts the URL for the given rel from an RFC 8288 Link
// header, e.g. `<https://x/?page=2>; rel="next"`.
func parseLinkHeader(header, rel string) string {
	if header == "" {
		return ""
	}
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(strings.TrimSpace(part), ";")
		if len(segs) < 2 {
			continue
		}
		url := strings.Trim(strings.TrimSpace(segs[0]), "<>")
		for _, attr := range segs[1:] {
			attr = strings.TrimSpace(attr)
			if attr == fmt.Sprintf(`rel="%s"`, rel) || attr == fmt.Sprintf("rel=%s", rel) {
				return url
			}
		}
	}
	return ""
}

func asInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

// evalStopCondition compiles and runs a spec-authored boolean expression
// against the paginator's cursor value using expr-lang/expr — a teacher
// go.mod dependency the retrieved source never got around to exercising
// (see SPEC_FULL.md's DOMAIN STACK table).
func evalStopCondition(expression string, cursor string) (bool, error) {
	program, err := expr.Compile(expression, expr.Env(map[string]interface{}{"cursor": ""}), expr.AsBool())
	if err != nil {
		return false, newErr(KindConfigError, "pagination.stop_condition", err)
	}
	out, err := expr.Run(program, map[string]interface{}{"cursor": cursor})
	if err != nil {
		return false, newErr(KindConfigError, "pagination.stop_condition", err)
	}
	stop, _ := out.(bool)
	return stop, nil
}
