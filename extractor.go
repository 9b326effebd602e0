// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"fmt"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
)

// pathExtractor compiles a restricted JSONPath expression (§4.5: root $,
// child .name, wildcard [*], negative index [-1:]) into a gojq program,
// the same library the teacher leans on for forEach/merge expressions and
// JWT/custom-auth token extraction.
type pathExtractor struct {
	mu    sync.Mutex
	cache map[string]*gojq.Code
}

func newPathExtractor() *pathExtractor {
	return &pathExtractor{cache: map[string]*gojq.Code{}}
}

// toJQ translates the restricted grammar into a gojq query string. "$" maps
// to ".", ".name" stays as-is, "[-1:]" (negative index) stays as-is, and the
// wildcard "[*]" is rewritten to gojq's own array-iteration operator "[]" —
// jq has no "[*]" form, so passing it through verbatim would fail to
// compile on first use instead of doing what the wildcard promises.
func toJQ(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" || p == "$" {
		return ".", nil
	}
	if !strings.HasPrefix(p, "$") {
		return "", fmt.Errorf("path must be rooted at $, got %q", path)
	}
	rest := strings.TrimPrefix(p, "$")
	rest = strings.TrimPrefix(rest, ".")
	rest = strings.ReplaceAll(rest, "[*]", "[]")
	if rest == "" {
		return ".", nil
	}
	return "." + rest, nil
}

func (e *pathExtractor) compile(path string) (*gojq.Code, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[path]; ok {
		return code, nil
	}
	jq, err := toJQ(path)
	if err != nil {
		return nil, newErr(KindExtractError, path, err)
	}
	query, err := gojq.Parse(jq)
	if err != nil {
		return nil, newErr(KindExtractError, path, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, newErr(KindExtractError, path, err)
	}
	e.cache[path] = code
	return code, nil
}

// ExtractRecords selects records from a decoded body (§4.5). A path that
// fails to resolve yields an empty sequence, never an error; a path that
// resolves to a single object yields a one-element sequence.
func (e *pathExtractor) ExtractRecords(body interface{}, path string) ([]map[string]interface{}, error) {
	code, err := e.compile(path)
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	iter := code.Run(body)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			// A resolution miss inside gojq (e.g. indexing past an array,
			// or null input) is treated as "no records", not an error,
			// per §4.5 — only malformed path syntax is an ExtractError.
			return out, nil
		}
		switch t := v.(type) {
		case []interface{}:
			for _, item := range t {
				if m, ok := item.(map[string]interface{}); ok {
					out = append(out, m)
				}
			}
		case map[string]interface{}:
			out = append(out, t)
		case nil:
			// skip
		default:
			out = append(out, map[string]interface{}{"value": t})
		}
	}
	return out, nil
}

// ExtractScalar probes a single value (pagination cursors, status fields,
// §4.5). A miss yields nil, never an error.
func (e *pathExtractor) ExtractScalar(body interface{}, path string) (interface{}, error) {
	code, err := e.compile(path)
	if err != nil {
		return nil, err
	}
	iter := code.Run(body)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, nil
	}
	return v, nil
}

// ScalarToString renders an extracted scalar as a cursor/query-param string.
func ScalarToString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
