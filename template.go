// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// templatePattern matches "{{ path.to.value }}" with optional surrounding
// whitespace inside the braces. The grammar is deliberately not Go's
// text/template dotted-leading-dot syntax (`{{ .config.x }}`): spec.md §4.1
// requires bare "config.x" roots and zero conditionals/loops/filters, which
// no library in the example pack offers — grounded as a minimal regexp
// walker instead (see DESIGN.md).
var templatePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// TemplateContext layers the values a template may address (§4.1).
type TemplateContext struct {
	Config    RuntimeConfig
	Partition map[string]string
	State     map[string]string
	JobID     string
	Now       time.Time
}

func (c TemplateContext) roots() map[string]interface{} {
	roots := map[string]interface{}{
		"config":    map[string]interface{}(c.Config),
		"partition": stringMapToAny(c.Partition),
		"state":     stringMapToAny(c.State),
		"job_id":    c.JobID,
		"now":       c.Now.UTC().Format(time.RFC3339),
		"today":     c.Now.UTC().Format("2006-01-02"),
	}
	return roots
}

func stringMapToAny(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// expandTemplate resolves every "{{ path }}" occurrence in tmpl against ctx.
// An unresolved path fails the whole expansion with a TemplateError (§4.1) —
// it never silently substitutes an empty string.
func expandTemplate(tmpl string, ctx TemplateContext) (string, error) {
	roots := ctx.roots()
	var firstErr error
	result := templatePattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		if firstErr != nil {
			return match
		}
		path := templatePattern.FindStringSubmatch(match)[1]
		val, err := resolvePath(roots, path)
		if err != nil {
			firstErr = err
			return match
		}
		result, err := stringifyValue(val)
		if err != nil {
			firstErr = err
			return match
		}
		return result
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func resolvePath(roots map[string]interface{}, path string) (interface{}, error) {
	segments := strings.Split(path, ".")
	root, ok := roots[segments[0]]
	if !ok {
		return nil, newErrf(KindTemplateError, path, "unresolved template root %q", segments[0])
	}
	cur := root
	for _, seg := range segments[1:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, newErrf(KindTemplateError, path, "cannot descend into %q: not an object", seg)
		}
		next, ok := m[seg]
		if !ok {
			return nil, newErrf(KindTemplateError, path, "unresolved template path %q", path)
		}
		cur = next
	}
	return cur, nil
}

// stringifyValue canonically renders a resolved template value (§4.1):
// numbers/booleans stringify canonically, strings pass through, anything
// else is rejected since templates never address nested objects directly.
func stringifyValue(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10), nil
		}
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case nil:
		return "", fmt.Errorf("template path resolved to null")
	default:
		return "", fmt.Errorf("template path resolved to a non-scalar value (%T)", v)
	}
}
