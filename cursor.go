// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"strconv"
	"time"
)

// CursorOrdering names how two cursor strings compare, per the
// cursor_format declared on a stream's incremental spec (§4.8).
type CursorOrdering string

const (
	CursorISO8601 CursorOrdering = "iso8601"
	CursorUnix    CursorOrdering = "unix"
	CursorUnixMs  CursorOrdering = "unix_ms"
	CursorString  CursorOrdering = "string"
)

// Less reports whether a sorts strictly before b under this ordering.
// iso8601 and string orderings are lexicographic (ISO-8601 timestamps sort
// correctly as strings by construction); unix/unix_ms compare numerically
// so "99" is not mistaken for greater than "100".
func (o CursorOrdering) Less(a, b string) bool {
	switch o {
	case CursorUnix, CursorUnixMs:
		af, aerr := strconv.ParseFloat(a, 64)
		bf, berr := strconv.ParseFloat(b, 64)
		if aerr == nil && berr == nil {
			return af < bf
		}
		return a < b
	default: // iso8601, string, and unset default to lexicographic
		return a < b
	}
}

// ShiftBack subtracts lookbackSeconds from cursor, interpreted per this
// ordering, to widen an incremental request's window for late-arriving
// records (§4.8). Orderings with no numeric/temporal meaning (string, or a
// value that fails to parse) are returned unchanged.
func (o CursorOrdering) ShiftBack(cursor string, lookbackSeconds int) string {
	if lookbackSeconds <= 0 || cursor == "" {
		return cursor
	}
	switch o {
	case CursorUnix:
		if v, err := strconv.ParseInt(cursor, 10, 64); err == nil {
			return strconv.FormatInt(v-int64(lookbackSeconds), 10)
		}
	case CursorUnixMs:
		if v, err := strconv.ParseInt(cursor, 10, 64); err == nil {
			return strconv.FormatInt(v-int64(lookbackSeconds)*1000, 10)
		}
	case CursorISO8601:
		if t, err := time.Parse(time.RFC3339, cursor); err == nil {
			return t.Add(-time.Duration(lookbackSeconds) * time.Second).Format(time.RFC3339)
		}
	}
	return cursor
}
