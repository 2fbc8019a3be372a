package client

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errMalformedContentRange = errors.New("malformed Content-Range header")

// ContentRange is a parsed Content-Range response header. Start and End are
// -1 for the unsatisfied form "bytes */N"; Total is -1 when the server sends
// "*" for the complete length.
type ContentRange struct {
	Start int64
	End   int64
	Total int64
}

// Length is the number of bytes covered by the range, or 0 when unsatisfied.
func (r ContentRange) Length() int64 {
	if r.Start < 0 {
		return 0
	}
	return r.End - r.Start + 1
}

// ParseContentRange parses "bytes start-end/total", "bytes start-end/*" and
// "bytes */total".
func ParseContentRange(header string) (ContentRange, error) {
	value, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return ContentRange{}, fmt.Errorf("%w: %q", errMalformedContentRange, header)
	}
	span, totalStr, ok := strings.Cut(value, "/")
	if !ok {
		return ContentRange{}, fmt.Errorf("%w: %q", errMalformedContentRange, header)
	}

	cr := ContentRange{Start: -1, End: -1, Total: -1}
	if totalStr != "*" {
		total, err := strconv.ParseInt(totalStr, 10, 64)
		if err != nil || total < 0 {
			return ContentRange{}, fmt.Errorf("%w: invalid total in %q", errMalformedContentRange, header)
		}
		cr.Total = total
	}
	if span == "*" {
		if cr.Total < 0 {
			return ContentRange{}, fmt.Errorf("%w: %q", errMalformedContentRange, header)
		}
		return cr, nil
	}

	startStr, endStr, ok := strings.Cut(span, "-")
	if !ok {
		return ContentRange{}, fmt.Errorf("%w: %q", errMalformedContentRange, header)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return ContentRange{}, fmt.Errorf("%w: invalid start in %q", errMalformedContentRange, header)
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return ContentRange{}, fmt.Errorf("%w: invalid end in %q", errMalformedContentRange, header)
	}
	if start < 0 || end < start || (cr.Total >= 0 && end >= cr.Total) {
		return ContentRange{}, fmt.Errorf("%w: inconsistent range %q", errMalformedContentRange, header)
	}
	cr.Start, cr.End = start, end
	return cr, nil
}

// RangeHeader formats a Range request value. An end below zero leaves the
// range open.
func RangeHeader(start, end int64) string {
	if end < 0 {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, end)
}
