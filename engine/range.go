package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/videobot/delivery"
)

// ByteRange is a closed byte interval within an object.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the range covers.
func (br ByteRange) Length() int64 {
	return br.End - br.Start + 1
}

// ContentRange formats the Content-Range header value for an object of the
// given total size.
func (br ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", br.Start, br.End, size)
}

// ParseRange parses a Range header against an object of the given size. A
// missing header returns (nil, nil). Only the single-range "bytes=start-end"
// form is supported; an omitted start means 0 and an omitted end means the
// last byte. Any present but unsatisfiable header returns
// delivery.ErrRangeNotSatisfiable.
func ParseRange(header string, size int64) (*ByteRange, error) {
	if header == "" {
		return nil, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, fmt.Errorf("%w: %q", delivery.ErrRangeNotSatisfiable, header)
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, fmt.Errorf("%w: %q", delivery.ErrRangeNotSatisfiable, header)
	}

	var start, end int64
	var err error

	if startStr == "" {
		start = 0
	} else if start, err = strconv.ParseInt(startStr, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: %q", delivery.ErrRangeNotSatisfiable, header)
	}

	if endStr == "" {
		end = size - 1
	} else if end, err = strconv.ParseInt(endStr, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: %q", delivery.ErrRangeNotSatisfiable, header)
	}

	if start < 0 || start >= size || end >= size || start > end {
		return nil, fmt.Errorf("%w: %q against %d bytes", delivery.ErrRangeNotSatisfiable, header, size)
	}

	return &ByteRange{Start: start, End: end}, nil
}
