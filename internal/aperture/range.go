package aperture

import (
	"errors"
	"strconv"
	"strings"

	"aperture/internal/asset"
)

var (
	// errRangeShape is a Range header the gateway cannot satisfy; it is
	// answered with 416.
	errRangeShape = errors.New("unsupported range")
	// errRangeValue is a Range header with a non-numeric bound; it is
	// answered with 400.
	errRangeValue = errors.New("malformed range bound")
)

// parseRange reads a single-range "bytes=" header. Accepted shapes are
// A-B, A- (to the end) and -B, which selects 0-B rather than a suffix.
func parseRange(h string) (*asset.Range, error) {
	set, ok := strings.CutPrefix(strings.TrimSpace(h), "bytes=")
	if !ok {
		return nil, errRangeShape
	}
	parts := strings.Split(set, "-")
	if len(parts) != 2 {
		return nil, errRangeShape
	}
	first, last := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])

	switch {
	case first == "" && last == "":
		return nil, errRangeShape
	case first == "":
		end, err := parseBound(last)
		if err != nil {
			return nil, err
		}
		return &asset.Range{Start: 0, End: end}, nil
	case last == "":
		start, err := parseBound(first)
		if err != nil {
			return nil, err
		}
		return &asset.Range{Start: start, End: asset.OpenEnd}, nil
	default:
		start, err := parseBound(first)
		if err != nil {
			return nil, err
		}
		end, err := parseBound(last)
		if err != nil {
			return nil, err
		}
		return &asset.Range{Start: start, End: end}, nil
	}
}

func parseBound(s string) (int64, error) {
	v, err := strconv.ParseUint(s, 10, 63)
	if err != nil {
		return 0, errRangeValue
	}
	return int64(v), nil
}
