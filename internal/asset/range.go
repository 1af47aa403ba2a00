package asset

import "math"

// OpenEnd marks a range that runs to the end of the payload.
const OpenEnd int64 = math.MaxInt64

// Range selects payload bytes Start through End, both inclusive.
type Range struct {
	Start int64
	End   int64
}

// clamp applies the range policy against a payload of n > 0 bytes. The
// resets to the full object mirror what the viewer population expects
// from the asset servers it was built against, not RFC 7233.
func (r Range) clamp(n int64) (start, end int64) {
	start, end = r.Start, r.End
	if end > n-1 {
		end = n - 1
	}
	if start > n-1 || start < 0 {
		return 0, n - 1
	}
	if end < start {
		return 0, n - 1
	}
	return start, end
}

// Extract is the result of copying payload bytes out of an asset.
type Extract struct {
	Data  []byte
	Start int64
	End   int64
	// Total is the full payload size.
	Total int64
}

// Partial reports whether the extract is a strict subset of the payload.
func (e Extract) Partial() bool { return int64(len(e.Data)) != e.Total }

func fullExtract(payload []byte) Extract {
	if len(payload) == 0 {
		return Extract{}
	}
	return Extract{
		Data:  cloneBytes(payload),
		End:   int64(len(payload)) - 1,
		Total: int64(len(payload)),
	}
}

// sliceRange applies the range policy to an in-memory payload.
func sliceRange(payload []byte, r *Range) Extract {
	if r == nil {
		return fullExtract(payload)
	}
	n := int64(len(payload))
	if n == 0 {
		return Extract{}
	}
	start, end := r.clamp(n)
	return Extract{
		Data:  cloneBytes(payload[start : end+1]),
		Start: start,
		End:   end,
		Total: n,
	}
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
