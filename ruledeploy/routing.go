package ruledeploy

import "hash/fnv"

// selectionKey derives a stable [0,1) bucket from an instance's trace id
// plus its line/shift filter, per spec.md §4.4 "Routing": selection is
// deterministic per trace, so every judgment call for the same instance
// lands on the same version even across retries. hash/fnv is the
// stdlib's own low-collision non-cryptographic hash — no example in the
// corpus does traffic-fraction bucketing, so there's no third-party
// hashing library to follow here (see DESIGN.md).
func selectionKey(in SelectionInput) float64 {
	h := fnv.New32a()
	h.Write([]byte(in.TraceID))
	h.Write([]byte{0})
	h.Write([]byte(in.LineID))
	h.Write([]byte{0})
	h.Write([]byte(in.ShiftID))
	return float64(h.Sum32()) / (float64(^uint32(0)) + 1)
}

// matchesFilter reports whether a canary's target_filter admits in. An
// empty filter matches everything.
func matchesFilter(filter map[string]string, in SelectionInput) bool {
	for k, v := range filter {
		switch k {
		case "line_id", "line":
			if in.LineID != v {
				return false
			}
		case "shift_id", "shift":
			if in.ShiftID != v {
				return false
			}
		}
	}
	return true
}
