package core

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jobmon-org/jobmon/internal/cmn/hashing"
)

// ScaleKind selects how a resource value escalates on a resource-triggered
// retry.
type ScaleKind string

const (
	// ScaleMultiplier grows the previous value by a fixed fraction:
	// next = prev * (1 + factor).
	ScaleMultiplier ScaleKind = "multiplier"
	// ScaleSequence replaces the previous value with the next entry of a
	// finite sequence, holding at the last entry once exhausted.
	ScaleSequence ScaleKind = "sequence"
	// ScaleCallable applies an in-process function. Callables do not
	// serialize; a resumed workflow falls back to holding the value.
	ScaleCallable ScaleKind = "callable"
)

// ResourceScale describes the escalation policy for one resource key.
type ResourceScale struct {
	Kind     ScaleKind
	Factor   float64
	Sequence []float64
	Fn       func(float64) float64
}

// Apply computes the escalated value for attempt number attempt (1-based,
// the attempt about to be made). Sequence scales index by attempt so that
// repeated escalation walks the sequence.
func (s ResourceScale) Apply(prev float64, attempt int) float64 {
	switch s.Kind {
	case ScaleMultiplier:
		return prev * (1 + s.Factor)
	case ScaleSequence:
		if len(s.Sequence) == 0 {
			return prev
		}
		i := attempt - 1
		if i < 0 {
			i = 0
		}
		if i >= len(s.Sequence) {
			i = len(s.Sequence) - 1
		}
		return s.Sequence[i]
	case ScaleCallable:
		if s.Fn == nil {
			return prev
		}
		return s.Fn(prev)
	default:
		return prev
	}
}

type resourceScaleJSON struct {
	Kind     ScaleKind `json:"kind"`
	Factor   float64   `json:"factor,omitempty"`
	Sequence []float64 `json:"sequence,omitempty"`
}

// MarshalJSON serializes multiplier and sequence scales. Callable scales
// degrade to a bare marker so a resumed run holds the value instead of
// re-applying a function it no longer has.
func (s ResourceScale) MarshalJSON() ([]byte, error) {
	out := resourceScaleJSON{Kind: s.Kind, Factor: s.Factor, Sequence: s.Sequence}
	return json.Marshal(out)
}

func (s *ResourceScale) UnmarshalJSON(data []byte) error {
	var in resourceScaleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.Kind = in.Kind
	s.Factor = in.Factor
	s.Sequence = in.Sequence
	s.Fn = nil
	return nil
}

// ScaleResources returns a copy of requested with every key present in
// scales escalated for the given attempt. Non-numeric values are left
// untouched.
func ScaleResources(requested map[string]any, scales map[string]ResourceScale, attempt int) map[string]any {
	next := make(map[string]any, len(requested))
	for k, v := range requested {
		next[k] = v
	}
	for key, scale := range scales {
		prev, ok := asFloat(next[key])
		if !ok {
			continue
		}
		next[key] = scale.Apply(prev, attempt)
	}
	return next
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ResourcesHash content-addresses a resource request against a queue. The
// digest is stable under map iteration order.
func ResourcesHash(queueID int64, requested map[string]any) string {
	parts := make([]string, 0, len(requested)+1)
	parts = append(parts, fmt.Sprintf("queue=%d", queueID))
	keys := make([]string, 0, len(requested))
	for k := range requested {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, requested[k]))
	}
	return hashing.Concat(parts...)
}
