package proximity

import (
	"errors"
	"fmt"
)

// OutOfRangeTag is returned when a distance exceeds every ring.
const OutOfRangeTag = "far"

type Ring struct {
	Threshold float64 `json:"threshold" yaml:"threshold" validate:"gt=0"`
	Tag       string  `json:"tag" yaml:"tag" validate:"required"`
}

// Rings are sorted by ascending threshold.
type Rings []Ring

var ErrRingsOrder = errors.New("rings must have strictly ascending thresholds")

func NewRings(rs ...Ring) (Rings, error) {
	for i, r := range rs {
		if r.Tag == "" {
			return nil, fmt.Errorf("ring %d: empty tag", i)
		}
		if r.Threshold <= 0 {
			return nil, fmt.Errorf("ring %q: threshold must be positive", r.Tag)
		}
		if i > 0 && r.Threshold <= rs[i-1].Threshold {
			return nil, fmt.Errorf("ring %q: %w", r.Tag, ErrRingsOrder)
		}
	}
	return Rings(rs), nil
}

func DefaultRings() Rings {
	return Rings{
		{Threshold: 300, Tag: "near"},
		{Threshold: 1000, Tag: "mid"},
		{Threshold: 3000, Tag: "far"},
	}
}

// Classify returns the tag of the first ring whose threshold is >= d.
// A distance equal to a threshold belongs to that nearer ring.
func Classify(d float64, rings Rings) string {
	for _, r := range rings {
		if d <= r.Threshold {
			return r.Tag
		}
	}
	return OutOfRangeTag
}
