package partition

import (
	"context"
	"fmt"
	"math"

	"github.com/dreamware/batchgrid/internal/fault"
)

// Descriptor is one half-open slice [Min, Max) of a keyed domain
// Descriptors are values and are never mutated after creation.
type Descriptor struct {
	Index int   `json:"index" msgpack:"index"` // Position within the grid, 0-based
	Min   int64 `json:"min" msgpack:"min"`     // Inclusive lower bound
	Max   int64 `json:"max" msgpack:"max"`     // Exclusive upper bound
}

// Empty reports whether the descriptor covers no keys.
func (d Descriptor) Empty() bool { return d.Min >= d.Max }

// Contains reports whether key falls inside [Min, Max).
func (d Descriptor) Contains(key int64) bool { return key >= d.Min && key < d.Max }

// Size returns the number of keys covered.
func (d Descriptor) Size() int64 {
	if d.Empty() {
		return 0
	}
	return d.Max - d.Min
}

func (d Descriptor) String() string {
	return fmt.Sprintf("partition%d[%d,%d)", d.Index, d.Min, d.Max)
}

// Range splits the inclusive domain [min, max] into exactly gridSize
// contiguous half-open descriptors.
//
// The span of each descriptor is ceil((max-min+1)/gridSize) and bounds are
// clamped to max+1, so trailing descriptors may be empty when the domain is
// smaller than the grid. The union of all descriptors is exactly [min, max+1)
// and no key lands in two descriptors.
//
// An empty domain (max < min) yields a single empty descriptor {0, min, min}.
// gridSize <= 0 and max == math.MaxInt64 are configuration errors; the latter
// because max+1 cannot be represented.
func Range(min, max int64, gridSize int) ([]Descriptor, error) {
	if gridSize <= 0 {
		return nil, fmt.Errorf("%w: gridSize must be positive, got %d", fault.ErrConfiguration, gridSize)
	}
	if max < min {
		return []Descriptor{{Index: 0, Min: min, Max: min}}, nil
	}
	if max == math.MaxInt64 {
		return nil, fmt.Errorf("%w: max %d leaves no exclusive upper bound", fault.ErrConfiguration, max)
	}

	// Width in uint64 so [MinInt64, MaxInt64-1] does not overflow
	width := uint64(max-min) + 1
	g := uint64(gridSize)
	span := width / g
	if width%g != 0 {
		span++
	}

	end := max + 1
	clamp := func(offset uint64) int64 {
		if offset >= width {
			return end
		}
		return min + int64(offset)
	}

	out := make([]Descriptor, gridSize)
	for i := 0; i < gridSize; i++ {
		lo := mulClamp(uint64(i), span, width)
		hi := mulClamp(uint64(i+1), span, width)
		out[i] = Descriptor{Index: i, Min: clamp(lo), Max: clamp(hi)}
	}
	return out, nil
}

// mulClamp returns a*b, or limit when the product reaches or passes it.
func mulClamp(a, b, limit uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > limit/b {
		return limit
	}
	p := a * b
	if p > limit {
		return limit
	}
	return p
}

// Partitioner produces the descriptors for one partitioned execution.
type Partitioner interface {
	Partition(ctx context.Context, gridSize int) ([]Descriptor, error)
}

// BoundsSource supplies the inclusive [min, max] of the key column
// An empty source reports max < min.
type BoundsSource interface {
	Bounds(ctx context.Context) (min, max int64, err error)
}

// StaticBounds is a BoundsSource with fixed values.
type StaticBounds struct {
	Min int64
	Max int64
}

func (b StaticBounds) Bounds(context.Context) (int64, int64, error) {
	return b.Min, b.Max, nil
}

// ColumnRangePartitioner queries the key column bounds and splits them with Range.
type ColumnRangePartitioner struct {
	Bounds BoundsSource
}

func (p ColumnRangePartitioner) Partition(ctx context.Context, gridSize int) ([]Descriptor, error) {
	if p.Bounds == nil {
		return nil, fmt.Errorf("%w: no bounds source", fault.ErrConfiguration)
	}
	lo, hi, err := p.Bounds.Bounds(ctx)
	if err != nil {
		return nil, fmt.Errorf("query bounds: %w", err)
	}
	return Range(lo, hi, gridSize)
}

// PartitionerFunc adapts a function to the Partitioner interface.
type PartitionerFunc func(ctx context.Context, gridSize int) ([]Descriptor, error)

func (f PartitionerFunc) Partition(ctx context.Context, gridSize int) ([]Descriptor, error) {
	return f(ctx, gridSize)
}
