// Package partition splits a keyed integer domain into contiguous, disjoint
// half-open ranges that independent workers can process in parallel.
//
// # Layout
//
// For min=1, max=100 and a grid of 4:
//
//	 1        26        51        76       101
//	 |---p0----|---p1----|---p2----|---p3----|
//	 [1,26)    [26,51)   [51,76)   [76,101)
//
// Each descriptor spans ceil((max-min+1)/grid) keys. Bounds are clamped to
// max+1, so when the grid is larger than the domain the tail descriptors are
// empty rather than overlapping:
//
//	min=1 max=3 grid=5 -> [1,2) [2,3) [3,4) [4,4) [4,4)
//
// # Guarantees
//
//   - Exactly gridSize descriptors, indexed 0..gridSize-1
//   - Every key in [min, max] belongs to exactly one descriptor
//   - The descriptors are ordered and adjacent: Max_i == Min_{i+1}
//
// The column variant, ColumnRangePartitioner, first asks a BoundsSource for
// the column's min and max (typically SELECT MIN(id), MAX(id)) and then
// applies the same split.
package partition
