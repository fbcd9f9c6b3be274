package utils

import "sync/atomic"

// DefaultGranularity is the number of voxel rows processed per matrix tile.
const DefaultGranularity = 128

// granularity of 0 processes a whole volume as a single tile.
var granularity atomic.Int64

// SetGranularity fixes the compute tile size of the engine to DefaultGranularity rows.
func SetGranularity() {
	granularity.Store(DefaultGranularity)
}

// Granularity returns the current compute tile size in rows, 0 when untiled.
func Granularity() int {
	return int(granularity.Load())
}
