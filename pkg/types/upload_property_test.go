package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_PartPlanCoversFile checks that the part ranges for any file
// size tile [0, size) exactly, with every part but the last full-sized.
func TestProperty_PartPlanCoversFile(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("part ranges tile the file", prop.ForAll(
		func(size, chunk int64) bool {
			total := TotalParts(size, chunk)
			if total < 1 {
				return false
			}

			var next int64
			for n := 1; n <= total; n++ {
				start, end := PartRange(n, chunk, size)
				if start != next || end <= start {
					return false
				}
				if n < total && end-start != chunk {
					return false
				}
				next = end
			}
			return next == size
		},
		gen.Int64Range(1, 5*1024*1024*1024),
		gen.Int64Range(1024, 64*1024*1024),
	))

	properties.Property("default plan fits the store part limit", prop.ForAll(
		func(size int64) bool {
			total := TotalParts(size, ChunkSize)
			return total >= 1 && total <= MaxPartNumber
		},
		gen.Int64Range(1, MaxFileSize),
	))

	properties.TestingRun(t)
}

func TestTotalParts(t *testing.T) {
	tests := []struct {
		size  int64
		chunk int64
		want  int
	}{
		{0, ChunkSize, 0},
		{-1, ChunkSize, 0},
		{1, ChunkSize, 1},
		{ChunkSize, ChunkSize, 1},
		{ChunkSize + 1, ChunkSize, 2},
		{25 * 1024 * 1024, ChunkSize, 3},
		{MaxFileSize, ChunkSize, 103},
	}

	for _, tt := range tests {
		if got := TotalParts(tt.size, tt.chunk); got != tt.want {
			t.Errorf("TotalParts(%d, %d) = %d, want %d", tt.size, tt.chunk, got, tt.want)
		}
	}
}
