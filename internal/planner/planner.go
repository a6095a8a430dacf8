// Package planner implements the Segmentation Planner (SPEC_FULL.md
// §4.1): decides segment count and boundaries for a task, and supports
// rebalancing work away from a busy segment onto an idle worker.
package planner

import (
	"fmt"
	"math"

	"github.com/dlforge/dlforge/internal/coretypes"
)

// Bounds carries the chunk-size constraints the planner sizes segments
// against.
type Bounds struct {
	MinChunk     int64
	MaxChunk     int64
	OptimalChunk int64
}

var qualityScale = map[coretypes.NetworkQuality]float64{
	coretypes.NetworkPoor:      0.5,
	coretypes.NetworkFair:      0.75,
	coretypes.NetworkGood:      1.0,
	coretypes.NetworkExcellent: 1.5,
}

// Plan computes the initial segment layout for a task, per spec.md §4.1.
func Plan(totalSize int64, maxConcurrency int, acceptRanges bool, quality coretypes.NetworkQuality, bounds Bounds) ([]coretypes.Segment, error) {
	if totalSize < 0 {
		return nil, coretypes.NewConfigError("invalid plan: total_size must be >= 0")
	}
	if maxConcurrency <= 0 {
		return nil, coretypes.NewConfigError("invalid plan: max_concurrency must be > 0")
	}

	if totalSize == 0 {
		return []coretypes.Segment{{ID: "segment_0", Start: 0, End: -1, Status: coretypes.Pending}}, nil
	}

	if !acceptRanges || totalSize < 1*coretypes.MB {
		return []coretypes.Segment{{ID: "segment_0", Start: 0, End: totalSize - 1, Status: coretypes.Pending}}, nil
	}

	n := segmentCount(totalSize, maxConcurrency, bounds)
	if quality != "" {
		if scale, ok := qualityScale[quality]; ok {
			n = int(math.Round(float64(n) * scale))
		}
	}
	if n < 1 {
		n = 1
	}
	if n > maxConcurrency {
		n = maxConcurrency
	}

	return partition(totalSize, n), nil
}

func segmentCount(totalSize int64, maxConcurrency int, bounds Bounds) int {
	low := int(ceilDiv(totalSize, bounds.MaxChunk))
	high := int(ceilDiv(totalSize, bounds.OptimalChunk))
	if low < 1 {
		low = 1
	}
	if high < low {
		high = low
	}

	n := maxConcurrency
	if n < low {
		n = low
	}
	if n > high {
		n = high
	}
	if n > maxConcurrency {
		n = maxConcurrency
	}
	return n
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 1
	}
	return (a + b - 1) / b
}

// partition splits [0,totalSize) into n near-equal, ascending, gapless
// segments; the last segment absorbs any remainder.
func partition(totalSize int64, n int) []coretypes.Segment {
	segments := make([]coretypes.Segment, 0, n)
	base := totalSize / int64(n)
	var start int64
	for i := 0; i < n; i++ {
		end := start + base - 1
		if i == n-1 {
			end = totalSize - 1
		}
		segments = append(segments, coretypes.Segment{
			ID:     segmentID(i),
			Start:  start,
			End:    end,
			Status: coretypes.Pending,
		})
		start = end + 1
	}
	return segments
}

func segmentID(i int) string {
	return fmt.Sprintf("segment_%d", i)
}

// Steal splits the busiest segment's remaining bytes in half (aligned to
// AlignSize) and returns a new child segment carved off its tail,
// shrinking the original segment's End in place. It returns ok=false if
// the segment's remaining bytes aren't large enough to be worth
// splitting, per spec.md §4.1's "> 2 x min_chunk" rebalancing rule.
func Steal(seg *coretypes.Segment, minChunk int64, nextChildIndex int) (child coretypes.Segment, ok bool) {
	remaining := seg.Remaining()
	if remaining <= 2*minChunk {
		return coretypes.Segment{}, false
	}

	splitPoint := seg.Start + seg.Downloaded + remaining/2
	splitPoint -= splitPoint % coretypes.AlignSize
	if splitPoint <= seg.Start+seg.Downloaded || splitPoint >= seg.End {
		return coretypes.Segment{}, false
	}

	child = coretypes.Segment{
		ID:     fmt.Sprintf("%s_split_%d", seg.ID, nextChildIndex),
		Start:  splitPoint + 1,
		End:    seg.End,
		Status: coretypes.Pending,
	}
	seg.End = splitPoint
	return child, true
}

// Rebalance scans active (in-flight) segments and returns at most one
// stolen child segment from the segment with the most remaining work,
// for a caller to hand to an idle worker. The orchestrator does not call
// it.
func Rebalance(active []*coretypes.Segment, minChunk int64) (child coretypes.Segment, ok bool) {
	var busiest *coretypes.Segment
	for _, seg := range active {
		if seg.Status != coretypes.Downloading {
			continue
		}
		if busiest == nil || seg.Remaining() > busiest.Remaining() {
			busiest = seg
		}
	}
	if busiest == nil {
		return coretypes.Segment{}, false
	}
	return Steal(busiest, minChunk, 0)
}
