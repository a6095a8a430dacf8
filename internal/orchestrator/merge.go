package orchestrator

import (
	"io"
	"os"
	"sort"

	"github.com/dlforge/dlforge/internal/coretypes"
)

// mergeSegments concatenates segment part files into outputPath in
// ascending start order, per spec.md §4.4. The part files are removed
// only after every part has been copied and the output synced; on any
// failure the partial output is deleted and every part file is left in
// place so a later resume can still continue from them, grounded on the
// teacher's rename-from-.part
// completion flow in ConcurrentDownloader.Download.
func mergeSegments(outputPath string, segments []coretypes.Segment) *coretypes.Error {
	ordered := append([]coretypes.Segment(nil), segments...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	out, err := os.Create(outputPath)
	if err != nil {
		return coretypes.NewMergeError("creating output file", err)
	}

	merged := false
	defer func() {
		out.Close()
		if !merged {
			os.Remove(outputPath)
		}
	}()

	buf := make([]byte, 1*coretypes.MB)
	for i := range ordered {
		if ordered[i].Length() == 0 {
			// FetchSegment never writes a part file for a zero-length
			// segment (total_size=0 boundary case); nothing to append.
			continue
		}
		if err := appendPart(out, ordered[i].PartPath, buf); err != nil {
			return coretypes.NewMergeError("appending part "+ordered[i].ID, err)
		}
	}

	if err := out.Sync(); err != nil {
		return coretypes.NewMergeError("syncing output file", err)
	}
	merged = true

	for i := range ordered {
		os.Remove(ordered[i].PartPath)
	}
	return nil
}

func appendPart(out *os.File, partPath string, buf []byte) error {
	in, err := os.Open(partPath)
	if err != nil {
		return err
	}
	defer in.Close()

	_, err = io.CopyBuffer(out, in, buf)
	return err
}
