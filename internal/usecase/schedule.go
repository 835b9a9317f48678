package usecase

import "github.com/fiapx/fiapx-framecache/internal/domain/entity"

type frameRange struct {
	Start int
	End   int
}

// splitRange cuts [start, end) into n contiguous, disjoint pieces of
// floor(width/n) frames, the last one absorbing the remainder. n is capped
// at the width so no piece is empty.
func splitRange(start, end, n int) []frameRange {
	width := end - start
	if n <= 0 || width <= 0 {
		return nil
	}
	n = min(n, width)

	span := width / n
	out := make([]frameRange, n)
	for i := range out {
		s := start + i*span
		e := s + span
		if i == n-1 {
			e = end
		}
		out[i] = frameRange{Start: s, End: e}
	}
	return out
}

// PrefetchWindow is the extraction window clipped to the frames the source
// actually has. total of 0 means the length is not known yet.
func PrefetchWindow(center, distance, total int) (start, end int) {
	start, end = entity.ExtractionRequest{CenterFrame: center, Distance: distance}.Range()
	if total > 0 && end > total {
		end = total
	}
	if start > end {
		start = end
	}
	return start, end
}
