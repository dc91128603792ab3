package face

import "math"

// groupRectangles clusters similar rectangles and averages each cluster. A cluster
// survives only with more than threshold members, so every kept region is backed by
// at least threshold other detections. Small clusters nested inside stronger ones
// are dropped. A threshold of zero returns the input unchanged.
func groupRectangles(rects []Rect, threshold int, eps float64) []Rect {
	if threshold <= 0 || len(rects) == 0 {
		return rects
	}

	labels, classes := partition(rects, eps)
	counts := make([]int, classes)
	sums := make([][4]int, classes)
	for i, r := range rects {
		c := labels[i]
		counts[c]++
		sums[c][0] += r.X
		sums[c][1] += r.Y
		sums[c][2] += r.Width
		sums[c][3] += r.Height
	}

	avg := make([]Rect, classes)
	for c := range avg {
		s := 1 / float64(counts[c])
		avg[c] = Rect{
			X:      int(math.Round(float64(sums[c][0]) * s)),
			Y:      int(math.Round(float64(sums[c][1]) * s)),
			Width:  int(math.Round(float64(sums[c][2]) * s)),
			Height: int(math.Round(float64(sums[c][3]) * s)),
		}
	}

	var out []Rect
	for i, r1 := range avg {
		n1 := counts[i]
		if n1 <= threshold {
			continue
		}
		nested := false
		for j, r2 := range avg {
			n2 := counts[j]
			if j == i || n2 <= threshold {
				continue
			}
			dx := int(math.Round(float64(r2.Width) * eps))
			dy := int(math.Round(float64(r2.Height) * eps))
			if r1.X >= r2.X-dx && r1.Y >= r2.Y-dy &&
				r1.X+r1.Width <= r2.X+r2.Width+dx &&
				r1.Y+r1.Height <= r2.Y+r2.Height+dy &&
				(n2 > max(3, n1) || n1 < 3) {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, r1)
		}
	}
	return out
}

// partition labels rectangles by the transitive closure of similarRects. Class ids
// follow the order in which classes first appear.
func partition(rects []Rect, eps float64) ([]int, int) {
	parent := make([]int, len(rects))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	for i := range rects {
		for j := i + 1; j < len(rects); j++ {
			if similarRects(rects[i], rects[j], eps) {
				ri, rj := find(i), find(j)
				if ri != rj {
					if ri < rj {
						parent[rj] = ri
					} else {
						parent[ri] = rj
					}
				}
			}
		}
	}

	ids := make(map[int]int)
	labels := make([]int, len(rects))
	for i := range rects {
		root := find(i)
		id, ok := ids[root]
		if !ok {
			id = len(ids)
			ids[root] = id
		}
		labels[i] = id
	}
	return labels, len(ids)
}

func similarRects(a, b Rect, eps float64) bool {
	delta := eps * float64(min(a.Width, b.Width)+min(a.Height, b.Height)) * 0.5
	return math.Abs(float64(a.X-b.X)) <= delta &&
		math.Abs(float64(a.Y-b.Y)) <= delta &&
		math.Abs(float64(a.X+a.Width-b.X-b.Width)) <= delta &&
		math.Abs(float64(a.Y+a.Height-b.Y-b.Height)) <= delta
}
