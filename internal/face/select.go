package face

// SelectLargest picks the rectangle with the largest area. Ties keep the first
// rectangle in detector order.
func SelectLargest(rects []Rect) (Rect, error) {
	if len(rects) == 0 {
		return Rect{}, ErrNoFaceFound
	}
	best := rects[0]
	for _, r := range rects[1:] {
		if r.Area() > best.Area() {
			best = r
		}
	}
	return best, nil
}
