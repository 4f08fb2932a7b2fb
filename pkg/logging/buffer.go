package logging

// bufferCapacity bounds the in-memory metric windows.
const bufferCapacity = 1000

// window is a bounded FIFO of samples used to compute min/avg/max over one
// flush interval.
type window struct {
	vals []float64
}

func (w *window) push(v float64) {
	w.vals = append(w.vals, v)
	if len(w.vals) > bufferCapacity {
		w.vals = w.vals[1:]
	}
}

func (w *window) reset() {
	w.vals = w.vals[:0]
}

func (w *window) len() int { return len(w.vals) }

// stats returns (min, avg, max) over the window; zeros when empty.
func (w *window) stats() (min, avg, max float64) {
	if len(w.vals) == 0 {
		return 0, 0, 0
	}
	min, max = w.vals[0], w.vals[0]
	var sum float64
	for _, v := range w.vals {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	return min, sum / float64(len(w.vals)), max
}
