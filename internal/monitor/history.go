package monitor

import "time"

// ring keeps the newest size samples in time order.
type ring struct {
	buf   []Sample
	start int
	n     int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 1
	}
	return &ring{buf: make([]Sample, size)}
}

func (r *ring) push(s Sample) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int { return r.n }

func (r *ring) last() (Sample, bool) {
	if r.n == 0 {
		return Sample{}, false
	}
	return r.buf[(r.start+r.n-1)%len(r.buf)], true
}

// between returns copies of samples taken in [from, to].
func (r *ring) between(from, to time.Time) []Sample {
	var out []Sample
	for i := 0; i < r.n; i++ {
		s := r.buf[(r.start+i)%len(r.buf)]
		if s.Time.Before(from) || s.Time.After(to) {
			continue
		}
		out = append(out, s.clone())
	}
	return out
}
