package monitor

import "time"

// threshold fires after n consecutive breaches and recovers after n
// consecutive non-breaches. A zero limit disables it.
type threshold struct {
	metric   string
	limit    float64
	breaches int
	clears   int
	firing   bool
}

// observe returns the alert to publish, if any.
func (t *threshold) observe(v float64, n int, now time.Time) *Alert {
	if t.limit <= 0 {
		return nil
	}
	if v >= t.limit {
		t.breaches++
		t.clears = 0
		if !t.firing && t.breaches >= n {
			t.firing = true
			return &Alert{Metric: t.metric, Kind: AlertFiring, Value: v, Threshold: t.limit, Time: now}
		}
		return nil
	}
	t.clears++
	t.breaches = 0
	if t.firing && t.clears >= n {
		t.firing = false
		return &Alert{Metric: t.metric, Kind: AlertRecovered, Value: v, Threshold: t.limit, Time: now}
	}
	return nil
}
