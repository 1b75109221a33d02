package utils

import "sync"

// AvgVal is a mutex-guarded running average. The coordinator feeds it
// one sample per committed task (the task's wall-clock lifetime) and
// exports the smoothed value as a gauge.
type AvgVal struct {
	v     float64
	count int
	lock  sync.Mutex
}

// NewAvgVal seeds the average with an initial sample, which counts
// toward the mean like any later Add.
func NewAvgVal(val float64) *AvgVal {
	return &AvgVal{
		v:     val,
		count: 1,
	}
}

func (a *AvgVal) Add(val float64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.v = (float64(a.count)*a.v + val) / float64(a.count+1)
	a.count++
}

func (a *AvgVal) Val() float64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.v
}
