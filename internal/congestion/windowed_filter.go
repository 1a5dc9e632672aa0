package congestion

// A WindowedFilter tracks the best (here: maximum) estimate seen over a
// sliding window, keeping the three best samples so the estimate degrades
// gracefully as old samples age out. Time is whatever monotonic unit the
// caller feeds to Update (round-trip counts for the bandwidth filter).
type WindowedFilter struct {
	length    int64
	estimates [3]filterSample
}

type filterSample struct {
	sample int64
	time   int64
}

// NewWindowedFilter creates a max filter over a window of the given length.
func NewWindowedFilter(length int64) *WindowedFilter {
	return &WindowedFilter{length: length}
}

// GetBest returns the current best estimate.
func (f *WindowedFilter) GetBest() int64 {
	return f.estimates[0].sample
}

// Update adds a sample taken at the given time.
func (f *WindowedFilter) Update(sample int64, time int64) {
	if f.estimates[0].time == 0 || sample > f.estimates[0].sample || (time-f.estimates[2].time) > f.length {
		f.Reset(sample, time)
		return
	}

	if sample > f.estimates[1].sample {
		f.estimates[1] = filterSample{sample, time}
		f.estimates[2] = f.estimates[1]
	} else if sample > f.estimates[2].sample {
		f.estimates[2] = filterSample{sample, time}
	}

	// Expire and update estimates as necessary.
	if time-f.estimates[0].time > f.length {
		// The best estimate hasn't been updated for an entire window, so
		// promote second and third best estimates.
		f.estimates[0] = f.estimates[1]
		f.estimates[1] = f.estimates[2]
		f.estimates[2] = filterSample{sample, time}
		// Check if the new best estimate is outside the window as well, since
		// it may also have been recorded a long time ago. Don't need to
		// iterate once more since that case is covered at the start of Update.
		if time-f.estimates[0].time > f.length {
			f.estimates[0] = f.estimates[1]
			f.estimates[1] = f.estimates[2]
		}
		return
	}
	if f.estimates[1].sample == f.estimates[0].sample && time-f.estimates[1].time > f.length>>2 {
		// A quarter of the window has passed without a better sample, so the
		// second-best estimate is taken from the second quarter of the window.
		f.estimates[1] = filterSample{sample, time}
		f.estimates[2] = f.estimates[1]
		return
	}
	if f.estimates[2].sample == f.estimates[1].sample && time-f.estimates[2].time > f.length>>1 {
		// Half the window has passed without a better estimate, so take a
		// third-best estimate from the second half of the window.
		f.estimates[2] = filterSample{sample, time}
	}
}

// Reset clears all estimates to the given sample.
func (f *WindowedFilter) Reset(newSample int64, newTime int64) {
	f.estimates[0] = filterSample{newSample, newTime}
	f.estimates[1] = f.estimates[0]
	f.estimates[2] = f.estimates[0]
}
