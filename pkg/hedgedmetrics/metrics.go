package hedgedmetrics

import (
	"time"

	"github.com/cristalhq/hedgedhttp"
	"github.com/prometheus/client_golang/prometheus"
)

const publishInterval = 10 * time.Second

// Publish flushes the hedged-request count from s into counter every 10
// seconds until the returned stop function is called. Snapshots are
// cumulative, so only the delta since the previous tick is added.
func Publish(s *hedgedhttp.Stats, counter prometheus.Counter) func() {
	ticker := time.NewTicker(publishInterval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()

		var published uint64
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				snap := s.Snapshot()
				var hedged uint64
				if snap.ActualRoundTrips > snap.RequestedRoundTrips {
					hedged = snap.ActualRoundTrips - snap.RequestedRoundTrips
				}
				if hedged > published {
					counter.Add(float64(hedged - published))
					published = hedged
				}
			}
		}
	}()

	return func() { close(done) }
}
