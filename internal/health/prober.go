package health

import (
	"context"
	"time"
)

// ProbeFunc checks whether provider id answers again.
type ProbeFunc func(ctx context.Context, id string) error

// ProbeUnavailable probes every Unavailable provider once and returns the ids
// that recovered.
func (t *Tracker) ProbeUnavailable(ctx context.Context, probe ProbeFunc, timeout time.Duration) []string {
	var recovered []string
	for _, id := range t.unavailable() {
		if ctx.Err() != nil {
			break
		}

		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		err := probe(probeCtx, id)
		cancel()

		if err != nil {
			t.RecordProbeFailure(id, err)
			t.logger.Debug("Probe failed", "provider", id, "error", err)
			continue
		}
		if err := t.MarkAvailable(id); err == nil {
			t.logger.Info("Provider recovered after probe", "provider", id)
			recovered = append(recovered, id)
		}
	}
	return recovered
}

// StartProbing probes Unavailable providers every interval until ctx is done.
// It returns immediately; interval <= 0 disables probing.
func (t *Tracker) StartProbing(ctx context.Context, interval, timeout time.Duration, probe ProbeFunc) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.ProbeUnavailable(ctx, probe, timeout)
			}
		}
	}()
}
