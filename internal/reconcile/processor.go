package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"limitd/internal/bucket"
	"limitd/internal/store"
)

const defaultRetention = 90 * 24 * time.Hour

// Config wires a Processor.
type Config struct {
	Store store.Store
	// Windows lists the snapshot window types to maintain; defaults to
	// DefaultWindows.
	Windows []string
	// Retention bounds how long snapshot records live.
	Retention time.Duration
	Clock     func() time.Time
	Logger    zerolog.Logger
}

// Processor turns change-stream batches into snapshot updates and
// catch-up refills.
type Processor struct {
	store     store.Store
	windows   []string
	retention time.Duration
	clock     func() time.Time
	log       zerolog.Logger
}

// Result reports what one batch did. Per-record failures are isolated
// into Errors; they never abort the batch.
type Result struct {
	Processed        int      `json:"processed"`
	SnapshotsUpdated int      `json:"snapshots_updated"`
	RefillsWritten   int      `json:"refills_written"`
	Errors           []string `json:"errors,omitempty"`
}

// NewProcessor creates a processor.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("reconcile: store required")
	}
	windows := cfg.Windows
	if len(windows) == 0 {
		windows = DefaultWindows
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	now := clock().UTC()
	for _, w := range windows {
		if _, err := windowStart(w, now); err != nil {
			return nil, fmt.Errorf("reconcile: %w", err)
		}
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Processor{
		store:     cfg.Store,
		windows:   windows,
		retention: retention,
		clock:     clock,
		log:       cfg.Logger.With().Str("component", "reconcile").Logger(),
	}, nil
}

// Process replays one batch of change events: extract consumption deltas,
// accumulate usage windows, then catch up refill for starved buckets.
func (p *Processor) Process(ctx context.Context, events []bucket.ChangeEvent) Result {
	var res Result
	var deltas []ConsumptionDelta
	for _, ev := range events {
		ds := extractDeltas(ev)
		if len(ds) == 0 {
			continue
		}
		res.Processed++
		deltas = append(deltas, ds...)
	}
	if len(deltas) == 0 {
		return res
	}
	states := aggregate(deltas)
	now := p.clock()
	p.updateSnapshots(ctx, states, now, &res)
	p.catchUpAll(ctx, states, now.UnixMilli(), &res)
	p.log.Info().
		Int("processed", res.Processed).
		Int("snapshots", res.SnapshotsUpdated).
		Int("refills", res.RefillsWritten).
		Int("errors", len(res.Errors)).
		Msg("batch reconciled")
	return res
}

func (p *Processor) updateSnapshots(ctx context.Context, states []*refillState, now time.Time, res *Result) {
	expiresAt := now.Add(p.retention).Unix()
	for _, st := range states {
		sums := make(map[string]int64, len(st.limits))
		for name, obs := range st.limits {
			if obs.tcDeltaMilli == 0 {
				continue
			}
			sums[name] = obs.tcDeltaMilli
		}
		if len(sums) == 0 {
			continue
		}
		for _, w := range p.windows {
			start, err := windowStart(w, now)
			if err != nil {
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			update := store.SnapshotUpdate{
				Key:         st.key,
				WindowType:  w,
				WindowStart: start,
				DeltasMilli: sums,
				Events:      st.events,
				ExpiresAt:   expiresAt,
			}
			if err := p.store.AddSnapshot(ctx, update); err != nil {
				p.log.Error().Err(err).
					Stringer("bucket", st.key).
					Str("window", w).
					Int64("window_start", start).
					Msg("snapshot update failed")
				res.Errors = append(res.Errors, fmt.Sprintf("snapshot %s %s: %v", st.key, w, err))
				continue
			}
			res.SnapshotsUpdated++
		}
	}
}

func (p *Processor) catchUpAll(ctx context.Context, states []*refillState, nowMs int64, res *Result) {
	for _, st := range states {
		if !needsCatchUp(st, nowMs) {
			continue
		}
		written, err := p.catchUp(ctx, st, nowMs)
		if err != nil {
			p.log.Error().Err(err).Stringer("bucket", st.key).Msg("catch-up refill failed")
			res.Errors = append(res.Errors, fmt.Sprintf("refill %s: %v", st.key, err))
			continue
		}
		if written {
			res.RefillsWritten++
		}
	}
}
