// Package enumerate produces the ordered, resumable sequence of work units.
//
// States are visited in canonical order. A state's districts are discovered
// lazily from the portal when the state is reached, in the order the portal
// lists them, and units already recorded in the checkpoint store are skipped.
package enumerate

import (
	"context"
	"strings"

	errs "schoolscraper/pkg/errors"
	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/models"
	"schoolscraper/pkg/retry"
)

// Discoverer lists the districts the portal offers for a state
type Discoverer interface {
	Districts(ctx context.Context, state string) ([]string, error)
}

// DoneChecker reports whether a unit has already completed
type DoneChecker interface {
	IsDone(unit models.WorkUnit) bool
}

// Item is one step of the sequence. Err is set when district discovery for
// the state failed; Unit is then the state-level unit to report as failed.
type Item struct {
	Unit     models.WorkUnit
	Err      error
	Attempts int
}

// Options tune an Enumerator
type Options struct {
	MaxDistrictsPerState int
	Retry                *retry.Config
	Logger               logger.Logger
}

// Enumerator yields work units one at a time. It is not safe for concurrent
// use; each worker owns its own.
type Enumerator struct {
	states   []string
	discover Discoverer
	done     DoneChecker
	opts     Options
	logger   logger.Logger

	next    int
	pending []Item
	skipped int
}

// New creates an Enumerator over states, which must already be in the
// order they should be visited
func New(states []string, discover Discoverer, done DoneChecker, opts Options) *Enumerator {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Enumerator{
		states:   states,
		discover: discover,
		done:     done,
		opts:     opts,
		logger:   log.WithField("component", "enumerator"),
	}
}

// Next returns the next unit to process, or false once the sequence is
// exhausted. It returns false early if ctx is cancelled.
func (e *Enumerator) Next(ctx context.Context) (Item, bool) {
	for len(e.pending) == 0 {
		if e.next >= len(e.states) || ctx.Err() != nil {
			return Item{}, false
		}
		state := e.states[e.next]
		e.next++
		e.pending = e.expand(ctx, state)
	}

	item := e.pending[0]
	e.pending = e.pending[1:]
	return item, true
}

// Skipped is the number of units passed over because they were done
func (e *Enumerator) Skipped() int {
	return e.skipped
}

func (e *Enumerator) expand(ctx context.Context, state string) []Item {
	log := e.logger.WithField("state", state)

	// a state processed as a whole never needs discovery again
	if e.isDone(models.StateUnit(state)) {
		e.skipped++
		log.Debug("State already completed, skipping")
		return nil
	}

	districts, stats, err := retry.Run(ctx, e.opts.Retry, func(ctx context.Context) ([]string, error) {
		return e.discover.Districts(ctx, state)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.WithError(err).WarnWithFields("District discovery failed", map[string]interface{}{
			"attempts": stats.Attempts,
			"kind":     string(errs.KindOf(err)),
		})
		return []Item{{Unit: models.StateUnit(state), Err: err, Attempts: stats.Attempts}}
	}

	districts = clean(districts)
	if limit := e.opts.MaxDistrictsPerState; limit > 0 && len(districts) > limit {
		log.InfoWithFields("Limiting districts", map[string]interface{}{
			"discovered": len(districts),
			"limit":      limit,
		})
		districts = districts[:limit]
	}

	if len(districts) == 0 {
		log.Info("No districts discovered, processing state as a single unit")
		return []Item{{Unit: models.StateUnit(state)}}
	}

	items := make([]Item, 0, len(districts))
	for _, d := range districts {
		unit := models.WorkUnit{State: state, District: d}
		if e.isDone(unit) {
			e.skipped++
			continue
		}
		items = append(items, Item{Unit: unit})
	}

	log.DebugWithFields("Districts enumerated", map[string]interface{}{
		"districts": len(districts),
		"pending":   len(items),
	})
	return items
}

func (e *Enumerator) isDone(unit models.WorkUnit) bool {
	return e.done != nil && e.done.IsDone(unit)
}

// clean trims names and drops blanks and duplicates, keeping portal order
func clean(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.Join(strings.Fields(n), " ")
		key := strings.ToUpper(n)
		if n == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, n)
	}
	return out
}
