package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/job"
	"github.com/Sternrassler/chainfetch/pkg/source"
)

// runHandler implements job.Handler for one direction. A runner calls it
// from a single goroutine, so the per-tick fields need no locking.
type runHandler[C any] struct {
	f   *Fetcher[C]
	dir source.Direction

	started  time.Time
	added    int
	complete bool
	caughtUp bool
	ok       bool
}

var _ job.Handler[uint64] = (*runHandler[uint64])(nil)

func (h *runHandler[C]) HandleFetch(ctx context.Context, info job.FetchInfo[C]) (job.FetchResult[C], error) {
	f := h.f
	h.started = time.Now()
	h.added, h.complete, h.caughtUp, h.ok = 0, false, false, false

	res := job.FetchResult[C]{UseHistoricRPC: info.UseHistoricRPC}

	if f.throttle != nil {
		wait, err := f.throttle.Backoff(ctx, f.src.Name())
		switch {
		case err != nil:
			f.logger.Debug().Err(err).Msg("Throttle state unavailable")
		case wait > 0:
			f.logger.Info().Dur("wait", wait).Msg("Provider asked to slow down - skipping tick")
			res.NewInterval = wait
			return res, nil
		}
	}

	var stop *C
	if h.dir == source.Backward {
		stop = f.stopCursor()
	}

	cursor := info.Cursor
	for page := 0; page < f.config.MaxPagesPerTick; page++ {
		req := source.PageRequest[C]{
			Account:   f.account,
			Cursor:    cursor,
			Direction: h.dir,
			Limit:     f.config.PageLimit,
			Historic:  res.UseHistoricRPC,
		}
		p, err := f.src.FetchPage(ctx, req)
		if err != nil && errors.Is(err, source.ErrHistoryUnavailable) && !res.UseHistoricRPC {
			historicFallbacks.WithLabelValues(f.src.Name()).Inc()
			f.logger.Info().Msg("Regular endpoints pruned - switching to historic")
			res.UseHistoricRPC = true
			req.Historic = true
			p, err = f.src.FetchPage(ctx, req)
		}
		if err != nil {
			return res, err
		}
		pagesTotal.WithLabelValues(f.src.Name(), h.dir.String()).Inc()
		f.logger.Trace().
			Str("direction", h.dir.String()).
			Int("items", len(p.Items)).
			Bool("has_more", p.HasMore).
			Bool("historic", req.Historic).
			Msg("Page fetched")

		items := p.Items
		reachedStop := false
		if stop != nil {
			items, reachedStop = h.cutAtStop(items, *stop)
		}

		n, err := f.IndexEntities(ctx, items, h.dir == source.Forward)
		if err != nil {
			return res, err
		}
		h.added += n

		if last := h.extreme(items); last != nil {
			cursor = last
			res.LastCursor = last
		}

		if h.dir == source.Forward {
			// Without a frontier the source answered with the newest page,
			// so there is nothing newer to walk to.
			if info.Cursor == nil || !p.HasMore || len(p.Items) == 0 {
				h.caughtUp = true
				break
			}
			continue
		}

		if reachedStop || !p.HasMore || len(p.Items) == 0 {
			h.complete = true
			break
		}
	}

	return res, nil
}

func (h *runHandler[C]) UpdateCursor(ctx context.Context, u job.CursorUpdate[C]) (job.CursorResult[C], error) {
	var next *C
	if u.LastCursor != nil && (u.PrevCursor == nil || h.advances(*u.LastCursor, *u.PrevCursor)) {
		next = u.LastCursor
	}
	if h.caughtUp {
		h.f.markCaughtUp(h.started)
	}
	h.ok = true

	return job.CursorResult[C]{
		NewItems:  h.added > 0,
		NewCursor: next,
		Complete:  h.complete,
	}, nil
}

func (h *runHandler[C]) SaveState(ctx context.Context, dir source.Direction, st job.State[C]) error {
	if err := h.f.saveState(dir, st, h.ok); err != nil {
		return err
	}
	if h.ok {
		h.f.reportProgress(ctx)
	}
	return nil
}

// advances reports whether a is further than b in the handler's direction.
func (h *runHandler[C]) advances(a, b C) bool {
	c := h.f.src.CompareCursor(a, b)
	if h.dir == source.Forward {
		return c > 0
	}
	return c < 0
}

// extreme returns the furthest cursor of items in the handler's direction.
func (h *runHandler[C]) extreme(items []source.Item[C]) *C {
	var out *C
	for i := range items {
		if out == nil || h.advances(items[i].Cursor, *out) {
			c := items[i].Cursor
			out = &c
		}
	}
	return out
}

// cutAtStop drops backward items older than stop and reports whether the
// stop cursor was reached.
func (h *runHandler[C]) cutAtStop(items []source.Item[C], stop C) ([]source.Item[C], bool) {
	kept := items[:0:0]
	reached := false
	for _, it := range items {
		c := h.f.src.CompareCursor(it.Cursor, stop)
		if c < 0 {
			reached = true
			continue
		}
		if c == 0 {
			reached = true
		}
		kept = append(kept, it)
	}
	return kept, reached
}
