package inmem

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/vkcom/engine-go/srvfunc"

	"github.com/vkcom/chproxy/core/clickhouse"
)

type (
	// Sink accepts newline-delimited rows for a single INSERT.
	Sink interface {
		Insert(params url.Values, body []byte) error
	}

	// Flusher sends batches taken from Store to Sink. Delivery is best-effort:
	// a batch is discarded after a single attempt whether it succeeded or not.
	Flusher struct {
		store    *Store
		sink     Sink
		conf     Config
		log      zerolog.Logger
		inflight atomic.Int64
	}
)

const (
	triggerDirect = "direct"
	triggerAge    = "age"
	triggerForced = "forced"
)

// NewFlusher creates Flusher. Zero values in conf are replaced by defaults.
func NewFlusher(store *Store, sink Sink, conf Config, log zerolog.Logger) *Flusher {
	return &Flusher{
		store: store,
		sink:  sink,
		conf:  conf.withDefaults(),
		log:   log,
	}
}

// Conf returns effective configuration.
func (f *Flusher) Conf() Config {
	return f.conf
}

// Inflight returns number of Sink.Insert calls in progress.
func (f *Flusher) Inflight() int64 {
	return f.inflight.Load()
}

// Flush sends batch for key if it is still in the store. Missing batch is not an
// error: it was already flushed by a concurrent caller.
// Returned error is informational, the batch is gone either way.
func (f *Flusher) Flush(key string) error {
	b, ok := f.store.TakeForFlush(key)
	if !ok {
		return nil
	}
	return f.flushBatch(b, triggerDirect)
}

// Sweep flushes batches that reached MaxBatchAge, or all batches if force is set.
// Returns number of batches taken from the store.
func (f *Flusher) Sweep(force bool) int {
	cutoff := f.store.now().Add(-f.conf.MaxBatchAge)
	trigger := triggerAge
	if force {
		trigger = triggerForced
	}

	var cnt int

	for _, key := range f.store.SnapshotKeys() {
		var (
			b  *Batch
			ok bool
		)

		if force {
			b, ok = f.store.TakeForFlush(key)
		} else {
			b, ok = f.store.TakeIfOlder(key, cutoff)
		}

		if !ok {
			continue
		}

		cnt++
		f.flushBatch(b, trigger)
	}

	return cnt
}

// Run sweeps every SweepInterval until ctx is done. A sweep that is already
// running is completed before Run returns.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.conf.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := f.Sweep(false); n > 0 {
				f.log.Debug().Int("batches", n).Msg("sweep done")
			}
		}
	}
}

func (f *Flusher) flushBatch(b *Batch, trigger string) error {
	start := time.Now()

	f.inflight.Add(1)
	inflightGauge.Inc()
	err := f.send(b)
	inflight := f.inflight.Add(-1)
	inflightGauge.Dec()

	flushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		flushesTotal.WithLabelValues(trigger, resultError).Inc()
		f.log.Error().
			Err(err).
			Str("trigger", trigger).
			Int("rows", len(b.Rows)).
			Bool("syntax_error", clickhouse.IsSyntaxError(err)).
			Msg("unable to persist")
		return err
	}

	flushesTotal.WithLabelValues(trigger, resultOK).Inc()
	flushedRowsTotal.Add(float64(len(b.Rows)))
	f.log.Info().
		Str("trigger", trigger).
		Int("rows", len(b.Rows)).
		Int64("inflight", inflight).
		Dur("took", time.Since(start)).
		Msg("persisted rows")
	return nil
}

// send must not panic: a broken sink would otherwise abort a sweep or the shutdown flush.
func (f *Flusher) send(b *Batch) (err error) {
	defer srvfunc.Gorecover(func(stack string) {
		err = fmt.Errorf("sink panicked: %s", stack)
	})

	return f.sink.Insert(b.Params, []byte(strings.Join(b.Rows, "\n")))
}
