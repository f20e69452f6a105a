package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gliderlab/aiosgate/pkg/kv"
	"github.com/gliderlab/aiosgate/pkg/logging"
	"github.com/gliderlab/aiosgate/session"
)

// Spool key prefixes. A key is prefix + session id, so spooling the same
// record twice keeps one copy.
const (
	spoolUsagePrefix   = "spool/usage/"
	spoolSessionPrefix = "spool/session/"
)

// SpoolingSink forwards termination records to next and keeps the ones that
// fail in a local spool for the Reconciler. The original error is still
// returned so the caller logs it.
type SpoolingSink struct {
	next  session.Sink
	spool *kv.KV
	log   *zap.Logger
}

// NewSpoolingSink wraps next with spool.
func NewSpoolingSink(next session.Sink, spool *kv.KV, log *zap.Logger) *SpoolingSink {
	return &SpoolingSink{next: next, spool: spool, log: logging.OrNop(log).Named("spool")}
}

func (s *SpoolingSink) UpsertUsageLog(ctx context.Context, rec session.UsageRecord) error {
	err := s.next.UpsertUsageLog(ctx, rec)
	if err != nil {
		s.keep(spoolUsagePrefix+rec.SessionID, rec, err)
	}
	return err
}

func (s *SpoolingSink) UpsertSessionRecord(ctx context.Context, rec session.SessionRecord) error {
	err := s.next.UpsertSessionRecord(ctx, rec)
	if err != nil {
		s.keep(spoolSessionPrefix+rec.SessionID, rec, err)
	}
	return err
}

func (s *SpoolingSink) keep(key string, rec any, cause error) {
	data, err := json.Marshal(rec)
	if err == nil {
		err = s.spool.Put(key, data)
	}
	if err != nil {
		s.log.Error("spool write failed, record lost", zap.String("key", key), zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	s.log.Warn("record spooled for retry", zap.String("key", key), zap.NamedError("cause", cause))
}

// Reconciler replays spooled records into a sink.
type Reconciler struct {
	spool    *kv.KV
	sink     session.Sink
	interval time.Duration
	log      *zap.Logger
}

// NewReconciler returns a reconciler replaying spool into sink every interval.
func NewReconciler(spool *kv.KV, sink session.Sink, interval time.Duration, log *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{spool: spool, sink: sink, interval: interval, log: logging.OrNop(log).Named("reconciler")}
}

// Run replays the spool every interval until ctx is done or the spool is
// closed.
func (r *Reconciler) Run(ctx context.Context) {
	if n, err := r.Pending(); err != nil {
		r.log.Warn("count spool", zap.Error(err))
	} else if n > 0 {
		r.log.Info("spooled records pending", zap.Int("records", n))
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.spool.IsClosed() {
				r.log.Warn("spool closed, reconciler stopping")
				return
			}
			if _, err := r.Replay(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("replay", zap.Error(err))
			}
		}
	}
}

// Pending returns the number of spooled records.
func (r *Reconciler) Pending() (int, error) {
	return r.spool.Count("spool/")
}

// Discard drops every spooled record without replaying it and returns how
// many were dropped.
func (r *Reconciler) Discard() (int, error) {
	n, err := r.Pending()
	if err != nil {
		return 0, err
	}
	if err := r.spool.DeletePrefix("spool/"); err != nil {
		return 0, fmt.Errorf("discard spool: %w", err)
	}
	if n > 0 {
		r.log.Warn("spooled records discarded", zap.Int("records", n))
	}
	return n, nil
}

type spooled struct {
	key  string
	data []byte
}

// Replay writes every spooled record to the sink and drops the ones that
// succeed. It returns how many were replayed and the joined failures.
func (r *Reconciler) Replay(ctx context.Context) (int, error) {
	var items []spooled
	err := r.spool.Scan("spool/", func(key string, value []byte) (bool, error) {
		items = append(items, spooled{key: key, data: append([]byte(nil), value...)})
		return true, nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan spool: %w", err)
	}

	var (
		replayed int
		errs     []error
	)
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := r.replayOne(ctx, it); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", it.key, err))
			continue
		}
		if err := r.spool.Delete(it.key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", it.key, err))
			continue
		}
		replayed++
	}
	if replayed > 0 {
		r.log.Info("spool replayed", zap.Int("records", replayed), zap.Int("failed", len(errs)))
	}
	return replayed, errors.Join(errs...)
}

func (r *Reconciler) replayOne(ctx context.Context, it spooled) error {
	switch {
	case strings.HasPrefix(it.key, spoolUsagePrefix):
		var rec session.UsageRecord
		if err := json.Unmarshal(it.data, &rec); err != nil {
			return err
		}
		return r.sink.UpsertUsageLog(ctx, rec)
	case strings.HasPrefix(it.key, spoolSessionPrefix):
		var rec session.SessionRecord
		if err := json.Unmarshal(it.data, &rec); err != nil {
			return err
		}
		return r.sink.UpsertSessionRecord(ctx, rec)
	}
	return errors.New("unknown spool key")
}

var _ session.Sink = (*SpoolingSink)(nil)
