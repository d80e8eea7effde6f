package broadcast

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/relay/internal/adapter/metrics"
	"github.com/pscheid92/relay/internal/domain"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 64

// Failure is one recipient whose send did not succeed.
type Failure struct {
	ID  string
	Err error
}

// Report is the settlement of one broadcast.
type Report struct {
	Attempted int
	Delivered int
	// Skipped counts recipients that were not open when the snapshot was taken.
	Skipped  int
	Failures []Failure
}

type Broadcaster struct {
	store       domain.ConnectionStore
	clock       clockwork.Clock
	metrics     *metrics.RelayMetrics
	concurrency int
}

// NewBroadcaster returns a Broadcaster over store. concurrency bounds the
// number of in-flight sends per broadcast; values < 1 use a default.
// relayMetrics may be nil.
func NewBroadcaster(store domain.ConnectionStore, clock clockwork.Clock, relayMetrics *metrics.RelayMetrics, concurrency int) *Broadcaster {
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}
	return &Broadcaster{
		store:       store,
		clock:       clock,
		metrics:     relayMetrics,
		concurrency: concurrency,
	}
}

// Broadcast sends frame to every open connection except excludeID (pass ""
// to exclude nobody). frameType labels metrics and logs.
func (b *Broadcaster) Broadcast(ctx context.Context, frame []byte, frameType, excludeID string) Report {
	start := b.clock.Now()

	// Cancelling the triggering event must not abort sends already issued.
	ctx = context.WithoutCancel(ctx)

	var (
		report     Report
		recipients []domain.Connection
	)
	for _, c := range b.store.All() {
		if c.ID == excludeID {
			continue
		}
		if !c.Handle.IsOpen() {
			report.Skipped++
			continue
		}
		recipients = append(recipients, c)
	}

	errs := make([]error, len(recipients))

	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for i, c := range recipients {
		g.Go(func() error {
			errs[i] = c.Handle.Send(ctx, frame)
			return nil
		})
	}
	_ = g.Wait()

	report.Attempted = len(recipients)
	for i, err := range errs {
		b.metrics.Sent(frameType, err)
		if err != nil {
			report.Failures = append(report.Failures, Failure{ID: recipients[i].ID, Err: err})
			slog.WarnContext(ctx, "Broadcast send failed",
				"connection_id", recipients[i].ID,
				"frame_type", frameType,
				"error", err,
			)
			continue
		}
		report.Delivered++
	}

	b.metrics.Broadcast(report.Attempted, b.clock.Since(start))

	if len(report.Failures) > 0 {
		slog.InfoContext(ctx, "Broadcast settled with failures",
			"frame_type", frameType,
			"attempted", report.Attempted,
			"delivered", report.Delivered,
			"failed", len(report.Failures),
		)
	}

	return report
}

// SendTo delivers frame to a single connection. It returns
// domain.ErrConnectionNotFound if id is not in the store and
// domain.ErrConnectionClosed if the connection is no longer open.
func (b *Broadcaster) SendTo(ctx context.Context, id string, frame []byte, frameType string) error {
	h, ok := b.store.Get(id)
	if !ok {
		return domain.ErrConnectionNotFound
	}
	if !h.IsOpen() {
		return domain.ErrConnectionClosed
	}

	err := h.Send(ctx, frame)
	b.metrics.Sent(frameType, err)
	if err != nil {
		slog.WarnContext(ctx, "Send failed", "connection_id", id, "frame_type", frameType, "error", err)
	}
	return err
}
