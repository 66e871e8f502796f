// Package heartbeat keeps this instance's presence heartbeat fresh and
// releases users held by instances that stopped beating.
package heartbeat

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Presence is the part of the presence store the worker drives.
type Presence interface {
	Heartbeat(ctx context.Context, instanceID string) error
	Sweep(ctx context.Context) ([]string, error)
}

// Worker beats and sweeps on a fixed interval.
type Worker struct {
	presence   Presence
	instanceID string
	interval   time.Duration
	onOffline  func(uids []string)
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewWorker creates a worker. onOffline receives the uids each sweep marked
// offline and may be nil.
func NewWorker(p Presence, instanceID string, interval time.Duration, onOffline func([]string), logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		presence:   p,
		instanceID: instanceID,
		interval:   interval,
		onOffline:  onOffline,
		logger:     logger.Named("heartbeat"),
	}
}

// Start beats once synchronously, so the instance counts as live before it
// accepts connections, then keeps beating in the background.
func (w *Worker) Start(ctx context.Context) {
	w.tick(ctx)
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)
}

// Stop stops the loop and waits for it to exit.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
		w.cancel = nil
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if err := w.presence.Heartbeat(ctx, w.instanceID); err != nil {
		w.logger.Error("failed to write heartbeat", zap.Error(err))
		return
	}

	offline, err := w.presence.Sweep(ctx)
	if err != nil {
		w.logger.Error("failed to sweep stale presence", zap.Error(err))
	}
	if len(offline) == 0 {
		return
	}
	w.logger.Info("released users of stale instances", zap.Strings("uids", offline))
	if w.onOffline != nil {
		w.onOffline(offline)
	}
}
