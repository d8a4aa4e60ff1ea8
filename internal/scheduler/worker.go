package scheduler

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Worker drives the scheduler on a fixed interval until its context ends.
type Worker struct {
	scheduler *Scheduler
	interval  time.Duration
	log       *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker builds the ticker loop around one scheduler.
func NewWorker(scheduler *Scheduler, log *zap.Logger) *Worker {
	interval := scheduler.cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{
		scheduler: scheduler,
		interval:  interval,
		log:       log.Named("scheduler.worker"),
		done:      make(chan struct{}),
	}
}

// Run blocks, executing scheduler passes until ctx is canceled. The first
// pass runs immediately so a fresh deploy converges without waiting a tick.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	w.scheduler.RunOnce(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scheduler.RunOnce(ctx)
		}
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.Run(ctx)
	w.log.Info("scheduler worker started", zap.Duration("interval", w.interval))
}

// Stop cancels the loop and waits for the in-flight pass to finish.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var Module = fx.Module("scheduler",
	fx.Provide(NewScheduler),
	fx.Provide(NewWorker),
	fx.Invoke(registerWorker),
)

func registerWorker(lc fx.Lifecycle, worker *Worker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			worker.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return worker.Stop(ctx)
		},
	})
}
