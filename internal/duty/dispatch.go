package duty

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SideEffectError is a failed or panicked side effect. It is only ever logged.
type SideEffectError struct {
	Effect        string
	CorrelationID uuid.UUID
	Err           error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("side effect %s (%s): %v", e.Effect, e.CorrelationID, e.Err)
}

func (e *SideEffectError) Unwrap() error { return e.Err }

// Effect is one named unit of background work.
type Effect struct {
	Name string
	Run  func(ctx context.Context) error
}

// Dispatcher runs side effects in the background, all of a batch concurrently,
// each under its own timeout. Failures and panics are logged and swallowed.
type Dispatcher struct {
	base    context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewDispatcher(logger *zap.Logger, timeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		base:    base,
		cancel:  cancel,
		timeout: timeout,
		logger:  logger.Named("effects"),
	}
}

// Dispatch starts effects and returns immediately. fields are added to every
// failure log line.
func (d *Dispatcher) Dispatch(correlationID uuid.UUID, fields []zap.Field, effects ...Effect) {
	if len(effects) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		var g errgroup.Group
		for _, eff := range effects {
			eff := eff
			g.Go(func() error {
				if err := d.run(eff, correlationID); err != nil {
					d.logger.Warn("side effect failed",
						append([]zap.Field{
							zap.String("correlation_id", correlationID.String()),
							zap.String("effect", eff.Name),
							zap.Error(err),
						}, fields...)...)
				}
				// Never fail the group: one effect must not cancel another.
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (d *Dispatcher) run(eff Effect, correlationID uuid.UUID) (err error) {
	ctx, cancel := context.WithTimeout(d.base, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = &SideEffectError{Effect: eff.Name, CorrelationID: correlationID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if rerr := eff.Run(ctx); rerr != nil {
		return &SideEffectError{Effect: eff.Name, CorrelationID: correlationID, Err: rerr}
	}
	return nil
}

// Wait blocks until every dispatched effect has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels in-flight effects and waits for them to return.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
