package duty

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Timeouts disables prompts that have seen no action for a while. Expiry only
// touches the presentation; no shift is changed.
type Timeouts struct {
	mu         sync.Mutex
	after      time.Duration
	presenter  Presenter
	dispatcher *Dispatcher
	timers     map[string]armed
	gen        uint64
}

// armed is a pending timer. gen identifies the Touch that armed it.
type armed struct {
	timer *time.Timer
	gen   uint64
}

func NewTimeouts(after time.Duration, presenter Presenter, dispatcher *Dispatcher) *Timeouts {
	return &Timeouts{
		after:      after,
		presenter:  presenter,
		dispatcher: dispatcher,
		timers:     make(map[string]armed),
	}
}

// Touch (re)arms the timer for p's message.
func (t *Timeouts) Touch(p Prompt) {
	if t.after <= 0 || p.MessageID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.timers[p.MessageID]; ok {
		a.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timers[p.MessageID] = armed{timer: time.AfterFunc(t.after, func() { t.expire(p, gen) }), gen: gen}
}

// Forget drops the timer for a message without disabling it.
func (t *Timeouts) Forget(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.timers[messageID]; ok {
		a.timer.Stop()
		delete(t.timers, messageID)
	}
}

// Pending is the number of armed timers.
func (t *Timeouts) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Stop cancels every pending timer.
func (t *Timeouts) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, a := range t.timers {
		a.timer.Stop()
		delete(t.timers, id)
	}
}

func (t *Timeouts) expire(p Prompt, gen uint64) {
	t.mu.Lock()
	if a, ok := t.timers[p.MessageID]; !ok || a.gen != gen {
		// Re-armed or forgotten since this timer fired.
		t.mu.Unlock()
		return
	}
	delete(t.timers, p.MessageID)
	t.mu.Unlock()

	t.dispatcher.Dispatch(uuid.New(), promptFields(p), Effect{
		Name: "timeout",
		Run:  func(ctx context.Context) error { return t.presenter.Disable(ctx, p) },
	})
}
