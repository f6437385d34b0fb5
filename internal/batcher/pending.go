package batcher

import (
	"context"
	"sync"
)

// Outcome is the settled state of one submitted payload.
type Outcome[P any] struct {
	ID string
	// Existing is true when the policy reported the row as stored before this write.
	Existing bool
	// Stored is the payload as written, after deduplication and BeforeWrite.
	Stored P
}

// Pending is the completion handle of one submitted payload. It settles exactly once.
type Pending[P any] struct {
	once    sync.Once
	done    chan struct{}
	outcome Outcome[P]
	err     error
}

func newPending[P any]() *Pending[P] {
	return &Pending[P]{done: make(chan struct{})}
}

func (p *Pending[P]) settle(outcome Outcome[P], err error) {
	p.once.Do(func() {
		p.outcome = outcome
		p.err = err
		close(p.done)
	})
}

// Done is closed once the payload's batch has settled.
func (p *Pending[P]) Done() <-chan struct{} {
	return p.done
}

// Result returns the settled id. It must only be called after Done is closed.
func (p *Pending[P]) Result() (string, error) {
	<-p.done
	return p.outcome.ID, p.err
}

// Wait blocks until the payload settles or ctx is done.
func (p *Pending[P]) Wait(ctx context.Context) (string, error) {
	out, err := p.Outcome(ctx)
	return out.ID, err
}

// Outcome blocks until the payload settles or ctx is done.
func (p *Pending[P]) Outcome(ctx context.Context) (Outcome[P], error) {
	select {
	case <-p.done:
		return p.outcome, p.err
	case <-ctx.Done():
		return Outcome[P]{}, ctx.Err()
	}
}
