package cloud

import "context"

// pipelineMutex serializes one direction of sync traffic. It is a
// channel-backed semaphore rather than a sync.Mutex because the sync
// barrier needs to wait for the holder to finish without taking
// ownership for longer than an instant, and because acquisition must
// be abandonable via context.
type pipelineMutex struct {
	ch chan struct{}
}

func newPipelineMutex() *pipelineMutex {
	return &pipelineMutex{ch: make(chan struct{}, 1)}
}

// Lock acquires the mutex and returns the release function.
func (m *pipelineMutex) Lock(ctx context.Context) (release func(), err error) {
	select {
	case m.ch <- struct{}{}:
		return func() { <-m.ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks until the mutex is free. It does not keep it: the mutex
// is released again immediately, so Wait observes quiescence without
// blocking new work.
func (m *pipelineMutex) Wait(ctx context.Context) error {
	release, err := m.Lock(ctx)
	if err != nil {
		return err
	}
	release()
	return nil
}
