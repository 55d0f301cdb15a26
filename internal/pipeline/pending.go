package pipeline

import "sync"

// pendingErr tracks in-flight flush goroutines and the first error any of
// them reported. add/wait are only called from the consumer goroutine;
// record/done are called from workers.
type pendingErr struct {
	wg  sync.WaitGroup
	mu  sync.Mutex
	err error
}

func (p *pendingErr) add(n int) { p.wg.Add(n) }
func (p *pendingErr) done()     { p.wg.Done() }
func (p *pendingErr) wait()     { p.wg.Wait() }

func (p *pendingErr) record(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

// take returns the recorded error. A flush failure is terminal for the
// pipeline, so the error is deliberately not cleared.
func (p *pendingErr) take() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
