// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

package detector

import "sync"

// Pool is a fixed-size worker pool for per-batch violation evaluation.
// Submit blocks while all workers are busy, bounding in-flight work.
type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

// NewPool starts n workers.
func NewPool(n int) *Pool {
	p := &Pool{jobs: make(chan func())}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

// Submit hands one job to the pool, blocking until a worker is free.
func (p *Pool) Submit(job func()) {
	p.jobs <- job
}

// Stop drains and joins the workers. Callers must not Submit afterwards.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
}
