package worker

import (
	"context"
	"log"
	"sync"

	"exam-ocr-llm/src/llm"
)

// AnalyzeFunc performs one model call. *llm.Client's Analyze satisfies it.
type AnalyzeFunc func(ctx context.Context, image []byte, instruction string) llm.Result

// ResultCallback is invoked on completion from a worker goroutine.
// The event loop should pass a closure that posts back into the event loop safely.
type ResultCallback func(res llm.Result)

// Pool is a fixed-size analysis worker pool with a 1-slot input queue (strict back-pressure).
type Pool struct {
	analyze AnalyzeFunc
	jobs    chan job
	wg      sync.WaitGroup
}

type job struct {
	ctx         context.Context
	image       []byte
	instruction string
	cb          ResultCallback
}

// New creates a worker pool. Size defaults to 1 when size<=0. Queue is 1 slot.
func New(size int, analyze AnalyzeFunc) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{analyze: analyze, jobs: make(chan job, 1)}
	p.start(size)
	return p
}

func (p *Pool) start(n int) {
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.jobs {
				log.Printf("Worker: starting analysis, image %d bytes", len(j.image))
				res := p.run(j)
				log.Printf("Worker: analysis completed, text length=%d, failed=%v", len(res.Text), res.Failed())
				j.cb(res)
			}
		}()
	}
}

func (p *Pool) run(j job) (res llm.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Worker: PANIC during analysis: %v", r)
			res = llm.Result{Err: &llm.TransportError{Message: "internal error during analysis"}}
		}
	}()
	return p.analyze(j.ctx, j.image, j.instruction)
}

// Submit enqueues a job if the single-slot queue is free. Returns false if dropped.
func (p *Pool) Submit(ctx context.Context, image []byte, instruction string, cb ResultCallback) bool {
	select {
	case p.jobs <- job{ctx: ctx, image: image, instruction: instruction, cb: cb}:
		return true
	default:
		return false
	}
}

// Close stops the pool after draining current work.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
