package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log"

	"exam-ocr-llm/src/llm"
	"exam-ocr-llm/src/worker"
)

// ErrBusy is reported to a trigger that arrives while a request is in flight.
var ErrBusy = errors.New("busy, please retry")

// Capturer produces the JPEG image for one request.
type Capturer func(ctx context.Context) ([]byte, error)

// Target receives the outcome of one request on the loop goroutine.
type Target interface {
	OnSuccess(text string) error
	OnFailure(err error)
}

// Indicator mirrors the busy state, e.g. by disabling the tray menu.
type Indicator interface {
	SetBusy(busy bool)
}

type nopIndicator struct{}

func (nopIndicator) SetBusy(bool) {}

// Loop is the single-threaded coordinator for the interactive flow: a trigger
// captures an image, the worker analyzes it, and the result is delivered to
// the trigger's target. Only one request is in flight at a time and a
// submitted request cannot be cancelled.
type Loop struct {
	capture     Capturer
	pool        *worker.Pool
	instruction string
	indicator   Indicator
	busy        bool
	triggers    chan Target
	results     chan result
}

type result struct {
	res    llm.Result
	target Target
}

type Options struct {
	Capture     Capturer
	Analyze     worker.AnalyzeFunc
	Instruction string
	Indicator   Indicator
}

func New(opts Options) *Loop {
	ind := opts.Indicator
	if ind == nil {
		ind = nopIndicator{}
	}
	return &Loop{
		capture:     opts.Capture,
		pool:        worker.New(1, opts.Analyze),
		instruction: opts.Instruction,
		indicator:   ind,
		triggers:    make(chan Target, 4),
		results:     make(chan result, 1),
	}
}

// Trigger asks the loop to start a request. It never blocks; when the
// trigger queue is full the target is told the loop is busy.
func (l *Loop) Trigger(target Target) {
	select {
	case l.triggers <- target:
	default:
		log.Printf("Trigger: queue full, dropping")
		target.OnFailure(ErrBusy)
	}
}

// Run processes triggers and results until ctx is cancelled.
// An in-flight request is allowed to finish before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	defer l.pool.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case target := <-l.triggers:
			l.handleTrigger(ctx, target)
		case r := <-l.results:
			l.handleResult(r)
		}
	}
}

// Busy reports whether a request is in flight. Only meaningful on the loop goroutine.
func (l *Loop) Busy() bool { return l.busy }

func (l *Loop) setBusy(b bool) {
	l.busy = b
	l.indicator.SetBusy(b)
}

func (l *Loop) handleTrigger(ctx context.Context, target Target) {
	if l.busy {
		log.Printf("handleTrigger: busy, skipping")
		target.OnFailure(ErrBusy)
		return
	}

	image, err := l.capture(ctx)
	if err != nil {
		log.Printf("handleTrigger: capture error: %v", err)
		target.OnFailure(fmt.Errorf("capture failed: %w", err))
		return
	}

	l.setBusy(true)
	// the job runs to completion even if ctx is cancelled meanwhile
	jobCtx := context.WithoutCancel(ctx)
	submitted := l.pool.Submit(jobCtx, image, l.instruction, func(res llm.Result) {
		l.results <- result{res: res, target: target}
	})
	if !submitted {
		l.setBusy(false)
		target.OnFailure(ErrBusy)
	}
}

func (l *Loop) handleResult(r result) {
	defer l.setBusy(false)
	if r.res.Failed() {
		log.Printf("handleResult: analysis error: %v", r.res.Err)
		r.target.OnFailure(r.res.Err)
		return
	}
	if err := r.target.OnSuccess(r.res.Text); err != nil {
		log.Printf("handleResult: delivery error: %v", err)
		r.target.OnFailure(fmt.Errorf("delivering result: %w", err))
	}
}
