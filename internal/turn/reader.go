package turn

import (
	"context"
	"sync"
)

type readResult struct {
	evt StreamEvent
	err error
}

// eventReader pulls Recv on its own goroutine so that a provider blocking in
// Recv cannot outlive the attempt's context. The goroutine exits after stop
// once the pending Recv returns, which Close on the stream guarantees.
type eventReader struct {
	stream   Stream
	requests chan struct{}
	results  chan readResult
	done     chan struct{}
	stopOnce sync.Once
}

func newEventReader(stream Stream) *eventReader {
	r := &eventReader{
		stream:   stream,
		requests: make(chan struct{}),
		results:  make(chan readResult),
		done:     make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *eventReader) loop() {
	for {
		select {
		case <-r.done:
			return
		case <-r.requests:
		}

		evt, err := r.stream.Recv()
		select {
		case r.results <- readResult{evt: evt, err: err}:
		case <-r.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// next returns the following event, or the context's cause once ctx is done.
func (r *eventReader) next(ctx context.Context) (StreamEvent, error) {
	select {
	case r.requests <- struct{}{}:
	case <-ctx.Done():
		return StreamEvent{}, context.Cause(ctx)
	}
	select {
	case res := <-r.results:
		return res.evt, res.err
	case <-ctx.Done():
		return StreamEvent{}, context.Cause(ctx)
	}
}

func (r *eventReader) stop() {
	r.stopOnce.Do(func() { close(r.done) })
}
