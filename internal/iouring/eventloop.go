package iouring

import (
	"sync"
	"time"
)

// ring wraps a single IOUring instance with a submission channel so many
// goroutines (one per socket direction) can hand it UserData ops without
// each one taking the ring's submit lock.
type ring struct {
	r       *IOUring
	sqeChan chan *UserData
	mu      sync.Mutex
}

// IOUringEventLoop is the shared completion/submission engine every stream,
// datagram and listener socket rides on: one multi-producer ring per
// process, not one per fd.
type IOUringEventLoop struct {
	ring *ring
}

// NewIOUringEventLoop creates the shared ring and starts its submission
// batcher and completion dispatcher goroutines.
func NewIOUringEventLoop(cfg *Config) (*IOUringEventLoop, error) {
	r, err := NewIOUring(2 * cfg.IOUringQueueSize)
	if err != nil {
		return nil, err
	}

	evl := &IOUringEventLoop{
		ring: &ring{
			r:       r,
			sqeChan: make(chan *UserData, cfg.IOUringQueueSize),
		},
	}

	go evl.ring.sqeEventLoop(cfg.SQEBatchSize, cfg.SQESubmitInterval)
	go evl.ring.eventLoop()

	return evl, nil
}

// Enqueue hands one op to the batcher; it will be submitted within
// SQESubmitInterval or once SQEBatchSize ops have accumulated, whichever
// comes first; with a zero interval, also as soon as the submission channel
// drains. Used for the common send/recv/accept path.
func (evl *IOUringEventLoop) Enqueue(ud *UserData) {
	evl.ring.sqeChan <- ud
}

// SubmitNow enqueues ud and forces an immediate flush, bypassing batching.
// Used by the cancellation path, which must not wait for a batch window
// before the kernel sees the cancel request.
func (evl *IOUringEventLoop) SubmitNow(ud *UserData) {
	evl.ring.prepareSQE(ud)
	evl.ring.Submit()
}

// Close tears down the underlying ring. Callers must first have drained or
// cancelled any in-flight ops.
func (evl *IOUringEventLoop) Close() error {
	return evl.ring.r.Close()
}

func (r *ring) prepareSQE(x *UserData) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sqe := r.r.PeekSQE(false)
	x.Copy2SQE(sqe)
	r.r.AdvanceSQ()
}

func (r *ring) Submit() {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, errno := r.r.Submit()
	if errno != 0 {
		panic(errno.Error())
	}
}

func (r *ring) SubmitBatch(xx []*UserData) {
	for _, x := range xx {
		r.prepareSQE(x)
	}
	r.Submit()
}

// sqeEventLoop batches SQE submission for efficiency. SQE preparation and
// submission both take r.mu, so this loop and SubmitNow's callers never race
// on the tail pointer.
func (r *ring) sqeEventLoop(batchSize int, submitInterval time.Duration) {
	var submitc <-chan time.Time
	if submitInterval > 0 {
		ticker := time.NewTicker(submitInterval)
		defer ticker.Stop()
		submitc = ticker.C
	}
	n := 0
	for {
		select {
		case x, ok := <-r.sqeChan:
			if !ok {
				return
			}
			r.prepareSQE(x)
			n++
		case <-submitc:
			r.Submit()
			n = 0
		}
		if n >= batchSize || (submitInterval <= 0 && n > 0 && len(r.sqeChan) == 0) {
			r.Submit()
			n = 0
		}
	}
}

// eventLoop waits for completions and dispatches them to their owning slot.
func (r *ring) eventLoop() {
	for {
		cqe, err := r.r.WaitCQE()
		if err != nil {
			panic(err)
		}
		// UserData can be 0 for unlinked timeout operations.
		if cqe.UserData != 0 {
			r.handleUserData(getUserData(cqe.UserData), cqe.Res, cqe.Flags)
		}
		r.r.AdvanceCQ()
	}
}

func (r *ring) handleUserData(ud *UserData, res int32, flags uint32) {
	if !ud.IsValid() {
		return
	}
	if res > 0 && ud.IsWriteOp() {
		n, done := ud.AdvanceWrite(res)
		if !done {
			r.sqeChan <- ud // re-arm until the writev is fully drained
			return
		}
		res = n
	}
	if ud.cb != nil {
		ud.cb(res, flags)
		return
	}
	ud.SendRes(res)
}
