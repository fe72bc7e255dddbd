package sched

// ChanWaker is the portable [Waker]: a one-deep channel the processing
// task sleeps on. Wake never blocks; coalescing multiple wakes into one
// pending token is exactly the level-triggered behavior the flags need.
type ChanWaker struct {
	ch chan struct{}
}

func NewChanWaker() *ChanWaker {
	return &ChanWaker{ch: make(chan struct{}, 1)}
}

func (w *ChanWaker) Wake() bool {
	select {
	case w.ch <- struct{}{}:
		return true
	default:
		// A wake is already pending, the task will see our flags too.
		return false
	}
}

// C returns the channel to sleep on.
func (w *ChanWaker) C() <-chan struct{} {
	return w.ch
}
