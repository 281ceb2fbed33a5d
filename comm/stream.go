package comm

import "sync"

// A Stream is an ordered queue of work attached to one
// device's communicator.
//
// Work items run one after another in the order they were
// enqueued, each in the background. The host only blocks
// on a Stream through Synchronize.
type Stream struct {
	lock    sync.Mutex
	tail    chan struct{}
	pending int
	err     error
	elapsed float64
}

func newStream() *Stream {
	return &Stream{}
}

// enqueue appends a task to the stream.
//
// The task returns the virtual time it consumed and its
// error, if any.
func (s *Stream) enqueue(task func() (float64, error)) {
	s.lock.Lock()
	prev := s.tail
	done := make(chan struct{})
	s.tail = done
	s.pending++
	s.lock.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		elapsed, err := task()

		s.lock.Lock()
		defer s.lock.Unlock()
		s.pending--
		s.elapsed += elapsed
		if err != nil && s.err == nil {
			s.err = err
		}
	}()
}

// Synchronize blocks until all the work enqueued before
// the call has finished.
//
// It returns the first error any of that work produced
// since the last Synchronize, and clears it.
func (s *Stream) Synchronize() error {
	s.lock.Lock()
	tail := s.tail
	s.lock.Unlock()

	if tail != nil {
		<-tail
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	err := s.err
	s.err = nil
	return err
}

// Query reports whether the stream has no unfinished
// work.
func (s *Stream) Query() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.pending == 0
}

// Elapsed returns the total virtual time consumed by the
// work completed on this stream.
func (s *Stream) Elapsed() float64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.elapsed
}
