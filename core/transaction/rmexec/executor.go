// Package rmexec provides the single-goroutine "strand" each RM runs
// its state mutations on. It is the direct Go analogue of the
// boost::asio::io_context::strand the original tx_context posts every
// lock/read/log callback through: one goroutine drains a queue of
// closures, so nothing inside the RM ever needs its own mutex.
package rmexec

// Executor serializes closures onto a single goroutine. All state
// mutations on a ResourceManager must be posted through its Executor;
// this is what makes the "at most one pending lock_acquire" and
// "operations complete strictly in order" invariants hold without any
// locking inside the RM itself.
type Executor struct {
	tasks chan func()
	done  chan struct{}
}

// New starts the executor's goroutine. Callers must call Stop once the
// RM reaches ENDED to release it.
func New() *Executor {
	e := &Executor{
		tasks: make(chan func(), 64),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.done:
			// Drain anything already queued before a task that
			// closed us, then exit; nothing enqueued after Stop is
			// ever run.
			for {
				select {
				case fn := <-e.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn to run on the executor's goroutine. Safe to call
// from any goroutine, including from within a task already running on
// this executor (it will simply run after the current task returns).
func (e *Executor) Post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
		// Executor already stopped; drop silently, matching the
		// original's "callbacks may outlive the RM but do nothing
		// useful once it has ended" behavior.
	}
}

// Stop signals the run loop to drain and exit. Idempotent.
func (e *Executor) Stop() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}
