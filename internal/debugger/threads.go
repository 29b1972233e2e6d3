package debugger

import "context"

// threadBookkeeping records every thread id the stub has reported on this
// connection, so Threads() can report additions without the caller needing
// to diff two qfThreadInfo replies itself. Grounded on delve's
// threadUpdater.Add/Finish pair (pkg/proc/gdbserver): newly seen ids fire a
// callback (OnThreadStarted). Ids are never removed from the set, and no
// event is emitted when a thread disappears from a later reply.
type threadBookkeeping struct {
	known map[int]Thread
}

func newThreadBookkeeping() *threadBookkeeping {
	return &threadBookkeeping{known: make(map[int]Thread)}
}

// Threads refreshes the thread list from the stub and returns it, emitting
// OnThreadStarted for any thread id not previously seen on this connection.
func (d *Debugger) Threads(ctx context.Context) ([]Thread, error) {
	list, err := d.ThreadList(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()

	if d.bookkeeping == nil {
		d.bookkeeping = newThreadBookkeeping()
	}

	bk := d.bookkeeping

	var newlyStarted []int

	for _, th := range list {
		if _, seen := bk.known[th.ThreadID]; !seen {
			bk.known[th.ThreadID] = th
			newlyStarted = append(newlyStarted, th.ThreadID)
		}
	}

	d.mu.Unlock()

	for _, tid := range newlyStarted {
		d.sink.OnThreadStarted(tid)
	}

	return list, nil
}
