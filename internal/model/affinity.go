package model

import (
	"bytes"
	"runtime"
	"strconv"
	"sync/atomic"
)

const wrongSequence = "model: Manager entered from a second goroutine; it must be owned by a single sequence"

// affinity detects a Manager being entered from two goroutines at once.
// The goroutine that enters an idle manager owns it until it leaves. The
// owner may re-enter only from inside a callback the manager itself is
// running (completions and event subscribers); any other goroutine panics.
type affinity struct {
	owner     atomic.Uint64 // goroutine id, 0 while idle
	callbacks atomic.Int32  // nesting depth of callbacks run by owner
}

func (a *affinity) enter() (reentrant bool) {
	id := goid()
	if a.owner.CompareAndSwap(0, id) {
		return false
	}
	if a.owner.Load() == id && a.callbacks.Load() > 0 {
		return true
	}
	panic(wrongSequence)
}

func (a *affinity) exit(reentrant bool) {
	if !reentrant {
		a.owner.Store(0)
	}
}

func (a *affinity) callback(fn func()) {
	a.callbacks.Add(1)
	defer a.callbacks.Add(-1)
	fn()
}

var goroutinePrefix = []byte("goroutine ")

// goid returns the id of the calling goroutine, parsed from the first line
// of its stack trace ("goroutine 17 [running]:").
func goid() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil || id == 0 {
		panic("model: cannot determine goroutine id")
	}
	return id
}
