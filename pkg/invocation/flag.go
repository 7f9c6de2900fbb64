package invocation

import "sync/atomic"

// CancellationFlag is a one-shot latch. Once set it stays set.
type CancellationFlag struct {
	set atomic.Bool
}

// Set raises the flag and reports whether this call raised it.
func (f *CancellationFlag) Set() bool {
	return f.set.CompareAndSwap(false, true)
}

// IsCancelled reports whether the flag was raised.
func (f *CancellationFlag) IsCancelled() bool {
	return f.set.Load()
}
