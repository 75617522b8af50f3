package phys

import "sync"

// TraceEvent records one observable memory operation. Tests use the
// journal to check ordering properties, e.g. that private memory is
// zeroed before its protection entry is released.
type TraceEvent struct {
	Op   string // "zero", "write", "pmp-program", "pmp-clear"
	Addr uint64
	Size uint64
}

// Journal is an append-only event log shared between instrumented
// components.
type Journal struct {
	mu     sync.Mutex
	events []TraceEvent
}

// Append records an event.
func (j *Journal) Append(ev TraceEvent) {
	j.mu.Lock()
	j.events = append(j.events, ev)
	j.mu.Unlock()
}

// Events returns a snapshot of the recorded events.
func (j *Journal) Events() []TraceEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]TraceEvent, len(j.events))
	copy(out, j.events)
	return out
}

// Traced wraps a Memory and records Zero and Write operations into a
// Journal.
type Traced struct {
	Memory
	Journal *Journal
}

func (t *Traced) Write(addr uint64, p []byte) error {
	if err := t.Memory.Write(addr, p); err != nil {
		return err
	}
	t.Journal.Append(TraceEvent{Op: "write", Addr: addr, Size: uint64(len(p))})
	return nil
}

func (t *Traced) Zero(addr, size uint64) error {
	if err := t.Memory.Zero(addr, size); err != nil {
		return err
	}
	t.Journal.Append(TraceEvent{Op: "zero", Addr: addr, Size: size})
	return nil
}
