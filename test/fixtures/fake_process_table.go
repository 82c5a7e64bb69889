// Package fixtures provides test helpers for unit and integration tests.
package fixtures

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// FakeProcessTable is an in-memory process table that also acts as a
// process controller. It records every control call for assertions.
type FakeProcessTable struct {
	mu            sync.Mutex
	procs         map[int]domain.ProcessRecord
	suspended     map[int]bool
	suspendErr    map[int]error
	resumeErr     map[int]error
	terminateErr  map[int]error
	suspendCalls  map[int]int
	resumeCalls   map[int]int
	terminateCall map[int]int
}

// NewFakeProcessTable creates an empty table.
func NewFakeProcessTable() *FakeProcessTable {
	return &FakeProcessTable{
		procs:         make(map[int]domain.ProcessRecord),
		suspended:     make(map[int]bool),
		suspendErr:    make(map[int]error),
		resumeErr:     make(map[int]error),
		terminateErr:  make(map[int]error),
		suspendCalls:  make(map[int]int),
		resumeCalls:   make(map[int]int),
		terminateCall: make(map[int]int),
	}
}

// Spawn adds a process created now.
func (f *FakeProcessTable) Spawn(pid, ppid int, name string) domain.ProcessRecord {
	return f.SpawnAt(pid, ppid, name, time.Now())
}

// SpawnAt adds a process with an explicit creation time.
func (f *FakeProcessTable) SpawnAt(pid, ppid int, name string, created time.Time) domain.ProcessRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := domain.ProcessRecord{PID: pid, ParentPID: ppid, Name: name, CreateTime: created}
	f.procs[pid] = rec
	delete(f.suspended, pid)
	return rec
}

// Exit removes a process as if it ended on its own.
func (f *FakeProcessTable) Exit(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.procs, pid)
	delete(f.suspended, pid)
}

// FailSuspend makes Suspend(pid) return err.
func (f *FakeProcessTable) FailSuspend(pid int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspendErr[pid] = err
}

// FailResume makes Resume(pid) return err.
func (f *FakeProcessTable) FailResume(pid int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeErr[pid] = err
}

// FailTerminate makes Terminate(pid) return err.
func (f *FakeProcessTable) FailTerminate(pid int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminateErr[pid] = err
}

// List implements domain.ProcessTable.
func (f *FakeProcessTable) List() []domain.ProcessRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ProcessRecord, 0, len(f.procs))
	for _, rec := range f.procs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Get implements domain.ProcessTable.
func (f *FakeProcessTable) Get(pid int) (domain.ProcessRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.procs[pid]
	if !ok {
		return domain.ProcessRecord{}, fmt.Errorf("lookup pid %d: %w", pid, domain.ErrProcessNotFound)
	}
	return rec, nil
}

// Exists implements domain.ProcessTable.
func (f *FakeProcessTable) Exists(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.procs[pid]
	return ok
}

// Suspend implements domain.ProcessController.
func (f *FakeProcessTable) Suspend(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspendCalls[pid]++
	if err := f.suspendErr[pid]; err != nil {
		return err
	}
	if _, ok := f.procs[pid]; !ok {
		return fmt.Errorf("suspend pid %d: %w", pid, domain.ErrProcessNotFound)
	}
	f.suspended[pid] = true
	return nil
}

// Resume implements domain.ProcessController.
func (f *FakeProcessTable) Resume(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeCalls[pid]++
	if err := f.resumeErr[pid]; err != nil {
		return err
	}
	if _, ok := f.procs[pid]; !ok {
		return fmt.Errorf("resume pid %d: %w", pid, domain.ErrProcessNotFound)
	}
	f.suspended[pid] = false
	return nil
}

// Terminate implements domain.ProcessController.
func (f *FakeProcessTable) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminateCall[pid]++
	if err := f.terminateErr[pid]; err != nil {
		return err
	}
	if _, ok := f.procs[pid]; !ok {
		return fmt.Errorf("terminate pid %d: %w", pid, domain.ErrProcessNotFound)
	}
	delete(f.procs, pid)
	delete(f.suspended, pid)
	return nil
}

// IsSuspended reports whether pid is currently held.
func (f *FakeProcessTable) IsSuspended(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspended[pid]
}

// SuspendCalls returns how many times Suspend(pid) was called.
func (f *FakeProcessTable) SuspendCalls(pid int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspendCalls[pid]
}

// ResumeCalls returns how many times Resume(pid) was called.
func (f *FakeProcessTable) ResumeCalls(pid int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumeCalls[pid]
}

// TerminateCalls returns how many times Terminate(pid) was called.
func (f *FakeProcessTable) TerminateCalls(pid int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminateCall[pid]
}

// TotalSuspendCalls returns the number of Suspend calls across all pids.
func (f *FakeProcessTable) TotalSuspendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.suspendCalls {
		n += c
	}
	return n
}

var (
	_ domain.ProcessTable      = (*FakeProcessTable)(nil)
	_ domain.ProcessController = (*FakeProcessTable)(nil)
)
