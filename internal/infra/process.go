// Package infra implements infrastructure concerns (process control, storage, adapters).
package infra

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// ProcessTableImpl implements domain.ProcessTable using gopsutil.
type ProcessTableImpl struct {
	logger *zap.Logger
}

// NewProcessTable creates a process table reader.
func NewProcessTable(logger *zap.Logger) domain.ProcessTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessTableImpl{logger: logger}
}

// List returns a best-effort snapshot of all processes.
func (t *ProcessTableImpl) List() []domain.ProcessRecord {
	procs, err := process.Processes()
	if err != nil {
		t.logger.Warn("failed to enumerate processes", zap.Error(err))
		return nil
	}

	records := make([]domain.ProcessRecord, 0, len(procs))
	for _, p := range procs {
		rec, err := readRecord(p)
		if err != nil {
			continue // Process may have exited or denied access
		}
		records = append(records, rec)
	}
	return records
}

// Get re-reads a single process.
func (t *ProcessTableImpl) Get(pid int) (domain.ProcessRecord, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return domain.ProcessRecord{}, classifyProcessError("lookup", pid, err)
	}
	rec, err := readRecord(p)
	if err != nil {
		return domain.ProcessRecord{}, classifyProcessError("lookup", pid, err)
	}
	return rec, nil
}

// Exists reports whether pid is alive. Lookup errors count as alive so
// that tracking state is not dropped on a transient failure.
func (t *ProcessTableImpl) Exists(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		t.logger.Debug("pid existence check failed", zap.Int("pid", pid), zap.Error(err))
		return true
	}
	return exists
}

func readRecord(p *process.Process) (domain.ProcessRecord, error) {
	name, err := p.Name()
	if err != nil {
		return domain.ProcessRecord{}, err
	}
	ppid, err := p.Ppid()
	if err != nil {
		return domain.ProcessRecord{}, err
	}
	created, err := p.CreateTime()
	if err != nil {
		return domain.ProcessRecord{}, err
	}
	return domain.ProcessRecord{
		PID:        int(p.Pid),
		ParentPID:  int(ppid),
		Name:       name,
		CreateTime: time.UnixMilli(created),
	}, nil
}

// ProcessControllerImpl implements domain.ProcessController using gopsutil.
type ProcessControllerImpl struct{}

// NewProcessController creates a process controller.
func NewProcessController() domain.ProcessController {
	return &ProcessControllerImpl{}
}

// Suspend stops the process (SIGSTOP / NtSuspendProcess).
func (c *ProcessControllerImpl) Suspend(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return classifyProcessError("suspend", pid, err)
	}
	if err := p.Suspend(); err != nil {
		return classifyProcessError("suspend", pid, err)
	}
	return nil
}

// Resume continues a suspended process.
func (c *ProcessControllerImpl) Resume(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return classifyProcessError("resume", pid, err)
	}
	if err := p.Resume(); err != nil {
		return classifyProcessError("resume", pid, err)
	}
	return nil
}

// Terminate kills the process with SIGKILL. A stopped process does not act
// on SIGTERM until it is continued, so a soft terminate would leave it held.
func (c *ProcessControllerImpl) Terminate(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return classifyProcessError("terminate", pid, err)
	}
	if err := p.Kill(); err != nil {
		return classifyProcessError("terminate", pid, err)
	}
	return nil
}

// classifyProcessError maps OS errors onto the domain error kinds.
func classifyProcessError(op string, pid int, err error) error {
	switch {
	case errors.Is(err, process.ErrorProcessNotRunning),
		errors.Is(err, syscall.ESRCH),
		errors.Is(err, os.ErrProcessDone):
		return fmt.Errorf("%s pid %d: %w: %w", op, pid, domain.ErrProcessNotFound, err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%s pid %d: %w: %w", op, pid, domain.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%s pid %d: %w", op, pid, err)
	}
}

// Ensure the gopsutil implementations satisfy the domain interfaces.
var (
	_ domain.ProcessTable      = (*ProcessTableImpl)(nil)
	_ domain.ProcessController = (*ProcessControllerImpl)(nil)
)
