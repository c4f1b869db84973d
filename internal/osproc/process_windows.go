//go:build windows

package osproc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

type sysState struct {
	mu  sync.Mutex
	job windows.Handle
}

// jobBasicAccounting mirrors JOBOBJECT_BASIC_ACCOUNTING_INFORMATION.
type jobBasicAccounting struct {
	TotalUserTime             int64
	TotalKernelTime           int64
	ThisPeriodTotalUserTime   int64
	ThisPeriodTotalKernelTime int64
	TotalPageFaultCount       uint32
	TotalProcesses            uint32
	ActiveProcesses           uint32
	TotalTerminatedProcesses  uint32
}

func configureCommand(cmd *exec.Cmd, req Request) error {
	if req.User != "" {
		return &StartError{Kind: FailureInvalidRequest, Path: req.Path, Err: errors.New("run_as is not supported on windows")}
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
	return nil
}

// attach places the started process in a kill-on-close job object.
// Children created before the assignment completes are not captured.
func (p *Process) attach(Request) error {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return fmt.Errorf("create job object: %w", err)
	}
	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	); err != nil {
		windows.CloseHandle(job)
		return fmt.Errorf("configure job object: %w", err)
	}
	proc, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(p.pid))
	if err != nil {
		windows.CloseHandle(job)
		return fmt.Errorf("open process %d: %w", p.pid, err)
	}
	defer windows.CloseHandle(proc)
	if err := windows.AssignProcessToJobObject(job, proc); err != nil {
		windows.CloseHandle(job)
		return fmt.Errorf("assign process %d to job: %w", p.pid, err)
	}
	p.sys.job = job
	return nil
}

func (p *Process) release() error {
	p.sys.mu.Lock()
	defer p.sys.mu.Unlock()
	if p.sys.job == 0 {
		return nil
	}
	err := windows.CloseHandle(p.sys.job)
	p.sys.job = 0
	return err
}

func (p *Process) jobHandle() windows.Handle {
	p.sys.mu.Lock()
	defer p.sys.mu.Unlock()
	return p.sys.job
}

func (p *Process) signalGroup(sig Signal) error {
	switch sig {
	case SignalTERM, SignalINT:
		if !p.groupAlive() {
			return ErrGroupGone
		}
		if err := windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(p.pid)); err != nil {
			return fmt.Errorf("send ctrl-break to group %d: %w", p.pid, err)
		}
		return nil
	case SignalKILL:
		return p.killGroup()
	default:
		return fmt.Errorf("%s: %w", sig, ErrUnsupportedSignal)
	}
}

func (p *Process) killGroup() error {
	job := p.jobHandle()
	if job == 0 {
		return ErrGroupGone
	}
	if !p.groupAlive() {
		return ErrGroupGone
	}
	if err := windows.TerminateJobObject(job, 1); err != nil {
		return fmt.Errorf("terminate job for %d: %w", p.pid, err)
	}
	return nil
}

func (p *Process) groupAlive() bool {
	job := p.jobHandle()
	if job == 0 {
		return !p.Exited()
	}
	var info jobBasicAccounting
	err := windows.QueryInformationJobObject(
		job,
		windows.JobObjectBasicAccountingInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
		nil,
	)
	if err != nil {
		return !p.Exited()
	}
	return info.ActiveProcesses > 0
}

func exitCodeOf(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}

func isResourceError(err error) bool {
	return errors.Is(err, windows.ERROR_NOT_ENOUGH_MEMORY) ||
		errors.Is(err, windows.ERROR_NO_SYSTEM_RESOURCES) ||
		errors.Is(err, windows.ERROR_TOO_MANY_OPEN_FILES)
}
