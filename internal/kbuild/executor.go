package kbuild

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Executor provides a consistent interface for executing commands,
// abstracting away the privilege escalation (sudo) logic.
type Executor struct {
	Context         context.Context // The context to use for cancellation
	ShouldRunAsRoot bool            // ShouldRunAsRoot specifies whether the command MUST be executed with root privileges.
}

func NewExecutor(ctx context.Context, root bool) *Executor {
	return &Executor{Context: ctx, ShouldRunAsRoot: root}
}

// runInteractiveCommand executes a command attached to the TTY for
// interactive prompts. It does not use process group isolation, making it
// suitable for commands like `sudo -v`.
func runInteractiveCommand(ctx context.Context, name string, arg ...string) error {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// ensureSudo checks if the sudo ticket is still valid and re-prompts if
// necessary. No action needed if we are already root or the command doesn't
// require root.
func (e *Executor) ensureSudo() error {
	if os.Geteuid() == 0 || !e.ShouldRunAsRoot {
		return nil
	}
	// Non-interactive check first (`sudo -nv`): fast, and avoids any user
	// interaction while the ticket is still fresh.
	checkCmd := exec.CommandContext(e.Context, "sudo", "-nv")
	checkCmd.Stdout = io.Discard
	checkCmd.Stderr = io.Discard

	if err := checkCmd.Run(); err == nil {
		return nil
	}

	// Ticket has likely expired, re-authenticate interactively.
	colArrow.Print("-> ")
	colSuccess.Println("Sudo ticket has expired. Re-authenticating")

	if err := runInteractiveCommand(e.Context, "sudo", "-v"); err != nil {
		return fmt.Errorf("sudo re-authentication failed: %w", err)
	}
	colArrow.Print("-> ")
	colSuccess.Println("Re-authenticated via sudo successfully.")
	return nil
}

// buildCommand assembles the final *exec.Cmd, applying the sudo -E wrapper
// when the executor requires root and we aren't already root.
func (e *Executor) buildCommand(args []string, extraEnv []string) (*exec.Cmd, error) {
	if len(args) == 0 {
		return nil, errors.New("empty argument vector")
	}

	var finalCmd *exec.Cmd
	if e.ShouldRunAsRoot && os.Geteuid() != 0 {
		sudoArgs := append([]string{"-E"}, args...)
		finalCmd = exec.CommandContext(e.Context, "sudo", sudoArgs...)
	} else {
		finalCmd = exec.CommandContext(e.Context, args[0], args[1:]...)
	}

	finalCmd.Env = os.Environ()
	if len(extraEnv) > 0 {
		finalCmd.Env = append(finalCmd.Env, extraEnv...)
	}
	return finalCmd, nil
}

// CaptureResult is what a finished invocation leaves behind: the ordered
// stderr capture and the process exit code.
type CaptureResult struct {
	StderrLines []string
	ExitCode    int
}

// lockedWriter serializes writes from the two drain goroutines into the
// shared build log.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// drainStream reads one pipe line by line, echoing every line immediately
// and mirroring it into logw. When capture is non-nil the lines are also
// accumulated in order. Stdout and stderr each get their own drain goroutine
// so the child can never stall on a full pipe buffer. Lines have no length
// limit; the reader grows as needed and the pipe is always read to EOF.
func drainStream(pipe io.Reader, logw io.Writer, capture *[]string, wg *sync.WaitGroup) {
	defer wg.Done()
	reader := bufio.NewReaderSize(pipe, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			line = strings.TrimSuffix(line, "\n")
			fmt.Println(line)
			if logw != nil {
				fmt.Fprintln(logw, line)
			}
			if capture != nil {
				*capture = append(*capture, line)
			}
		}
		if err != nil {
			return
		}
	}
}

// RunCapture spawns the command, drains stdout and stderr concurrently,
// blocks until the process terminates and both drains complete, then
// returns the accumulated stderr lines and the exit code. A non-zero exit
// code is reported through the result, not as an error; errors mean the
// process could not be run at all.
func (e *Executor) RunCapture(args []string, extraEnv []string, logw io.Writer) (*CaptureResult, error) {
	if err := e.ensureSudo(); err != nil {
		return nil, err
	}

	finalCmd, err := e.buildCommand(args, extraEnv)
	if err != nil {
		return nil, err
	}

	stdoutPipe, err := finalCmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := finalCmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	// Isolate the process group so cancellation can reap descendants too.
	finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := finalCmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	pgid := finalCmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-e.Context.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	if logw != nil {
		logw = &lockedWriter{w: logw}
	}

	var stderrLines []string
	var wg sync.WaitGroup
	wg.Add(2)
	go drainStream(stdoutPipe, logw, nil, &wg)
	go drainStream(stderrPipe, logw, &stderrLines, &wg)

	// Both pipes must hit EOF before Wait may close them.
	wg.Wait()

	res := &CaptureResult{StderrLines: stderrLines}
	if waitErr := finalCmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return nil, fmt.Errorf("command aborted: %v", e.Context.Err())
		}
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, waitErr
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// Run executes cmd without capture, elevating via sudo -E only when needed.
// Used for plumbing commands (mount, umount) whose output goes straight to
// the console.
func (e *Executor) Run(cmd *exec.Cmd) error {
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := e.ensureSudo(); err != nil {
		return err
	}

	finalCmd, err := e.buildCommand(cmd.Args, nil)
	if err != nil {
		return err
	}
	if len(cmd.Env) > 0 {
		finalCmd.Env = cmd.Env
	}
	finalCmd.Dir = cmd.Dir
	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr

	finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	pgid := finalCmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-e.Context.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	if waitErr := finalCmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %v", e.Context.Err())
		}
		return waitErr
	}
	return nil
}
