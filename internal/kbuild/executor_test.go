package kbuild

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/gookit/color"
)

// captureStdout captures everything written to stdout while fn runs. A
// background reader keeps the pipe drained so fn can write any amount.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	// gookit/color caches os.Stdout at package init; point it at the
	// pipe too so styled output is captured alongside plain output.
	color.SetOutput(w)

	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = buf.ReadFrom(r)
	}()

	fn()

	w.Close()
	os.Stdout = old
	color.ResetOutput()
	<-done
	return buf.String()
}

func TestRunCaptureStreamsAndExitCode(t *testing.T) {
	e := NewExecutor(context.Background(), false)

	var res *CaptureResult
	out := captureStdout(t, func() {
		var err error
		res, err = e.RunCapture([]string{"sh", "-c",
			"echo out1; echo err1 >&2; echo out2; echo err2 >&2; exit 3"}, nil, nil)
		if err != nil {
			t.Errorf("RunCapture: %v", err)
		}
	})
	if res == nil {
		t.Fatal("no result")
	}

	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	want := []string{"err1", "err2"}
	if len(res.StderrLines) != len(want) {
		t.Fatalf("stderr lines = %v, want %v", res.StderrLines, want)
	}
	for i, w := range want {
		if res.StderrLines[i] != w {
			t.Errorf("stderr[%d] = %q, want %q", i, res.StderrLines[i], w)
		}
	}

	// Every line from both streams is echoed exactly once.
	for _, line := range []string{"out1", "out2", "err1", "err2"} {
		if got := strings.Count(out, line); got != 1 {
			t.Errorf("console shows %q %d times, want 1", line, got)
		}
	}
}

func TestRunCaptureHighVolumeBothStreams(t *testing.T) {
	// The child fills both pipes well past one OS buffer; a sequential
	// drain would deadlock here.
	const n = 2000
	script := fmt.Sprintf(
		"i=0; while [ $i -lt %d ]; do echo stdout-line-$i; echo stderr-line-$i >&2; i=$((i+1)); done", n)

	e := NewExecutor(context.Background(), false)
	var res *CaptureResult
	out := captureStdout(t, func() {
		var err error
		res, err = e.RunCapture([]string{"sh", "-c", script}, nil, nil)
		if err != nil {
			t.Errorf("RunCapture: %v", err)
		}
	})
	if res == nil {
		t.Fatal("no result")
	}

	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if len(res.StderrLines) != n {
		t.Fatalf("captured %d stderr lines, want %d", len(res.StderrLines), n)
	}
	// Per-stream ordering is preserved in the capture.
	for i := 0; i < n; i += 500 {
		if want := fmt.Sprintf("stderr-line-%d", i); res.StderrLines[i] != want {
			t.Errorf("stderr[%d] = %q, want %q", i, res.StderrLines[i], want)
		}
	}
	if got := strings.Count(out, "stdout-line-0\n"); got != 1 {
		t.Errorf("first stdout line echoed %d times, want 1", got)
	}
}

func TestRunCaptureOversizedLine(t *testing.T) {
	// A single stderr line far beyond any fixed read buffer must still be
	// captured whole, with the stream drained to EOF afterwards.
	const lineLen = 2 * 1024 * 1024
	script := fmt.Sprintf(
		"{ head -c %d /dev/zero | tr '\\0' x; echo; echo after-big-line; } >&2; echo stdout-done", lineLen)

	e := NewExecutor(context.Background(), false)
	var res *CaptureResult
	out := captureStdout(t, func() {
		var err error
		res, err = e.RunCapture([]string{"sh", "-c", script}, nil, nil)
		if err != nil {
			t.Errorf("RunCapture: %v", err)
		}
	})
	if res == nil {
		t.Fatal("no result")
	}

	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if len(res.StderrLines) != 2 {
		t.Fatalf("captured %d stderr lines, want 2", len(res.StderrLines))
	}
	if got := len(res.StderrLines[0]); got != lineLen {
		t.Errorf("big line length = %d, want %d", got, lineLen)
	}
	if res.StderrLines[1] != "after-big-line" {
		t.Errorf("line after big line = %q", res.StderrLines[1])
	}
	if !strings.Contains(out, "stdout-done") {
		t.Errorf("stdout not echoed, output tail: %q", out[max(0, len(out)-200):])
	}
}

func TestRunCaptureEnvOverlay(t *testing.T) {
	e := NewExecutor(context.Background(), false)
	var res *CaptureResult
	out := captureStdout(t, func() {
		var err error
		res, err = e.RunCapture([]string{"sh", "-c", "echo val=$KBUILD_TEST_VAR"},
			[]string{"KBUILD_TEST_VAR=hello"}, nil)
		if err != nil {
			t.Errorf("RunCapture: %v", err)
		}
	})
	if res == nil || res.ExitCode != 0 {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(out, "val=hello") {
		t.Errorf("environment overlay not applied, output: %q", out)
	}
}

func TestRunCaptureLogMirror(t *testing.T) {
	e := NewExecutor(context.Background(), false)
	var log bytes.Buffer
	captureStdout(t, func() {
		if _, err := e.RunCapture([]string{"sh", "-c",
			"echo to-stdout; echo to-stderr >&2"}, nil, &log); err != nil {
			t.Errorf("RunCapture: %v", err)
		}
	})

	for _, line := range []string{"to-stdout", "to-stderr"} {
		if !strings.Contains(log.String(), line) {
			t.Errorf("log missing %q: %q", line, log.String())
		}
	}
}

func TestRunCaptureMissingBinary(t *testing.T) {
	e := NewExecutor(context.Background(), false)
	if _, err := e.RunCapture([]string{"/nonexistent/binary-xyz"}, nil, nil); err == nil {
		t.Fatal("expected start error for missing binary")
	}
	if _, err := e.RunCapture(nil, nil, nil); err == nil {
		t.Fatal("expected error for empty argument vector")
	}
}
