// Copyright 2017 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shutdown

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"reflect"
	"syscall"
	"testing"
	"time"
)

const (
	childEnv = "SHUTDOWN_CHILD_MODE"
	timeout  = 10 * time.Second
	ready    = "ready"
)

// TestMain lets the test binary act as the child process of the
// tests below.
func TestMain(m *testing.M) {
	if mode := os.Getenv(childEnv); mode != "" {
		runChild(mode)
	}
	os.Exit(m.Run())
}

// runChild starts a long-running operation on Context and registers
// a handler that waits for it to stop. In "stall" mode a second handler
// never returns instead. The child then shuts down: by signal in
// "signal" mode, otherwise by calling Now.
func runChild(mode string) {
	if mode == "stall" {
		release := make(chan bool)
		killSleep = func(time.Duration) { <-release }
		Handle(func() {
			fmt.Println("stalling")
			release <- true
			select {}
		})
	} else {
		ctx := Context()
		stopped := make(chan struct{})
		go func() {
			<-ctx.Done()
			fmt.Println("upload stopped:", ctx.Err())
			close(stopped)
		}()
		Handle(func() {
			select {
			case <-stopped:
				fmt.Println("storage closed")
			case <-time.After(timeout):
				fmt.Println("upload still running")
			}
		})
	}

	fmt.Println(ready)
	if mode != "signal" {
		Now(0)
	}
	select {}
}

// child runs the test binary in the given mode and returns the lines
// it printed and its exit status. If signal is set the child is sent
// SIGTERM once it is ready.
func child(t *testing.T, mode string, signal bool) ([]string, int) {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), childEnv+"="+mode)
	rc, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}

	lines := make(chan string)
	go func() {
		s := bufio.NewScanner(rc)
		for s.Scan() {
			lines <- s.Text()
		}
		close(lines)
	}()

	var got []string
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return got, exitCode(t, cmd.Wait())
			}
			got = append(got, line)
			if line == ready && signal {
				if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
					t.Fatal(err)
				}
			}
		case <-deadline:
			cmd.Process.Kill()
			t.Fatalf("child in %s mode timed out after printing %q", mode, got)
		}
	}
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var exit *exec.ExitError
	if !errors.As(err, &exit) {
		t.Fatal(err)
	}
	return exit.ExitCode()
}

func TestSignalCancelsContext(t *testing.T) {
	got, code := child(t, "signal", true)
	want := []string{ready, "upload stopped: context canceled", "storage closed"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("child printed %q, want %q", got, want)
	}
	if code != 1 {
		t.Errorf("exit status %d, want 1", code)
	}
}

func TestNowCancelsContext(t *testing.T) {
	got, code := child(t, "now", false)
	want := []string{ready, "upload stopped: context canceled", "storage closed"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("child printed %q, want %q", got, want)
	}
	if code != 0 {
		t.Errorf("exit status %d, want 0", code)
	}
}

func TestStalledHandler(t *testing.T) {
	got, code := child(t, "stall", false)
	want := []string{ready, "stalling"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("child printed %q, want %q", got, want)
	}
	if code != 1 {
		t.Errorf("exit status %d, want 1", code)
	}
}

func TestContextBeforeShutdown(t *testing.T) {
	ctx := Context()
	if ctx != Context() {
		t.Fatal("Context returned different contexts")
	}
	select {
	case <-ctx.Done():
		t.Fatalf("context done before shutdown: %v", ctx.Err())
	default:
	}
}
