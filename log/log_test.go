// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package log

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func capture(t *testing.T) *bytes.Buffer {
	buf := new(bytes.Buffer)
	SetOutput(buf)
	prev := GetLevel()
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(prev)
	})
	return buf
}

func TestLogLevel(t *testing.T) {
	const (
		msg1 = "log line1"
		msg2 = "log line2"
		msg3 = "log line3"
	)
	buf := capture(t)

	level := "info"
	SetLevel(level)
	if GetLevel() != level {
		t.Fatalf("Expected %q, got %q", level, GetLevel())
	}
	Debug.Println(msg1)             // not logged
	Info.Print(msg2)                // logged
	Error.Printf("hello: %s", msg3) // logged

	out := buf.String()
	if strings.Contains(out, msg1) {
		t.Errorf("debug message logged at info level: %q", out)
	}
	if !strings.Contains(out, msg2) || !strings.Contains(out, "hello: "+msg3) {
		t.Errorf("missing messages in %q", out)
	}
}

func TestDisable(t *testing.T) {
	buf := capture(t)
	SetLevel("debug")
	Debug.Printf("Starting server...")
	SetLevel("disabled")
	Error.Printf("Important stuff you'll miss!")
	out := buf.String()
	if !strings.Contains(out, "Starting server...") {
		t.Errorf("missing debug line in %q", out)
	}
	if strings.Contains(out, "miss") {
		t.Errorf("logged while disabled: %q", out)
	}
}

func TestFatal(t *testing.T) {
	const msg = "will abort anyway"
	buf := capture(t)

	code := -1
	osExit = func(c int) { code = c }
	defer func() { osExit = os.Exit }()

	SetLevel("error")
	Info.Fatal(msg)

	if code != 1 {
		t.Errorf("exit code = %d; want 1", code)
	}
	if !strings.Contains(buf.String(), msg) {
		t.Errorf("fatal message not logged: %q", buf.String())
	}
}

func TestAt(t *testing.T) {
	capture(t)
	SetLevel("info")

	if At("debug") {
		t.Errorf("Debug is expected to be disabled when level is info")
	}
	if !At("error") {
		t.Errorf("Error is expected to be enabled when level is info")
	}
	if At("bogus") {
		t.Errorf("unknown level reported as enabled")
	}
	if err := SetLevel("bogus"); err == nil {
		t.Errorf("SetLevel accepted an unknown level")
	}
}

func TestWith(t *testing.T) {
	buf := capture(t)
	SetLevel("info")
	l := With(zap.String("server", "v0-abcd"))
	l.Info.Printf("allocated %d shares", 3)
	out := buf.String()
	if !strings.Contains(out, "allocated 3 shares") || !strings.Contains(out, "v0-abcd") {
		t.Errorf("structured field missing from %q", out)
	}
}

func TestStdLogger(t *testing.T) {
	buf := capture(t)
	SetLevel("info")
	NewStdLogger(Error).Printf("http: %s", "accept error")
	NewStdLogger(Debug).Print("hidden")
	if !strings.Contains(buf.String(), "http: accept error") {
		t.Fatalf("missing message in %q", buf.String())
	}
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug message logged at info level: %q", buf.String())
	}
}
