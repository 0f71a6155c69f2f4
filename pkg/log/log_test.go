// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("Writer lines mismatch (-want +got):\n%s", diff)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)
	if got, want := buf.String(), "shown 2\nshown 3\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestGoogleEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2024, time.March, 7, 9, 8, 7, 6000, time.UTC)
	e.Emit(0, Warning, ts, "pool %s exhausted", "Application")
	got := buf.String()
	if !strings.HasPrefix(got, "W0307 09:08:07.000006 ") {
		t.Errorf("header = %q, want prefix %q", got, "W0307 09:08:07.000006 ")
	}
	if !strings.HasSuffix(got, "] pool Application exhausted\n") {
		t.Errorf("message = %q, want suffix %q", got, "] pool Application exhausted\n")
	}
	if !strings.Contains(got, "log_test.go:") {
		t.Errorf("caller missing from %q", got)
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	ts := time.Date(2024, time.March, 7, 9, 8, 7, 0, time.UTC)
	e.Emit(0, Info, ts, "allocated %d pages", 16)

	var got jsonLog
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("json.Unmarshal(%q): %v", buf.String(), err)
	}
	if got.Msg != "allocated 16 pages" || got.Level != Info || !got.Time.Equal(ts) {
		t.Errorf("decoded %+v", got)
	}
	if !strings.HasPrefix(got.Caller, "log_test.go:") {
		t.Errorf("Caller = %q, want log_test.go:<line>", got.Caller)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	var buf bytes.Buffer
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: &buf}}, time.Hour)
	for i := 0; i < 5; i++ {
		l.Warningf("out of memory %d", i)
	}
	if got, want := buf.String(), "out of memory 0\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}

	rl := l.(*rateLimitedLogger)
	rl.limit = rate.NewLimiter(rate.Inf, 1)
	buf.Reset()
	l.Warningf("out of memory %d", 5)
	if got, want := buf.String(), "out of memory 5 (4 similar messages suppressed)\n"; got != want {
		t.Errorf("output after quiet period = %q, want %q", got, want)
	}
}

func TestBuildPath(t *testing.T) {
	start := time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)
	got := BuildPath("/tmp/kmemsim/%PID%/%TIMESTAMP%.log", 42, start)
	if want := "/tmp/kmemsim/42/20240102-030405.000000.log"; got != want {
		t.Errorf("BuildPath = %q, want %q", got, want)
	}
}

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]Level{"warning": Warning, "info": Info, "Debug": Debug} {
		if got, err := ParseLevel(s); err != nil || got != want {
			t.Errorf("ParseLevel(%q) = (%v, %v), want %v", s, got, err, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Errorf("ParseLevel accepted an unknown level")
	}
}
