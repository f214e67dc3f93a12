package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "testGoroutine")
		panic("test panic")
	}()

	wg.Wait()

	output := buf.String()
	for _, want := range []string{"panic recovered", "testGoroutine", "test panic", "stack="} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestRecoverWithLog_NoopOnNoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	func() {
		defer RecoverWithLog(logger, "normal")
	}()

	if buf.Len() > 0 {
		t.Errorf("expected no output when no panic, got: %s", buf.String())
	}
}

func TestGo(t *testing.T) {
	w := &signalWriter{written: make(chan string, 1)}
	logger := slog.New(slog.NewTextHandler(w, nil))

	Go(logger, "worker", func() {
		panic("boom")
	})

	select {
	case output := <-w.written:
		if !strings.Contains(output, "goroutine=worker") {
			t.Errorf("expected goroutine name in output, got: %s", output)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("panic was not logged")
	}
}

// signalWriter hands each written log line to a channel.
type signalWriter struct {
	written chan string
}

func (s *signalWriter) Write(p []byte) (int, error) {
	select {
	case s.written <- string(p):
	default:
	}
	return len(p), nil
}
