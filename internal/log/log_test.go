package log

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// syncBuffer guards a bytes.Buffer for writes from SafeGo goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func capture(t *testing.T) *syncBuffer {
	t.Helper()
	prev := current()
	buf := &syncBuffer{}
	InitWriter(buf)
	t.Cleanup(func() { setCurrent(prev) })
	return buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{" info ", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}

func TestLog_Format(t *testing.T) {
	buf := capture(t)

	Info(CatHealth, "sweep finished", "changed", 3, "elapsed", "12ms")

	line := buf.String()
	require.True(t, strings.HasSuffix(line, "\n"))
	require.Contains(t, line, "[INFO] [health] sweep finished changed=3 elapsed=12ms")
}

func TestLog_OrphanField(t *testing.T) {
	buf := capture(t)

	Warn(CatAPI, "odd fields", "key", "value", "orphan")

	require.Contains(t, buf.String(), "key=value orphan=<missing>")
}

func TestLog_MinLevel(t *testing.T) {
	buf := capture(t)

	Debug(CatCache, "hidden")
	require.Empty(t, buf.String(), "InitWriter defaults to info")

	SetMinLevel(LevelDebug)
	Debug(CatCache, "shown")
	require.Contains(t, buf.String(), "[DEBUG] [cache] shown")

	SetMinLevel(LevelError)
	Warn(CatCache, "suppressed")
	require.NotContains(t, buf.String(), "suppressed")
}

func TestLog_SetEnabled(t *testing.T) {
	buf := capture(t)

	SetEnabled(false)
	Error(CatDB, "muted")
	require.Empty(t, buf.String())

	SetEnabled(true)
	Error(CatDB, "audible")
	require.Contains(t, buf.String(), "audible")
}

func TestLog_Uninitialized(t *testing.T) {
	prev := current()
	setCurrent(nil)
	t.Cleanup(func() { setCurrent(prev) })

	require.NotPanics(t, func() { Info(CatConfig, "nowhere") })
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	buf := capture(t)

	done := make(chan struct{})
	SafeGo("boom", func() {
		defer close(done)
		panic("kaboom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "goroutine=boom panic=kaboom")
	}, time.Second, 5*time.Millisecond)
}
