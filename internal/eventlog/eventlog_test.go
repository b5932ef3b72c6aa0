package eventlog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestLog_AppendsDayPartitionedJSONL(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Logs")
	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	l := New(dir, WithClock(fixedClock(day1)))

	l.Emit("task_claimed", "orchestrator", ResultSuccess, "In_Progress/TASK_a.md", nil)
	l.Emit("plan_created", "orchestrator", ResultSuccess, "Plans/Plan_a.md", map[string]any{"round": 1})
	l.Record(Entry{Timestamp: day1.Add(2 * time.Minute), Action: "task_complete", Source: "orchestrator", Result: ResultSuccess})

	entries, err := ReadFile(filepath.Join(dir, "2026-03-01.json"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "task_claimed", entries[0].Action)
	assert.Equal(t, "In_Progress/TASK_a.md", entries[0].TaskRef)
	assert.NotEmpty(t, entries[0].EventID)
	assert.NotEqual(t, entries[0].EventID, entries[1].EventID)
	assert.Equal(t, map[string]any{"round": float64(1)}, entries[1].Details)

	next, err := ReadFile(filepath.Join(dir, "2026-03-02.json"))
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "task_complete", next[0].Action)
}

func TestLog_OmitsEmptyOptionalFields(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := New(dir, WithClock(fixedClock(now)))
	l.Emit("watchdog_started", "watchdog", ResultSuccess, "", nil)

	data, err := os.ReadFile(l.PathFor(now))
	require.NoError(t, err)
	line := string(data)
	assert.NotContains(t, line, "task_ref")
	assert.NotContains(t, line, "details")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestLog_TruncatesStringDetails(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := New(dir, WithClock(fixedClock(now)))
	l.Emit("error", "orchestrator", ResultFailure, "", strings.Repeat("x", 900))

	entries, err := ReadFile(l.PathFor(now))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Details, maxDetailString)
}

func TestLog_WriteFailureIsBestEffort(t *testing.T) {
	// A regular file where the log directory should be makes every append fail.
	blocker := filepath.Join(t.TempDir(), "Logs")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0644))

	var got []error
	bus := NewBus(4)
	received := make(chan Entry, 1)
	bus.Subscribe(func(e Entry) { received <- e })
	defer bus.Close()

	l := New(blocker, WithBus(bus), WithErrorHandler(func(err error) { got = append(got, err) }))
	assert.NotPanics(t, func() {
		l.Emit("task_claimed", "orchestrator", ResultSuccess, "", nil)
	})
	require.Len(t, got, 1)

	select {
	case e := <-received:
		assert.Equal(t, "task_claimed", e.Action)
	case <-time.After(time.Second):
		t.Fatal("entry not published after failed append")
	}
}

func TestLog_ConcurrentAppends(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := New(dir, WithClock(fixedClock(now)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Emit("retry_attempt", "retry_handler", ResultFailure, "", map[string]any{"attempt": 1})
		}()
	}
	wg.Wait()

	entries, err := ReadFile(l.PathFor(now))
	require.NoError(t, err)
	assert.Len(t, entries, 50)
}

func TestReadFile_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "2026-03-01.json")
	content := `{"action":"a","source":"s","result":"success"}
not json
{"action":"b","source":"s","result":"failure"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	entries, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[1].Action)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(10)

	var mu sync.Mutex
	counts := map[string]int{}
	for _, name := range []string{"a", "b"} {
		name := name
		bus.Subscribe(func(e Entry) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
		})
	}

	bus.Publish(Entry{Action: "x"})
	bus.Publish(Entry{Action: "y"})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"a": 2, "b": 2}, counts)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	calls := make(chan Entry, 10)
	unsub := bus.Subscribe(func(e Entry) { calls <- e })
	unsub()
	bus.Publish(Entry{Action: "x"})

	select {
	case <-calls:
		t.Fatal("unsubscribed handler was called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SubscriberPanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(10)
	got := make(chan string, 2)
	bus.Subscribe(func(e Entry) {
		if e.Action == "boom" {
			panic("subscriber failure")
		}
		got <- e.Action
	})

	bus.Publish(Entry{Action: "boom"})
	bus.Publish(Entry{Action: "ok"})
	bus.Close()

	assert.Equal(t, "ok", <-got)
}
