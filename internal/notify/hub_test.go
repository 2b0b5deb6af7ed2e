package notify

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func TestHub_LatestReplacesData(t *testing.T) {
	h := NewHub(4)

	h.Publish(NewData("a", map[string]int{"v": 1}))
	h.Publish(NewData("a", map[string]int{"v": 2}))

	e, ok := h.Latest("a")
	require.True(t, ok)
	assert.Equal(t, map[string]int{"v": 2}, e.Data)
	assert.False(t, e.Time.IsZero())

	_, ok = h.Latest("b")
	assert.False(t, ok)
}

func TestHub_ErrorsDoNotReplaceData(t *testing.T) {
	h := NewHub(4)

	h.Publish(NewData("a", "summary"))
	h.Publish(NewError("a", "boom"))

	data, ok := h.Latest("a")
	require.True(t, ok)
	assert.Equal(t, "summary", data.Data)

	last, ok := h.Last("a")
	require.True(t, ok)
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, Message{Message: "boom"}, last.Data)
}

func TestHub_SubscribeFiltersByIdentifier(t *testing.T) {
	h := NewHub(4)

	onlyA, cancelA := h.Subscribe("a")
	defer cancelA()
	all, cancelAll := h.Subscribe("")
	defer cancelAll()

	h.Publish(NewWarning("b", "deprecated"))
	h.Publish(NewData("a", 1))

	e := <-onlyA
	assert.Equal(t, "a", e.Identifier)
	assert.Len(t, onlyA, 0)

	assert.Equal(t, "b", (<-all).Identifier)
	assert.Equal(t, "a", (<-all).Identifier)
}

func TestHub_SlowSubscriberDropsEvents(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe("a")
	defer cancel()

	h.Publish(NewData("a", 1))
	h.Publish(NewData("a", 2))
	h.Publish(NewData("a", 3))

	e := <-ch
	assert.Equal(t, 1, e.Data)
	assert.Len(t, ch, 0)

	latest, _ := h.Latest("a")
	assert.Equal(t, 3, latest.Data)
}

func TestHub_CancelClosesChannel(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe("")

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic.
	h.Publish(NewData("a", 1))
}

func TestHub_ConcurrentPublishAndCancel(t *testing.T) {
	h := NewHub(2)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		_, cancel := h.Subscribe("")
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Publish(NewData("a", j))
			}
		}()
		go func() {
			defer wg.Done()
			cancel()
		}()
	}
	wg.Wait()
}

func TestHub_ChangedSignalsOnData(t *testing.T) {
	h := NewHub(1)

	h.Publish(NewError("a", "boom"))
	select {
	case <-h.Changed():
		t.Fatal("error events must not mark the snapshot dirty")
	default:
	}

	h.Publish(NewData("a", 1))
	h.Publish(NewData("b", 1))
	select {
	case <-h.Changed():
	default:
		t.Fatal("expected change signal")
	}
	select {
	case <-h.Changed():
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestHub_RestoreKeepsNewer(t *testing.T) {
	h := NewHub(1)
	h.Publish(Event{Type: EventData, Identifier: "a", Data: "fresh", Time: t0})

	h.Restore([]Event{
		{Type: EventData, Identifier: "a", Data: "stale", Time: t0.Add(-time.Hour)},
		{Type: EventData, Identifier: "b", Data: "restored", Time: t0.Add(-time.Hour)},
		{Type: EventError, Identifier: "c", Data: Message{Message: "ignored"}},
	})

	a, _ := h.Latest("a")
	assert.Equal(t, "fresh", a.Data)
	b, ok := h.Latest("b")
	require.True(t, ok)
	assert.Equal(t, "restored", b.Data)
	_, ok = h.Last("c")
	assert.False(t, ok)

	snap := h.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Identifier)
	assert.Equal(t, "b", snap[1].Identifier)
}

func TestHub_Forget(t *testing.T) {
	h := NewHub(1)
	h.Publish(NewData("a", 1))
	<-h.Changed()
	h.Forget("a")

	_, ok := h.Latest("a")
	assert.False(t, ok)
	assert.Empty(t, h.Snapshot())

	select {
	case <-h.Changed():
	default:
		t.Fatal("forgetting retained data should signal a change")
	}

	h.Forget("never-seen")
	select {
	case <-h.Changed():
		t.Fatal("forgetting an unknown identifier should not signal")
	default:
	}
}

func TestPersist_DropsForgottenModules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.zst")
	f, err := NewSnapshotFile(path)
	require.NoError(t, err)
	defer f.Close()

	h := NewHub(1)
	h.Publish(NewData("kept", 1))
	h.Publish(NewData("removed", 2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Persist(ctx, h, f, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		events, err := f.Load()
		return err == nil && len(events) == 2
	}, time.Second, 5*time.Millisecond)

	h.Forget("removed")
	require.Eventually(t, func() bool {
		events, err := f.Load()
		return err == nil && len(events) == 1 && events[0].Identifier == "kept"
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSnapshotFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snapshot.zst")
	f, err := NewSnapshotFile(path)
	require.NoError(t, err)
	defer f.Close()

	events := []Event{
		{Type: EventData, Identifier: "a", Data: map[string]any{"ride": map[string]any{"total_distance": 1200.5}}, Time: t0},
	}
	require.NoError(t, f.Save(events))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	got, err := f.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Identifier)
	assert.Equal(t, EventData, got[0].Type)
	assert.True(t, got[0].Time.Equal(t0))
	assert.Equal(t, map[string]any{"ride": map[string]any{"total_distance": 1200.5}}, got[0].Data)
}

func TestSnapshotFile_Missing(t *testing.T) {
	f, err := NewSnapshotFile(filepath.Join(t.TempDir(), "none.zst"))
	require.NoError(t, err)
	defer f.Close()

	events, err := f.Load()
	assert.NoError(t, err)
	assert.Nil(t, events)
}

func TestSnapshotFile_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.zst")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

	f, err := NewSnapshotFile(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Load()
	assert.Error(t, err)

	// RestoreSnapshot tolerates it.
	h := NewHub(1)
	RestoreSnapshot(h, f)
	assert.Empty(t, h.Snapshot())
}

func TestPersist_SavesOnChangeAndShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.zst")
	f, err := NewSnapshotFile(path)
	require.NoError(t, err)
	defer f.Close()

	h := NewHub(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Persist(ctx, h, f, 10*time.Millisecond)
		close(done)
	}()

	h.Publish(NewData("a", "first"))
	require.Eventually(t, func() bool {
		events, err := f.Load()
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.Publish(NewData("b", "second"))
	cancel()
	<-done

	events, err := f.Load()
	require.NoError(t, err)
	assert.Len(t, events, 2)

	restored := NewHub(1)
	RestoreSnapshot(restored, f)
	e, ok := restored.Latest("b")
	require.True(t, ok)
	assert.Equal(t, "second", e.Data)
}
