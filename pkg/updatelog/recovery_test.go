package updatelog

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRecoverWithoutCheckpoint(t *testing.T) {
	l := openTestLog(t, t.TempDir(), 0)
	defer l.Close()

	l.Append("a", []byte("a1"))
	l.Append("b", []byte("b1"))
	l.Append("a", []byte("a2"))

	pending, stats, err := l.Pending()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string][][]byte{
		"a": {[]byte("a1"), []byte("a2")},
		"b": {[]byte("b1")},
	}
	if !reflect.DeepEqual(pending, want) {
		t.Errorf("Expected %q, got %q", want, pending)
	}
	if stats.ReplayedUpdates != 3 || stats.SkippedUpdates != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestRecoverAfterCheckpoint(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 256)

	for i := 0; i < 6; i++ {
		l.Append("doc", []byte(fmt.Sprintf("before-%02d-%s", i, make([]byte, 64))))
	}
	filesBefore, _ := l.Files()

	flushed := 0
	cp := NewCheckpointer(l, func(ctx context.Context) error {
		flushed++
		return nil
	}, zerolog.Nop())
	if err := cp.Checkpoint(context.Background()); err != nil {
		t.Fatal(err)
	}
	if flushed != 1 {
		t.Errorf("Expected one flush, got %d", flushed)
	}
	filesAfter, _ := l.Files()
	if len(filesAfter) >= len(filesBefore) {
		t.Errorf("Expected old files to be removed: before %d, after %d", len(filesBefore), len(filesAfter))
	}

	l.Append("doc", []byte("after-1"))
	l.Append("other", []byte("after-2"))
	l.Close()

	// Recovery runs on a fresh handle, as after a restart.
	l2 := openTestLog(t, dir, 256)
	defer l2.Close()
	var replayed []string
	stats, err := l2.Recover(func(docID string, update []byte) error {
		replayed = append(replayed, docID+":"+string(update))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(replayed, []string{"doc:after-1", "other:after-2"}) {
		t.Errorf("Unexpected replay %v", replayed)
	}
	if stats.CheckpointMark != 6 || stats.LastCheckpointLSN != 7 {
		t.Errorf("Unexpected checkpoint stats %+v", stats)
	}
}

func TestCheckpointFlushFailure(t *testing.T) {
	l := openTestLog(t, t.TempDir(), 0)
	defer l.Close()
	l.Append("doc", []byte("u1"))

	boom := errors.New("disk full")
	cp := NewCheckpointer(l, func(ctx context.Context) error { return boom }, zerolog.Nop())
	if err := cp.Checkpoint(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Expected flush error, got %v", err)
	}

	// No checkpoint was recorded, so the update is still replayed.
	pending, _, err := l.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending["doc"]) != 1 {
		t.Errorf("Expected update to survive failed checkpoint, got %v", pending)
	}
}

func TestRecoverPropagatesReplayError(t *testing.T) {
	l := openTestLog(t, t.TempDir(), 0)
	defer l.Close()
	l.Append("doc", []byte("bad"))

	_, err := l.Recover(func(string, []byte) error { return errors.New("rejected") })
	if err == nil {
		t.Fatal("Expected replay error")
	}
}

func TestCheckpointerLoop(t *testing.T) {
	l := openTestLog(t, t.TempDir(), 0)
	defer l.Close()

	done := make(chan struct{}, 1)
	cp := NewCheckpointer(l, func(ctx context.Context) error {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}, zerolog.Nop())
	cp.SetInterval(10 * time.Millisecond)
	cp.Start()
	<-done
	cp.Stop()
}

func TestResetSupersedesEarlierUpdates(t *testing.T) {
	l := openTestLog(t, t.TempDir(), 0)
	defer l.Close()

	l.Append("doc", []byte("old-1"))
	l.Append("other", []byte("kept"))
	l.Append("doc", []byte("old-2"))
	if _, err := l.AppendReset("doc"); err != nil {
		t.Fatal(err)
	}
	l.Append("doc", []byte("new-1"))

	pending, stats, err := l.Pending()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string][][]byte{
		"doc":   {[]byte("new-1")},
		"other": {[]byte("kept")},
	}
	if !reflect.DeepEqual(pending, want) {
		t.Errorf("Expected %q, got %q", want, pending)
	}
	if !reflect.DeepEqual(stats.ResetDocs, []string{"doc"}) {
		t.Errorf("Expected doc to be reported as reset, got %v", stats.ResetDocs)
	}
	if stats.SkippedUpdates != 2 {
		t.Errorf("Expected 2 skipped updates, got %d", stats.SkippedUpdates)
	}
}

func TestResetBeforeCheckpointIsCovered(t *testing.T) {
	l := openTestLog(t, t.TempDir(), 0)
	defer l.Close()

	l.AppendReset("doc")
	cp := NewCheckpointer(l, func(context.Context) error { return nil }, zerolog.Nop())
	if err := cp.Checkpoint(context.Background()); err != nil {
		t.Fatal(err)
	}
	l.Append("doc", []byte("after"))

	pending, stats, err := l.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.ResetDocs) != 0 {
		t.Errorf("Expected no resets after the mark, got %v", stats.ResetDocs)
	}
	if len(pending["doc"]) != 1 {
		t.Errorf("Expected the post-checkpoint update, got %v", pending)
	}
}
