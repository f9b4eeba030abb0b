package zarchive_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/capeapp"
	"github.com/PythonRysh/espresso/internal/etest"
	"github.com/PythonRysh/espresso/zarchive"
)

func TestArchiver_DrainsFeed(t *testing.T) {
	db := testDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := make(chan capeapp.AppliedBlock)
	arch := zarchive.NewArchiver(ctx, etest.NewLogger(t), db, feed)

	for _, h := range []uint64{1, 2} {
		select {
		case feed <- appliedBlock(t, h):
		case <-time.After(etest.ScaleMs(5000)):
			t.Fatal("archiver not accepting blocks")
		}
	}

	deadline := time.Now().Add(etest.ScaleMs(10_000))
	for {
		height, ok, err := db.LatestHeight(ctx)
		require.NoError(t, err)
		if ok && height == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("archive stuck at height %d", height)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	arch.Wait()
}
