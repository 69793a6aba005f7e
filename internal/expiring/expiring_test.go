package expiring_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/SamJakob/SLIM/internal/expiring"
)

func TestTable(t *testing.T) {
	t.Run("prune on timeout", func(t *testing.T) {
		var tbl expiring.Table[int, float64]

		k, timeout := 0, 5*time.Millisecond
		tbl.Store(k, 1.1, timeout)
		time.Sleep(timeout + 5*time.Millisecond)
		if v, found := tbl.Load(k); found {
			t.Errorf("k/v %d/%v should have expired, but was found", k, v)
		}
	})

	t.Run("no prune prior to timeout", func(t *testing.T) {
		var tbl expiring.Table[string, bool]
		key := randomdata.SillyName()

		tbl.Store(key, true, 100*time.Millisecond)
		if _, found := tbl.Load(key); !found {
			t.Error("value pruned well before its deadline")
		}
	})

	t.Run("delete stops the timer's cleanup", func(t *testing.T) {
		var tbl expiring.Table[string, string]
		var cleaned atomic.Bool

		key := randomdata.SillyName()
		tbl.Store(key, randomdata.Adjective(), 10*time.Millisecond, func() { cleaned.Store(true) })
		if !tbl.Delete(key) {
			t.Fatal("failed to delete key: not found")
		}
		if _, found := tbl.Load(key); found {
			t.Error("deleted key still loadable")
		}
		time.Sleep(20 * time.Millisecond)
		if cleaned.Load() {
			t.Error("cleanup ran for a hand-deleted key")
		}
		// delete a key that does not exist
		if tbl.Delete("never stored") {
			t.Fatal("successfully deleted non-existent key")
		}
	})

	t.Run("cleanup runs on expiry", func(t *testing.T) {
		var tbl expiring.Table[int, int]
		cleaned := make(chan struct{})

		tbl.Store(7, 7, 10*time.Millisecond, func() { close(cleaned) })
		select {
		case <-cleaned:
		case <-time.After(time.Second):
			t.Fatal("cleanup never ran")
		}
		if _, found := tbl.Load(7); found {
			t.Error("expired key still loadable")
		}
	})

	t.Run("refresh extends the deadline", func(t *testing.T) {
		var tbl expiring.Table[int, int]

		tbl.Store(1, 1, 40*time.Millisecond)
		time.Sleep(25 * time.Millisecond)
		if !tbl.Refresh(1, 40*time.Millisecond) {
			t.Fatal("failed to refresh a live key")
		}
		time.Sleep(25 * time.Millisecond) // original deadline has now passed
		if _, found := tbl.Load(1); !found {
			t.Error("refreshed key pruned at its original deadline")
		}
		if tbl.Refresh(99, time.Second) {
			t.Error("refreshed a key that was never stored")
		}
	})

	t.Run("clear empties and silences", func(t *testing.T) {
		var tbl expiring.Table[int, int]
		var cleaned atomic.Int32

		for i := range 5 {
			tbl.Store(i, i, 10*time.Millisecond, func() { cleaned.Add(1) })
		}
		tbl.Clear()

		var n int
		tbl.Range(func(int, int) bool { n++; return true })
		if n != 0 {
			t.Error("entries survived clear:", n)
		}
		time.Sleep(25 * time.Millisecond)
		if got := cleaned.Load(); got != 0 {
			t.Error("cleanup ran for cleared keys:", got)
		}
	})

	t.Run("store overwrites and resets", func(t *testing.T) {
		var tbl expiring.Table[string, int]
		key := randomdata.SillyName()

		tbl.Store(key, 1, 10*time.Millisecond)
		tbl.Store(key, 2, 100*time.Millisecond)
		time.Sleep(20 * time.Millisecond) // past the first deadline
		v, found := tbl.Load(key)
		if !found {
			t.Fatal("overwritten key pruned at its original deadline")
		}
		if v != 2 {
			t.Error("bad value after overwrite: expected 2, got", v)
		}
	})
}
