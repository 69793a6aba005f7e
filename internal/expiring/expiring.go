// Package expiring provides tables whose elements prune themselves after a
// deadline. The chunk collector uses one to evict stale pending reassemblies.
package expiring

import (
	"fmt"
	"sync"
	"time"
)

// wrapped value with an expiration timer attached
type timedV[value_t any] struct {
	val value_t
	exp *time.Timer
}

// A Table is basically a syncmap whose elements prune themselves after their
// duration elapses. The zero value is ready for immediate use.
//
// Tables should only be passed by reference due to underlying mutex use.
//
// Accessing an element AT its expiration time is, by its very nature, a race:
// if the timer has not fired, the data is guaranteed to still be present; the
// inverse is not guaranteed.
type Table[key_t comparable, value_t any] struct {
	m sync.Map // key_t -> timedV[value_t]
}

// Store saves the given k/v and sets it to expire after the given duration.
// A value previously associated with this key is overwritten and its timer
// stopped. cleanup functions are called in order after the key is deleted by
// expiry (not by Delete or Clear).
func (tbl *Table[key_t, value_t]) Store(key key_t, value value_t, expire time.Duration, cleanup ...func()) {
	if tmp, found := tbl.m.LoadAndDelete(key); found {
		tbl.cast(tmp).exp.Stop()
	}
	tbl.m.Store(key, timedV[value_t]{
		val: value,
		exp: time.AfterFunc(expire, func() {
			if _, found := tbl.m.LoadAndDelete(key); !found {
				return // already deleted by hand; do not run cleanup
			}
			for _, f := range cleanup {
				f()
			}
		}),
	})
}

// Load fetches the value associated with the given key, if available.
func (tbl *Table[key_t, value_t]) Load(key key_t) (value value_t, found bool) {
	tmp, found := tbl.m.Load(key)
	if !found {
		return value, false
	}
	return tbl.cast(tmp).val, true
}

// Delete destroys a key and stops its timer. Cleanup functions registered at
// Store do not run. Ineffectual if the key is not found.
func (tbl *Table[key_t, value_t]) Delete(key key_t) (found bool) {
	tmp, found := tbl.m.LoadAndDelete(key)
	if !found {
		return false
	}
	tbl.cast(tmp).exp.Stop()
	return true
}

// Refresh restarts the clock on the given key with the given duration.
// Returns false if the key does not exist or its timer already fired.
func (tbl *Table[key_t, value_t]) Refresh(key key_t, expire time.Duration) (found bool) {
	tmp, found := tbl.m.Load(key)
	if !found {
		return false
	}
	tv := tbl.cast(tmp)
	if alreadyExpired := !tv.exp.Stop(); alreadyExpired {
		return false
	}
	tv.exp.Reset(expire)
	return true
}

// Range calls f for each live entry until f returns false.
func (tbl *Table[key_t, value_t]) Range(f func(key key_t, value value_t) bool) {
	tbl.m.Range(func(k, v any) bool {
		return f(k.(key_t), tbl.cast(v).val)
	})
}

// Clear stops every timer and empties the table. Cleanup functions do not
// run.
func (tbl *Table[key_t, value_t]) Clear() {
	tbl.m.Range(func(k, v any) bool {
		tbl.cast(v).exp.Stop()
		tbl.m.Delete(k)
		return true
	})
}

func (tbl *Table[key_t, value_t]) cast(tmp any) timedV[value_t] {
	tv, ok := tmp.(timedV[value_t])
	if !ok {
		panic(fmt.Sprintf("failed to cast value from syncmap (%v)", tmp))
	}
	return tv
}
