// Package gsync contains synchronization primitives not offered by package sync.
package gsync

import "sync"

// UpgradableRWMutex is a reader/writer mutex with a third, upgradable read mode.
//
// Plain readers ([UpgradableRWMutex.RLock]) run concurrently with each other
// and with at most one upgradable reader ([UpgradableRWMutex.ULock]).
// An upgradable reader excludes writers and other upgradable readers,
// and it may become the writer through [UpgradableRWMutex.Upgrade]
// with no opportunity for another writer to run in between.
//
// The zero value is an unlocked mutex.
type UpgradableRWMutex struct {
	// Held for the whole critical section of writers and upgradable readers.
	// Plain readers never touch it.
	gate sync.Mutex

	rw sync.RWMutex
}

func (m *UpgradableRWMutex) RLock()   { m.rw.RLock() }
func (m *UpgradableRWMutex) RUnlock() { m.rw.RUnlock() }

func (m *UpgradableRWMutex) Lock() {
	m.gate.Lock()
	m.rw.Lock()
}

func (m *UpgradableRWMutex) Unlock() {
	m.rw.Unlock()
	m.gate.Unlock()
}

// ULock acquires an upgradable read lock.
// Release it with UUnlock, or call Upgrade and later Unlock.
func (m *UpgradableRWMutex) ULock() {
	m.gate.Lock()
	m.rw.RLock()
}

func (m *UpgradableRWMutex) UUnlock() {
	m.rw.RUnlock()
	m.gate.Unlock()
}

// Upgrade converts the caller's upgradable read lock into a write lock.
// It blocks until current plain readers finish.
// Only plain readers can run between the two steps below,
// because every other writer first needs the gate, which the caller still holds.
func (m *UpgradableRWMutex) Upgrade() {
	m.rw.RUnlock()
	m.rw.Lock()
}
