package main

import (
	"sync"
	"sync/atomic"
)

type SleeperID = int64

// Ids are process-unique and never reused; the counter starts above any
// bed id so the two number spaces cannot collide in client logs.
const firstSleeperID SleeperID = 10000

var sleeperSeq atomic.Int64

func init() {
	sleeperSeq.Store(firstSleeperID - 1)
}

func nextSleeperID() SleeperID {
	return sleeperSeq.Add(1)
}

var (
	sessionsMu   sync.RWMutex
	liveSessions = map[SleeperID]*Sleeper{}
)

func registerSession(s *Sleeper) {
	sessionsMu.Lock()
	defer sessionsMu.Unlock()
	liveSessions[s.id] = s
}

func unregisterSession(s *Sleeper) {
	sessionsMu.Lock()
	defer sessionsMu.Unlock()
	if current, ok := liveSessions[s.id]; ok && current == s {
		delete(liveSessions, s.id)
	}
}

func sessionCount() int {
	sessionsMu.RLock()
	defer sessionsMu.RUnlock()
	return len(liveSessions)
}

func forEachSession(fn func(*Sleeper)) {
	sessionsMu.RLock()
	snapshot := make([]*Sleeper, 0, len(liveSessions))
	for _, s := range liveSessions {
		snapshot = append(snapshot, s)
	}
	sessionsMu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}
