package main

import (
	"net"
	"sync"
	"testing"
	"time"
)

func resetServerStateForTests() {
	activeConfig = defaultSleepConfig()
	// keep abuse detection quiet unless a test arms it explicitly
	activeConfig.MaxConnsPerIP = 0
	activeConfig.MaxBitsPerSec = 0

	violations = NewViolationDetector()
	trafficRecorder = NewTrafficRecorder(activeConfig, violations)
	blockList = NewBlacklist(SleepConfig{BlacklistMode: blacklistMemory})

	sessionsMu.Lock()
	liveSessions = map[SleeperID]*Sleeper{}
	sessionsMu.Unlock()
}

// newTestSleeper builds a sleeper over one end of a pipe and hands the test
// the client end. The session is not started; room tests drive it directly.
func newTestSleeper(t *testing.T, r *Room) (*Sleeper, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	s := NewSleeper(r, server)
	t.Cleanup(func() {
		s.Stop()
		_ = client.Close()
	})
	return s, client
}

func joinTestSleeper(t *testing.T, r *Room) *Sleeper {
	t.Helper()
	s, _ := newTestSleeper(t, r)
	if !r.Join(s.id, s) {
		t.Fatalf("join refused for sleeper %d", s.id)
	}
	return s
}

func drainQueue(s *Sleeper) {
	for {
		select {
		case <-s.queue:
		default:
			return
		}
	}
}

func TestJoinRejectsDuplicateAndOverCapacity(t *testing.T) {
	resetServerStateForTests()
	cfg := defaultSleepConfig()
	cfg.RoomCapacity = 2
	room := NewRoom(cfg)

	a := joinTestSleeper(t, room)
	if room.Join(a.id, a) {
		t.Fatal("duplicate join must be refused")
	}
	joinTestSleeper(t, room)

	c, _ := newTestSleeper(t, room)
	if room.Join(c.id, c) {
		t.Fatal("join over capacity must be refused")
	}
	if room.MemberCount() != 2 {
		t.Fatalf("expected 2 members, got %d", room.MemberCount())
	}
}

func TestSleepContention(t *testing.T) {
	resetServerStateForTests()
	room := NewRoom(defaultSleepConfig())
	a := joinTestSleeper(t, room)
	b := joinTestSleeper(t, room)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i, s := range []*Sleeper{a, b} {
		wg.Add(1)
		go func(i int, id SleeperID) {
			defer wg.Done()
			results[i] = room.Sleep(id, 5)
		}(i, s.id)
	}
	wg.Wait()

	if results[0] == results[1] {
		t.Fatalf("exactly one sleeper must win the bed, got %v", results)
	}

	occupant, ok := room.bedOccupant(5)
	if !ok {
		t.Fatal("bed must be occupied")
	}
	if occupant != a.id && occupant != b.id {
		t.Fatalf("unexpected occupant %d", occupant)
	}
}

func TestSleepRules(t *testing.T) {
	resetServerStateForTests()
	room := NewRoom(defaultSleepConfig())
	a := joinTestSleeper(t, room)

	if room.Sleep(a.id, -1) || room.Sleep(a.id, room.bedCount) {
		t.Fatal("out-of-range bed must be refused")
	}
	if !room.Sleep(a.id, 3) {
		t.Fatal("free bed must be granted")
	}
	if room.Sleep(a.id, 4) {
		t.Fatal("second bed for the same sleeper must be refused")
	}
	if room.Sleep(a.id, 3) {
		t.Fatal("re-sleeping an occupied bed must be refused")
	}

	room.GetUp(a.id)
	if _, ok := room.bedOccupant(3); ok {
		t.Fatal("getup must vacate the bed")
	}
	// getup with no bed is a no-op
	room.GetUp(a.id)
}

func TestLeaveFreesBed(t *testing.T) {
	resetServerStateForTests()
	room := NewRoom(defaultSleepConfig())
	a := joinTestSleeper(t, room)
	b := joinTestSleeper(t, room)

	if !room.Sleep(a.id, 9) {
		t.Fatal("sleep failed")
	}
	room.Leave(a.id)
	room.Leave(a.id) // second leave is a no-op

	if !room.Sleep(b.id, 9) {
		t.Fatal("bed must be free after the holder leaves")
	}
}

func TestDeliverExcludesSenderAndPreservesOrder(t *testing.T) {
	resetServerStateForTests()
	room := NewRoom(defaultSleepConfig())
	a := joinTestSleeper(t, room)
	b := joinTestSleeper(t, room)
	c := joinTestSleeper(t, room)
	drainQueue(a)
	drainQueue(b)
	drainQueue(c)

	room.Deliver(a.id, "chat$one")
	room.Deliver(a.id, "chat$two")

	for _, peer := range []*Sleeper{b, c} {
		for _, want := range []string{"chat$one", "chat$two"} {
			select {
			case frame := <-peer.queue:
				if string(frame) != string(PackRelay(a.id, want)) {
					t.Fatalf("peer %d got %q, want relay of %q", peer.id, frame, want)
				}
			default:
				t.Fatalf("peer %d missing broadcast %q", peer.id, want)
			}
		}
	}

	select {
	case frame := <-a.queue:
		t.Fatalf("sender must not receive its own broadcast, got %q", frame)
	default:
	}
}

func TestVoteKickMajorityEvictsOnce(t *testing.T) {
	resetServerStateForTests()
	room := NewRoom(defaultSleepConfig())
	a := joinTestSleeper(t, room)
	b := joinTestSleeper(t, room)
	c := joinTestSleeper(t, room)
	target := joinTestSleeper(t, room)

	if !room.VoteKickStart(a.id, target.id) {
		t.Fatal("vote must open")
	}
	if room.VoteKickStart(b.id, target.id) {
		t.Fatal("no nested votes")
	}

	room.Agree(target.id) // target cannot vote on itself
	room.Agree(a.id)
	if room.MemberCount() != 4 {
		t.Fatal("one agree out of three eligible is not a majority")
	}

	room.Agree(a.id) // double ballot ignored
	room.Agree(b.id) // 2 of 3: strict majority
	if room.MemberCount() != 3 {
		t.Fatalf("target must be evicted, members=%d", room.MemberCount())
	}
	if !target.stopped.Load() {
		t.Fatal("evicted session must be stopped")
	}
	if room.voteActive() {
		t.Fatal("vote must clear after eviction")
	}

	room.Agree(c.id) // stale agree after resolution is a no-op
	if room.MemberCount() != 3 {
		t.Fatal("no double eviction")
	}
}

func TestVoteKickRefusedWhenMajorityImpossible(t *testing.T) {
	resetServerStateForTests()
	room := NewRoom(defaultSleepConfig())
	a := joinTestSleeper(t, room)
	b := joinTestSleeper(t, room)
	c := joinTestSleeper(t, room)
	target := joinTestSleeper(t, room)

	if !room.VoteKickStart(a.id, target.id) {
		t.Fatal("vote must open")
	}
	room.Agree(a.id)
	room.Refuse(b.id)
	room.Refuse(c.id) // at most 1 of 3 can agree now

	if room.voteActive() {
		t.Fatal("vote must clear once a majority is impossible")
	}
	if room.MemberCount() != 4 {
		t.Fatal("target must remain a member")
	}
}

func TestVoteKickGuards(t *testing.T) {
	resetServerStateForTests()
	room := NewRoom(defaultSleepConfig())
	a := joinTestSleeper(t, room)
	outsider, _ := newTestSleeper(t, room)

	if room.VoteKickStart(a.id, a.id) {
		t.Fatal("self-target must be refused")
	}
	if room.VoteKickStart(a.id, outsider.id) {
		t.Fatal("non-member target must be refused")
	}
	if room.VoteKickStart(outsider.id, a.id) {
		t.Fatal("non-member initiator must be refused")
	}
}

func TestVoteClearsWhenTargetLeaves(t *testing.T) {
	resetServerStateForTests()
	room := NewRoom(defaultSleepConfig())
	a := joinTestSleeper(t, room)
	target := joinTestSleeper(t, room)
	joinTestSleeper(t, room)

	if !room.VoteKickStart(a.id, target.id) {
		t.Fatal("vote must open")
	}
	room.Leave(target.id)
	if room.voteActive() {
		t.Fatal("vote must cancel when its target leaves")
	}
}

func TestVoteExpires(t *testing.T) {
	resetServerStateForTests()
	room := NewRoom(defaultSleepConfig())
	room.voteTTL = 10 * time.Millisecond
	a := joinTestSleeper(t, room)
	target := joinTestSleeper(t, room)

	if !room.VoteKickStart(a.id, target.id) {
		t.Fatal("vote must open")
	}
	time.Sleep(50 * time.Millisecond)

	if room.voteActive() {
		t.Fatal("vote must expire at the deadline")
	}
	if room.MemberCount() != 2 {
		t.Fatal("expiry must not evict")
	}
}
