package main

import (
	"log"
	"sync"
	"time"
)

// Room is the shared state every session in the process belongs to:
// membership, bed occupancy and the kick-vote machine. All operations
// serialize on one mutex; nothing under the lock does transport I/O or stops
// a session, so sessions may call in from their read loops freely.
type Room struct {
	mu sync.Mutex

	capacity int
	bedCount int64
	voteTTL  time.Duration

	members map[SleeperID]*Sleeper
	beds    map[int64]SleeperID

	vote    *kickVote
	voteGen int64
}

type kickVote struct {
	target SleeperID
	agree  map[SleeperID]bool
	refuse map[SleeperID]bool
	timer  *time.Timer
}

func NewRoom(cfg SleepConfig) *Room {
	return &Room{
		capacity: cfg.RoomCapacity,
		bedCount: cfg.BedCount,
		voteTTL:  time.Duration(cfg.VoteDurationSec) * time.Second,
		members:  map[SleeperID]*Sleeper{},
		beds:     map[int64]SleeperID{},
	}
}

// Join adds the session unless the id is already present or the room is
// full. On success the newcomer and the existing members exchange
// self-descriptions; the newcomer's own echo is how its client learns the id
// the server assigned.
func (r *Room) Join(id SleeperID, s *Sleeper) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; ok {
		return false
	}
	if r.capacity > 0 && len(r.members) >= r.capacity {
		return false
	}

	s.Deliver(s.selfInfo())
	for _, other := range r.members {
		s.Deliver(other.selfInfo())
		other.Deliver(s.selfInfo())
	}
	r.members[id] = s
	return true
}

func (r *Room) Leave(id SleeperID) {
	r.mu.Lock()
	evicted := r.leaveLocked(id)
	r.mu.Unlock()

	if evicted != nil {
		evicted.Stop()
	}
}

// leaveLocked removes membership, frees any bed held by id and settles the
// active vote if the departure affects it. Removing a refuse ballot can tip
// the remaining vote over its majority, so the (rare) cascading eviction is
// returned for the caller to stop outside the lock.
func (r *Room) leaveLocked(id SleeperID) *Sleeper {
	if _, ok := r.members[id]; !ok {
		return nil
	}
	delete(r.members, id)

	for bed, occupant := range r.beds {
		if occupant == id {
			delete(r.beds, bed)
			r.deliverLocked(id, PackCommand(id, Command{Type: CmdGetup}))
		}
	}

	if r.vote != nil {
		if r.vote.target == id {
			r.clearVoteLocked()
		} else {
			delete(r.vote.agree, id)
			delete(r.vote.refuse, id)
			return r.settleVoteLocked()
		}
	}
	return nil
}

// Sleep seats id in bed. It fails without side effects when the bed is
// occupied, when id already holds a bed, when the bed id is out of range or
// when id is not a member.
func (r *Room) Sleep(id SleeperID, bed int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; !ok {
		return false
	}
	if bed < 0 || bed >= r.bedCount {
		return false
	}
	if _, occupied := r.beds[bed]; occupied {
		return false
	}
	for _, occupant := range r.beds {
		if occupant == id {
			return false
		}
	}
	r.beds[bed] = id
	return true
}

func (r *Room) GetUp(id SleeperID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for bed, occupant := range r.beds {
		if occupant == id {
			delete(r.beds, bed)
		}
	}
}

// Deliver broadcasts an inbound payload from id to every other member,
// prefixed with the sender's id.
func (r *Room) Deliver(id SleeperID, payload string) {
	frame := PackRelay(id, payload)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliverLocked(id, frame)
}

func (r *Room) deliverLocked(exclude SleeperID, frame []byte) {
	for mid, m := range r.members {
		if mid != exclude {
			m.Deliver(frame)
		}
	}
}

// VoteKickStart opens a vote against target. Ignored while another vote is
// active, when the target is not a member, or when the initiator targets
// itself. The initiator does not get an implicit agree ballot; its client
// follows up with vote_agree like everyone else.
func (r *Room) VoteKickStart(initiator, target SleeperID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.vote != nil || initiator == target {
		return false
	}
	if _, ok := r.members[initiator]; !ok {
		return false
	}
	if _, ok := r.members[target]; !ok {
		return false
	}

	r.voteGen++
	gen := r.voteGen
	r.vote = &kickVote{
		target: target,
		agree:  map[SleeperID]bool{},
		refuse: map[SleeperID]bool{},
		timer: time.AfterFunc(r.voteTTL, func() {
			r.expireVote(gen)
		}),
	}
	log.Printf("kick vote opened, initiator:%d target:%d deadline:%s", initiator, target, r.voteTTL)
	return true
}

func (r *Room) expireVote(gen int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vote != nil && r.voteGen == gen {
		log.Printf("kick vote expired without quorum, target:%d", r.vote.target)
		r.clearVoteLocked()
	}
}

func (r *Room) Agree(id SleeperID) {
	r.mu.Lock()
	evicted := r.ballotLocked(id, true)
	r.mu.Unlock()

	if evicted != nil {
		evicted.Stop()
	}
}

func (r *Room) Refuse(id SleeperID) {
	r.mu.Lock()
	evicted := r.ballotLocked(id, false)
	r.mu.Unlock()

	if evicted != nil {
		evicted.Stop()
	}
}

func (r *Room) ballotLocked(id SleeperID, agree bool) *Sleeper {
	v := r.vote
	if v == nil || id == v.target {
		return nil
	}
	if _, ok := r.members[id]; !ok {
		return nil
	}
	if v.agree[id] || v.refuse[id] {
		return nil
	}
	if agree {
		v.agree[id] = true
	} else {
		v.refuse[id] = true
	}
	return r.settleVoteLocked()
}

// settleVoteLocked checks the active vote against current membership. A
// strict majority of members excluding the target evicts; once a majority
// can no longer be reached the vote clears with the target still seated.
func (r *Room) settleVoteLocked() *Sleeper {
	v := r.vote
	if v == nil {
		return nil
	}

	eligible := len(r.members) - 1 // everyone but the target
	if eligible <= 0 {
		r.clearVoteLocked()
		return nil
	}

	if len(v.agree)*2 > eligible {
		target := v.target
		s := r.members[target]
		log.Printf("kick vote passed, target:%d agree:%d eligible:%d", target, len(v.agree), eligible)
		r.deliverLocked(-1, PackCommand(target, Command{Type: CmdVoteKicked}))
		r.clearVoteLocked()
		r.leaveLocked(target)
		return s
	}

	if (eligible-len(v.refuse))*2 <= eligible {
		log.Printf("kick vote defeated, target:%d refuse:%d eligible:%d", v.target, len(v.refuse), eligible)
		r.clearVoteLocked()
	}
	return nil
}

func (r *Room) clearVoteLocked() {
	if r.vote == nil {
		return
	}
	r.vote.timer.Stop()
	r.vote = nil
	r.voteGen++
}

func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Room) bedOccupant(bed int64) (SleeperID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.beds[bed]
	return id, ok
}

func (r *Room) voteActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vote != nil
}
