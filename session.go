package main

import (
	"bufio"
	"bytes"
	"errors"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
)

// Sleeper owns one client connection: identity, a read loop decoding
// commands into room operations, and a write loop draining an ordered
// outbound queue. The queue channel is the only point where other sessions
// (via room broadcast) touch this one.
type Sleeper struct {
	id   SleeperID
	room *Room
	conn net.Conn
	ip   string

	// identity fields, written by the read loop only
	fieldsMu sync.Mutex
	name     string
	sex      int64
	x, y     int
	bedID    int64 // -1 while not in a bed

	queue      chan []byte
	done       chan struct{}
	stopped    atomic.Bool
	observerID atomic.Int64
}

func NewSleeper(room *Room, conn net.Conn) *Sleeper {
	depth := activeConfig.OutboundQueueDepth
	if depth <= 0 {
		depth = defaultOutboundQueueDepth
	}
	s := &Sleeper{
		id:    nextSleeperID(),
		room:  room,
		conn:  conn,
		ip:    peerHost(conn.RemoteAddr().String()),
		bedID: -1,
		queue: make(chan []byte, depth),
		done:  make(chan struct{}),
	}
	log.Printf("new sleeper, sleeper_id:%d remote_ip:%s", s.id, s.ip)
	return s
}

// Start registers the connection with traffic accounting and the violation
// detector, joins the room and launches both loops. A refused join tears the
// session straight back down.
func (s *Sleeper) Start() {
	registerSession(s)
	trafficRecorder.OnConnection(s.ip)
	obsID := violations.AddObserver("ip", s.ip, func(reason string) {
		log.Printf("violation, sleeper_id:%d ip:%s reason:%s", s.id, s.ip, reason)
		blockList.AddToBlockList(s.ip)
		s.Stop()
	})
	s.observerID.Store(obsID)
	if s.stopped.Load() {
		// the observer fired before the id above was recorded, so that Stop
		// skipped the removal
		violations.RemoveObserver(obsID)
		return
	}

	if !s.room.Join(s.id, s) {
		log.Printf("join refused, disconnecting, sleeper_id:%d ip:%s", s.id, s.ip)
		s.Stop()
		return
	}
	if s.stopped.Load() {
		// stopped while joining; that Stop's Leave ran before the membership
		// existed
		s.room.Leave(s.id)
		return
	}

	go s.readLoop()
	go s.writeLoop()
}

// scanFrames splits the byte stream on NUL terminators. Data past the
// message cap without a terminator surfaces as a scanner error, which the
// read loop treats as a transport fault.
func scanFrames(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return 0, nil, errors.New("unterminated frame at eof")
	}
	return 0, nil, nil
}

func (s *Sleeper) readLoop() {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 512), maxMessageBytes)
	scanner.Split(scanFrames)

	for scanner.Scan() {
		payload := scanner.Text()
		trafficRecorder.OnData(s.ip, int64(len(payload)+1)*8)
		s.handleMessage(payload)
	}

	if err := scanner.Err(); err != nil {
		log.Printf("read failed, sleeper_id:%d remote_ip:%s err:%v", s.id, s.ip, err)
	}
	s.Stop()
}

// handleMessage decodes and dispatches one message. Any fault here is scoped
// to the message: the loop keeps the connection open.
func (s *Sleeper) handleMessage(payload string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("dispatch panic, sleeper_id:%d payload:%q err:%v", s.id, payload, rec)
		}
	}()

	cmd, err := ParseCommand(payload)
	if err != nil {
		log.Printf("bad command dropped, sleeper_id:%d err:%v", s.id, err)
		return
	}

	forward := true
	switch cmd.Type {
	case CmdSleep:
		if s.room.Sleep(s.id, cmd.Num) {
			s.setBed(cmd.Num)
		} else {
			forward = false
		}
	case CmdGetup:
		s.room.GetUp(s.id)
		s.setBed(-1)
	case CmdName:
		s.setName(cmd.Text)
		log.Printf("sleeper:%d name is:%s", s.id, cmd.Text)
	case CmdType:
		s.setSex(cmd.Num)
		log.Printf("sleeper:%d type is:%d", s.id, cmd.Num)
	case CmdChat:
		log.Printf("sleeper:%d says:%s", s.id, cmd.Text)
	case CmdPos, CmdMove:
		s.setPos(cmd.X, cmd.Y)
	case CmdVoteKickStart:
		s.room.VoteKickStart(s.id, cmd.Num)
	case CmdVoteAgree:
		s.room.Agree(s.id)
		forward = false
	case CmdVoteRefuse:
		s.room.Refuse(s.id)
		forward = false
	default:
		forward = false
	}

	if forward {
		s.room.Deliver(s.id, payload)
	}
}

func (s *Sleeper) writeLoop() {
	for {
		select {
		case frame := <-s.queue:
			if _, err := s.conn.Write(frame); err != nil {
				log.Printf("write failed, sleeper_id:%d remote_ip:%s err:%v", s.id, s.ip, err)
				s.Stop()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Deliver queues one complete frame for the write loop. It never blocks the
// caller: a session whose queue is full is too far behind to keep, so it is
// stopped instead of stalling the room broadcast.
func (s *Sleeper) Deliver(frame []byte) {
	select {
	case s.queue <- frame:
	case <-s.done:
	default:
		log.Printf("outbound queue full, dropping sleeper, sleeper_id:%d remote_ip:%s", s.id, s.ip)
		go s.Stop()
	}
}

// Stop tears the session down exactly once, no matter how many of the read
// loop, write loop and violation callback race into it.
func (s *Sleeper) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	log.Printf("sleeper stopped, sleeper_id:%d ip:%s", s.id, s.ip)

	s.room.Leave(s.id)
	_ = s.conn.Close()
	close(s.done)
	if id := s.observerID.Load(); id != 0 {
		violations.RemoveObserver(id)
	}
	trafficRecorder.OnConnectionClose(s.ip)
	unregisterSession(s)
}

// selfInfo encodes everything a peer needs to render this sleeper: the id
// echo, name, type, then the bed when sleeping or the position when not.
func (s *Sleeper) selfInfo() []byte {
	s.fieldsMu.Lock()
	name, sex, x, y, bed := s.name, s.sex, s.x, s.y, s.bedID
	s.fieldsMu.Unlock()

	var info []byte
	info = append(info, PackCommand(s.id, Command{Type: CmdSleeper, Num: int64(s.id)})...)
	info = append(info, PackCommand(s.id, Command{Type: CmdName, Text: name})...)
	info = append(info, PackCommand(s.id, Command{Type: CmdType, Num: sex})...)
	if bed >= 0 {
		info = append(info, PackCommand(s.id, Command{Type: CmdSleep, Num: bed})...)
	} else {
		info = append(info, PackCommand(s.id, Command{Type: CmdPos, X: x, Y: y})...)
	}
	return info
}

func (s *Sleeper) setName(name string) {
	s.fieldsMu.Lock()
	s.name = name
	s.fieldsMu.Unlock()
}

func (s *Sleeper) setSex(sex int64) {
	s.fieldsMu.Lock()
	s.sex = sex
	s.fieldsMu.Unlock()
}

func (s *Sleeper) setPos(x, y int) {
	s.fieldsMu.Lock()
	s.x, s.y = x, y
	s.fieldsMu.Unlock()
}

func (s *Sleeper) setBed(bed int64) {
	s.fieldsMu.Lock()
	s.bedID = bed
	s.fieldsMu.Unlock()
}

func peerHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err != nil || host == "" {
		return strings.TrimSpace(remoteAddr)
	}
	return host
}
