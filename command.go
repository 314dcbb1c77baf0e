package main

import (
	"fmt"
	"strconv"
	"strings"
)

// Wire format: one message per frame, frame = payload + single NUL byte.
// Payload = keyword '$' args, where only the first '$' delimits; any '$'
// inside the args belongs to the args (chat text, names).
const maxMessageBytes = 4096

type CommandType int

const (
	CmdUnknown CommandType = iota
	CmdSleeper
	CmdName
	CmdType
	CmdSleep
	CmdGetup
	CmdChat
	CmdPos
	CmdMove
	CmdVoteKickStart
	CmdVoteAgree
	CmdVoteRefuse
	CmdVoteKicked
)

const (
	kwSleeper       = "sleeper"
	kwName          = "name"
	kwType          = "type"
	kwSleep         = "sleep"
	kwGetup         = "getup"
	kwChat          = "chat"
	kwPos           = "pos"
	kwMove          = "move"
	kwVoteKickStart = "vote_kick_start"
	kwVoteAgree     = "vote_agree"
	kwVoteRefuse    = "vote_refuse"
	kwVoteKicked    = "vote_kicked"
)

// Inbound keywords only. sleeper and vote_kicked are emitted by the server
// and never accepted from a client, so they are not listed here.
var inboundCommands = map[string]CommandType{
	kwName:          CmdName,
	kwType:          CmdType,
	kwSleep:         CmdSleep,
	kwGetup:         CmdGetup,
	kwChat:          CmdChat,
	kwPos:           CmdPos,
	kwMove:          CmdMove,
	kwVoteKickStart: CmdVoteKickStart,
	kwVoteAgree:     CmdVoteAgree,
	kwVoteRefuse:    CmdVoteRefuse,
}

type Command struct {
	Type CommandType
	Text string // name, chat
	Num  int64  // type, bed id, target sleeper id
	X, Y int    // pos, move
}

// ParseCommand decodes one frame payload. A payload without a '$' or with an
// unrecognized keyword decodes to CmdUnknown; a recognized keyword with
// malformed numeric args is an error, and the caller drops just that message.
func ParseCommand(payload string) (Command, error) {
	keyword, args, ok := strings.Cut(payload, "$")
	if !ok {
		return Command{Type: CmdUnknown}, nil
	}

	cmd := Command{Type: inboundCommands[keyword]}

	switch cmd.Type {
	case CmdName, CmdChat:
		cmd.Text = args

	case CmdType, CmdSleep, CmdVoteKickStart:
		n, err := strconv.ParseInt(args, 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("%s: bad integer argument %q", keyword, args)
		}
		cmd.Num = n

	case CmdPos, CmdMove:
		xs, ys, ok := strings.Cut(args, ",")
		if !ok {
			return Command{}, fmt.Errorf("%s: want x,y, got %q", keyword, args)
		}
		x, err := strconv.Atoi(xs)
		if err != nil {
			return Command{}, fmt.Errorf("%s: bad x %q", keyword, xs)
		}
		y, err := strconv.Atoi(ys)
		if err != nil {
			return Command{}, fmt.Errorf("%s: bad y %q", keyword, ys)
		}
		cmd.X, cmd.Y = x, y

	case CmdGetup, CmdVoteAgree, CmdVoteRefuse:
		// no args
	}

	return cmd, nil
}

// PackCommand encodes a command as a complete frame attributed to senderID:
// "<sender id>$<keyword>[$<args>]" plus the NUL terminator. Commands without
// args keep a trailing '$' so the keyword part stays decodable on its own.
func PackCommand(senderID SleeperID, cmd Command) []byte {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(int64(senderID), 10))
	b.WriteByte('$')

	switch cmd.Type {
	case CmdSleeper:
		b.WriteString(kwSleeper)
		b.WriteByte('$')
		b.WriteString(strconv.FormatInt(cmd.Num, 10))
	case CmdName:
		b.WriteString(kwName)
		b.WriteByte('$')
		b.WriteString(cmd.Text)
	case CmdType:
		b.WriteString(kwType)
		b.WriteByte('$')
		b.WriteString(strconv.FormatInt(cmd.Num, 10))
	case CmdSleep:
		b.WriteString(kwSleep)
		b.WriteByte('$')
		b.WriteString(strconv.FormatInt(cmd.Num, 10))
	case CmdGetup:
		b.WriteString(kwGetup)
		b.WriteByte('$')
	case CmdChat:
		b.WriteString(kwChat)
		b.WriteByte('$')
		b.WriteString(cmd.Text)
	case CmdPos:
		b.WriteString(kwPos)
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(cmd.X))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(cmd.Y))
	case CmdMove:
		b.WriteString(kwMove)
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(cmd.X))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(cmd.Y))
	case CmdVoteKickStart:
		b.WriteString(kwVoteKickStart)
		b.WriteByte('$')
		b.WriteString(strconv.FormatInt(cmd.Num, 10))
	case CmdVoteAgree:
		b.WriteString(kwVoteAgree)
		b.WriteByte('$')
	case CmdVoteRefuse:
		b.WriteString(kwVoteRefuse)
		b.WriteByte('$')
	case CmdVoteKicked:
		b.WriteString(kwVoteKicked)
		b.WriteByte('$')
	}

	b.WriteByte(0)
	return []byte(b.String())
}

// PackRelay wraps a raw inbound payload for broadcast, prefixing the
// originating sleeper's id so recipients can attribute the update.
func PackRelay(senderID SleeperID, payload string) []byte {
	frame := make([]byte, 0, len(payload)+12)
	frame = strconv.AppendInt(frame, int64(senderID), 10)
	frame = append(frame, '$')
	frame = append(frame, payload...)
	frame = append(frame, 0)
	return frame
}
