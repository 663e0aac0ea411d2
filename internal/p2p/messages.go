package p2p

import (
	"time"
)

const (
	// ProtocolVersion is sent in the version handshake. The spelling is
	// what mainnet nodes expect.
	ProtocolVersion = "mainnnet0009"

	// ConnectTimeout bounds the dial and the handshake reply.
	ConnectTimeout = 5 * time.Second

	// SyncInterval is how long a session waits for traffic before asking
	// the node for a sync.
	SyncInterval = 10 * time.Second

	// WindowSize is the number of recent blocks each session keeps.
	WindowSize = 120

	// maxGossipPeers caps how many addresses one peers message may yield.
	maxGossipPeers = 10
)

// Outbound words.
const (
	msgVersion     = "version"
	msgOK          = "ok"
	msgBlockHeight = "blockheight"
	msgBlocksCF    = "blockscf"
	msgSendSync    = "sendsync"
	msgBlock       = "block"
)

// Command is an inbound command from a Bismuth node.
type Command uint8

const (
	CmdUnknown Command = iota
	CmdSync
	CmdBlocksFnd
	CmdBlockNF
	CmdPeers
	CmdNoNewBlk
	CmdSendSync
)

var commandNames = map[string]Command{
	"sync":      CmdSync,
	"blocksfnd": CmdBlocksFnd,
	"blocknf":   CmdBlockNF,
	"peers":     CmdPeers,
	"nonewblk":  CmdNoNewBlk,
	"sendsync":  CmdSendSync,
}

// ParseCommand maps a command word to a Command.
func ParseCommand(s string) (Command, bool) {
	c, ok := commandNames[s]
	return c, ok
}

func (c Command) String() string {
	for name, cmd := range commandNames {
		if cmd == c {
			return name
		}
	}
	return "unknown"
}
