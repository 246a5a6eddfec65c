package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CommandKind identifies an outbound ASCII command
type CommandKind int

const (
	CmdPing CommandKind = iota + 1
	CmdSetRec
	CmdRec
	CmdGet
	CmdDone
)

// SETREC bounds accepted by the firmware
const (
	MinRecSeconds = 1
	MaxRecSeconds = 10
)

// ErrUnknownCommand is returned by ParseCommand for unrecognized input
var ErrUnknownCommand = errors.New("unknown command")

// Command is a parsed outbound command
type Command struct {
	Kind       CommandKind
	RecSeconds int // SETREC
	RecID      uint16
	Offset     uint32
	Length     uint16
}

// PingCommand returns the PING command bytes
func PingCommand() []byte { return []byte("PING") }

// RecCommand returns the REC command bytes
func RecCommand() []byte { return []byte("REC") }

// SetRecCommand returns SETREC:<n>
func SetRecCommand(seconds int) []byte {
	return []byte("SETREC:" + strconv.Itoa(seconds))
}

// GetCommand returns GET:<recId>:<offset>:<length>
func GetCommand(recID uint16, offset uint32, length uint32) []byte {
	return []byte(fmt.Sprintf("GET:%d:%d:%d", recID, offset, length))
}

// DoneCommand returns DONE:<recId>
func DoneCommand(recID uint16) []byte {
	return []byte(fmt.Sprintf("DONE:%d", recID))
}

// ParseCommand parses an ASCII command the way the watch does. Trailing
// whitespace is ignored.
func ParseCommand(raw []byte) (Command, error) {
	s := strings.TrimSpace(string(raw))

	switch {
	case s == "PING":
		return Command{Kind: CmdPing}, nil
	case s == "REC":
		return Command{Kind: CmdRec}, nil
	case strings.HasPrefix(s, "SETREC:"):
		n, err := strconv.Atoi(s[len("SETREC:"):])
		if err != nil || n < MinRecSeconds || n > MaxRecSeconds {
			return Command{}, fmt.Errorf("%w: %q: seconds must be %d..%d", ErrUnknownCommand, s, MinRecSeconds, MaxRecSeconds)
		}
		return Command{Kind: CmdSetRec, RecSeconds: n}, nil
	case strings.HasPrefix(s, "GET:"):
		parts := strings.Split(s[len("GET:"):], ":")
		if len(parts) != 3 {
			return Command{}, fmt.Errorf("%w: %q: want GET:<recId>:<offset>:<len>", ErrUnknownCommand, s)
		}
		recID, err1 := strconv.ParseUint(parts[0], 10, 16)
		off, err2 := strconv.ParseUint(parts[1], 10, 32)
		n, err3 := strconv.ParseUint(parts[2], 10, 16)
		if err := errors.Join(err1, err2, err3); err != nil {
			return Command{}, fmt.Errorf("%w: %q: %v", ErrUnknownCommand, s, err)
		}
		if n == 0 {
			return Command{}, fmt.Errorf("%w: %q: zero length", ErrUnknownCommand, s)
		}
		return Command{Kind: CmdGet, RecID: uint16(recID), Offset: uint32(off), Length: uint16(n)}, nil
	case strings.HasPrefix(s, "DONE:"):
		recID, err := strconv.ParseUint(s[len("DONE:"):], 10, 16)
		if err != nil {
			return Command{}, fmt.Errorf("%w: %q: %v", ErrUnknownCommand, s, err)
		}
		return Command{Kind: CmdDone, RecID: uint16(recID)}, nil
	}

	return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

// String returns the command name
func (k CommandKind) String() string {
	switch k {
	case CmdPing:
		return "PING"
	case CmdSetRec:
		return "SETREC"
	case CmdRec:
		return "REC"
	case CmdGet:
		return "GET"
	case CmdDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}
