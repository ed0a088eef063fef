// Package telnet turns a raw MUD byte stream into text and protocol events.
//
// The Decoder keeps a carry-over buffer so command sequences split across
// reads are decoded exactly as if they had arrived in one piece. Negotiation
// replies are collected in the returned Batch and must be written back to the
// server by the caller, in order.
package telnet

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// Telnet commands.
const (
	IAC  byte = 255
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250
	GA   byte = 249
	NOP  byte = 241
	SE   byte = 240
	EOR  byte = 239
)

// Telnet options this client implements.
const (
	OptTTYPE byte = 24
	OptNAWS  byte = 31
	OptGMCP  byte = 201
)

const (
	ttypeIS   byte = 0
	ttypeSEND byte = 1
)

// Identity is announced to the server in the GMCP Core.Hello message.
type Identity struct {
	Client  string
	Version string
}

// Window is the geometry reported through NAWS.
type Window struct {
	Width  int
	Height int
}

var (
	DefaultIdentity     = Identity{Client: "Mudscape", Version: "1.0.0"}
	DefaultWindow       = Window{Width: 80, Height: 24}
	DefaultTerminalType = "MUDSCAPE"

	// SupportedModules is sent in Core.Supports.Set once GMCP is negotiated.
	SupportedModules = []string{
		"Char 1",
		"Char.Vitals 1",
		"Char.Status 1",
		"Room 1",
		"Room.Info 1",
		"Comm 1",
		"Comm.Channel 1",
	}
)

func CommandName(b byte) string {
	switch b {
	case IAC:
		return "IAC"
	case DONT:
		return "DONT"
	case DO:
		return "DO"
	case WONT:
		return "WONT"
	case WILL:
		return "WILL"
	case SB:
		return "SB"
	case GA:
		return "GA"
	case NOP:
		return "NOP"
	case SE:
		return "SE"
	case EOR:
		return "EOR"
	}
	return fmt.Sprint(b)
}

func OptionName(b byte) string {
	switch b {
	case OptTTYPE:
		return "TTYPE"
	case OptNAWS:
		return "NAWS"
	case OptGMCP:
		return "GMCP"
	}
	return fmt.Sprint(b)
}

// Command builds a three byte negotiation sequence.
func Command(cmd, opt byte) []byte {
	return []byte{IAC, cmd, opt}
}

// Escape doubles every IAC byte so data can be sent verbatim.
func Escape(data []byte) []byte {
	if bytes.IndexByte(data, IAC) == -1 {
		return data
	}
	out := make([]byte, 0, len(data)+4)
	for _, b := range data {
		out = append(out, b)
		if b == IAC {
			out = append(out, IAC)
		}
	}
	return out
}

func subnegotiation(opt byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+5)
	out = append(out, IAC, SB, opt)
	out = append(out, Escape(payload)...)
	return append(out, IAC, SE)
}

// GMCPFrame builds IAC SB GMCP "<module> <json>" IAC SE. A nil data value
// produces a bare module name.
func GMCPFrame(module string, data any) ([]byte, error) {
	payload := []byte(module)
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		payload = append(append(payload, ' '), b...)
	}
	return subnegotiation(OptGMCP, payload), nil
}

// NAWSFrame reports a window size as two 16 bit big endian values.
func NAWSFrame(w Window) []byte {
	return subnegotiation(OptNAWS, []byte{
		byte(w.Width >> 8), byte(w.Width),
		byte(w.Height >> 8), byte(w.Height),
	})
}

// TTYPEIs answers a terminal type SEND request.
func TTYPEIs(name string) []byte {
	return subnegotiation(OptTTYPE, append([]byte{ttypeIS}, name...))
}
