package telnet

import (
	"strings"

	"github.com/goccy/go-json"
)

// maxPending bounds the carry-over buffer while waiting for IAC SE.
// A server that never terminates a sub-negotiation loses it instead of
// growing the buffer forever.
const maxPending = 1 << 20

// Event is one decoded unit of the stream: Text, Negotiation, GMCP or
// Subnegotiation.
type Event interface {
	telnetEvent()
}

// Text is the literal content of one scan pass, with IAC IAC collapsed.
type Text struct {
	Content []byte
}

// Negotiation reports an option command received from the server.
type Negotiation struct {
	Command byte
	Option  byte
}

// GMCP is a decoded GMCP message. Data holds the parsed JSON value, or the
// raw text when it did not parse.
type GMCP struct {
	Module string
	Data   any
}

// Subnegotiation carries a well formed sub-negotiation for an option the
// decoder does not interpret.
type Subnegotiation struct {
	Option byte
	Data   []byte
}

func (Text) telnetEvent()           {}
func (Negotiation) telnetEvent()    {}
func (GMCP) telnetEvent()           {}
func (Subnegotiation) telnetEvent() {}

// Batch is the outcome of one Feed call.
type Batch struct {
	Events  []Event
	Replies [][]byte
}

func (b *Batch) reply(frames ...[]byte) {
	b.Replies = append(b.Replies, frames...)
}

// Decoder is the per-connection protocol state. It is not safe for
// concurrent use; the owning connection serializes access.
type Decoder struct {
	GMCPRequested bool
	Identity      Identity
	Window        Window
	TerminalType  string

	negotiated bool
	willSent   bool
	buf        []byte
}

// Negotiated reports whether the server has agreed to speak GMCP.
func (d *Decoder) Negotiated() bool {
	return d.negotiated
}

// Pending returns the number of carried over bytes.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Reset forgets all negotiation state and buffered bytes.
func (d *Decoder) Reset() {
	d.negotiated = false
	d.willSent = false
	d.buf = nil
}

// Offer returns the initial IAC WILL GMCP, or nil if GMCP was not requested.
func (d *Decoder) Offer() []byte {
	if !d.GMCPRequested {
		return nil
	}
	d.willSent = true
	return Command(WILL, OptGMCP)
}

func (d *Decoder) identity() Identity {
	if d.Identity.Client == "" {
		return DefaultIdentity
	}
	return d.Identity
}

func (d *Decoder) window() Window {
	if d.Window.Width <= 0 || d.Window.Height <= 0 {
		return DefaultWindow
	}
	return d.Window
}

func (d *Decoder) terminalType() string {
	if d.TerminalType == "" {
		return DefaultTerminalType
	}
	return d.TerminalType
}

// Feed appends chunk to the carry-over buffer and decodes everything that is
// complete. Incomplete command sequences stay buffered for the next call.
func (d *Decoder) Feed(chunk []byte) Batch {
	d.buf = append(d.buf, chunk...)
	batch := Batch{}
	text := make([]byte, 0, len(d.buf))
	i := 0
scan:
	for i < len(d.buf) {
		if d.buf[i] != IAC {
			text = append(text, d.buf[i])
			i++
			continue
		}
		if i+1 >= len(d.buf) {
			break
		}
		switch cmd := d.buf[i+1]; cmd {
		case IAC:
			text = append(text, IAC)
			i += 2
		case WILL, WONT, DO, DONT:
			if i+2 >= len(d.buf) {
				break scan
			}
			d.negotiate(&batch, cmd, d.buf[i+2])
			i += 3
		case SB:
			consumed, payload, ok := scanSubnegotiation(d.buf[i+2:])
			if !ok {
				if len(d.buf)-i > maxPending {
					i = len(d.buf)
				}
				break scan
			}
			d.subnegotiate(&batch, payload)
			i += 2 + consumed
		default:
			// GA, NOP, EOR and friends carry no payload.
			i += 2
		}
	}
	d.buf = append([]byte(nil), d.buf[i:]...)
	if len(text) > 0 {
		batch.Events = append(batch.Events, Text{Content: text})
	}
	return batch
}

// scanSubnegotiation looks for IAC SE in data, which starts right after
// IAC SB. It returns the number of bytes up to and including IAC SE and the
// unescaped payload.
func scanSubnegotiation(data []byte) (int, []byte, bool) {
	payload := []byte{}
	for j := 0; j < len(data); j++ {
		if data[j] != IAC {
			payload = append(payload, data[j])
			continue
		}
		if j+1 >= len(data) {
			return 0, nil, false
		}
		switch data[j+1] {
		case SE:
			return j + 2, payload, true
		case IAC:
			payload = append(payload, IAC)
		}
		j++
	}
	return 0, nil, false
}

func (d *Decoder) negotiate(batch *Batch, cmd, opt byte) {
	batch.Events = append(batch.Events, Negotiation{Command: cmd, Option: opt})
	switch opt {
	case OptGMCP:
		switch cmd {
		case WILL:
			if !d.GMCPRequested {
				batch.reply(Command(DONT, opt))
				return
			}
			if d.negotiated {
				return
			}
			d.negotiated = true
			batch.reply(Command(DO, opt))
			if hello, err := GMCPFrame("Core.Hello", d.identity()); err == nil {
				batch.reply(hello)
			}
			if supports, err := GMCPFrame("Core.Supports.Set", SupportedModules); err == nil {
				batch.reply(supports)
			}
		case DO:
			if !d.GMCPRequested {
				batch.reply(Command(WONT, opt))
				return
			}
			if !d.willSent {
				d.willSent = true
				batch.reply(Command(WILL, opt))
			}
		}
	case OptTTYPE:
		switch cmd {
		case DO:
			batch.reply(Command(WILL, opt))
		case WILL:
			batch.reply(Command(DONT, opt))
		}
	case OptNAWS:
		switch cmd {
		case DO:
			batch.reply(Command(WILL, opt), NAWSFrame(d.window()))
		case WILL:
			batch.reply(Command(DONT, opt))
		}
	default:
		switch cmd {
		case WILL:
			batch.reply(Command(DONT, opt))
		case DO:
			batch.reply(Command(WONT, opt))
		}
	}
}

func (d *Decoder) subnegotiate(batch *Batch, payload []byte) {
	if len(payload) == 0 {
		return
	}
	opt, data := payload[0], payload[1:]
	switch opt {
	case OptGMCP:
		module, rest, _ := strings.Cut(string(data), " ")
		if module = strings.TrimSpace(module); module == "" {
			return
		}
		var value any
		if rest = strings.TrimSpace(rest); rest != "" {
			if err := json.Unmarshal([]byte(rest), &value); err != nil {
				value = rest
			}
		}
		batch.Events = append(batch.Events, GMCP{Module: module, Data: value})
	case OptTTYPE:
		if len(data) > 0 && data[0] == ttypeSEND {
			batch.reply(TTYPEIs(d.terminalType()))
		}
	default:
		batch.Events = append(batch.Events, Subnegotiation{Option: opt, Data: data})
	}
}
