package telnet

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func seq(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

// collect feeds the chunks one by one and merges the results. Text events
// are concatenated since every pass emits its own text event.
func collect(d *Decoder, chunks ...[]byte) (string, []Event, [][]byte) {
	text := &bytes.Buffer{}
	events := []Event{}
	replies := [][]byte{}
	for _, chunk := range chunks {
		batch := d.Feed(chunk)
		for _, ev := range batch.Events {
			if t, ok := ev.(Text); ok {
				text.Write(t.Content)
			} else {
				events = append(events, ev)
			}
		}
		replies = append(replies, batch.Replies...)
	}
	return text.String(), events, replies
}

func fixture() []byte {
	gmcp, err := GMCPFrame("Char.Vitals", map[string]any{"hp": 30, "maxhp": 100})
	if err != nil {
		panic(err)
	}
	return seq(
		[]byte("Welcome\r\n"),
		Command(WILL, OptGMCP),
		[]byte("a"), []byte{IAC, IAC}, []byte("b\r\n"),
		gmcp,
		Command(DO, OptNAWS),
		[]byte("HP: 30\r\n"),
		[]byte{IAC, SB, OptTTYPE, ttypeSEND, IAC, SE},
		[]byte("prompt> "),
	)
}

func TestSplitAnywhere(t *testing.T) {
	whole := fixture()
	wantText, wantEvents, wantReplies := collect(&Decoder{GMCPRequested: true}, whole)
	if wantText != "Welcome\r\na\xffb\r\nHP: 30\r\nprompt> " {
		t.Fatalf("got text %q", wantText)
	}
	for split := 1; split < len(whole); split++ {
		gotText, gotEvents, gotReplies := collect(&Decoder{GMCPRequested: true}, whole[:split], whole[split:])
		if gotText != wantText {
			t.Errorf("split %d: got text %q, want %q", split, gotText, wantText)
		}
		if diff := cmp.Diff(wantEvents, gotEvents); diff != "" {
			t.Errorf("split %d: events differ: %v", split, diff)
		}
		if diff := cmp.Diff(wantReplies, gotReplies); diff != "" {
			t.Errorf("split %d: replies differ: %v", split, diff)
		}
	}
}

func TestSplitRandomChunks(t *testing.T) {
	whole := fixture()
	wantText, wantEvents, wantReplies := collect(&Decoder{GMCPRequested: true}, whole)
	rnd := rand.New(rand.NewPCG(1, 2))
	for round := 0; round < 200; round++ {
		chunks := [][]byte{}
		for rest := whole; len(rest) > 0; {
			n := 1 + rnd.IntN(4)
			if n > len(rest) {
				n = len(rest)
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		d := &Decoder{GMCPRequested: true}
		gotText, gotEvents, gotReplies := collect(d, chunks...)
		if gotText != wantText {
			t.Fatalf("round %d: got text %q, want %q", round, gotText, wantText)
		}
		if diff := cmp.Diff(wantEvents, gotEvents); diff != "" {
			t.Fatalf("round %d: events differ: %v", round, diff)
		}
		if diff := cmp.Diff(wantReplies, gotReplies); diff != "" {
			t.Fatalf("round %d: replies differ: %v", round, diff)
		}
		if d.Pending() != 0 {
			t.Errorf("round %d: %d bytes left over", round, d.Pending())
		}
	}
}

func TestEscapedIAC(t *testing.T) {
	d := &Decoder{}
	text, _, replies := collect(d, []byte{'x', IAC, IAC, 'y'})
	if text != "x\xffy" {
		t.Errorf("got %q, want x\\xffy", text)
	}
	if len(replies) != 0 {
		t.Errorf("got replies %v", replies)
	}
	text, _, _ = collect(d, []byte{'z', IAC}, []byte{IAC})
	if text != "z\xff" {
		t.Errorf("got %q across chunks, want z\\xff", text)
	}
}

func TestGMCPNegotiation(t *testing.T) {
	d := &Decoder{GMCPRequested: true}
	batch := d.Feed(Command(WILL, OptGMCP))
	if !d.Negotiated() {
		t.Fatal("GMCP should be negotiated")
	}
	if len(batch.Replies) != 3 {
		t.Fatalf("got %d replies, want 3", len(batch.Replies))
	}
	if !bytes.Equal(batch.Replies[0], []byte{IAC, DO, OptGMCP}) {
		t.Errorf("first reply %v, want IAC DO GMCP", batch.Replies[0])
	}
	hello := batch.Replies[1]
	if !bytes.HasPrefix(hello, []byte{IAC, SB, OptGMCP}) || !bytes.Contains(hello, []byte("Core.Hello ")) {
		t.Errorf("second reply %q is no hello", hello)
	}
	if !bytes.Contains(batch.Replies[2], []byte("Core.Supports.Set")) {
		t.Errorf("third reply %q is no supports declaration", batch.Replies[2])
	}
	if again := d.Feed(Command(WILL, OptGMCP)); len(again.Replies) != 0 {
		t.Errorf("repeated WILL got replies %v", again.Replies)
	}
}

func TestGMCPNotRequested(t *testing.T) {
	d := &Decoder{}
	batch := d.Feed(seq(Command(WILL, OptGMCP), Command(DO, OptGMCP)))
	if d.Negotiated() {
		t.Error("GMCP should not be negotiated")
	}
	want := [][]byte{{IAC, DONT, OptGMCP}, {IAC, WONT, OptGMCP}}
	if diff := cmp.Diff(want, batch.Replies); diff != "" {
		t.Error(diff)
	}
}

func TestOptionReplies(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   []byte
		want [][]byte
	}{
		{"ttype do", Command(DO, OptTTYPE), [][]byte{{IAC, WILL, OptTTYPE}}},
		{"naws do", Command(DO, OptNAWS), [][]byte{{IAC, WILL, OptNAWS}, {IAC, SB, OptNAWS, 0, 80, 0, 24, IAC, SE}}},
		{"unknown will", Command(WILL, 1), [][]byte{{IAC, DONT, 1}}},
		{"unknown do", Command(DO, 3), [][]byte{{IAC, WONT, 3}}},
		{"wont ignored", Command(WONT, 1), nil},
		{"dont ignored", Command(DONT, OptNAWS), nil},
		{"ttype send", []byte{IAC, SB, OptTTYPE, ttypeSEND, IAC, SE}, [][]byte{TTYPEIs(DefaultTerminalType)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			batch := (&Decoder{}).Feed(tc.in)
			if diff := cmp.Diff(tc.want, batch.Replies); diff != "" {
				t.Error(diff)
			}
		})
	}
}

func TestGMCPPayloads(t *testing.T) {
	for _, tc := range []struct {
		name    string
		payload string
		want    GMCP
	}{
		{"object", `Char.Vitals {"hp":30}`, GMCP{Module: "Char.Vitals", Data: map[string]any{"hp": float64(30)}}},
		{"bare module", "Core.Ping", GMCP{Module: "Core.Ping"}},
		{"broken json", "Room.Info {oops", GMCP{Module: "Room.Info", Data: "{oops"}},
		{"string", `Comm.Channel "hi"`, GMCP{Module: "Comm.Channel", Data: "hi"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			frame := seq([]byte{IAC, SB, OptGMCP}, []byte(tc.payload), []byte{IAC, SE})
			_, events, _ := collect(&Decoder{GMCPRequested: true}, frame)
			if len(events) != 1 {
				t.Fatalf("got %d events, want 1", len(events))
			}
			if diff := cmp.Diff(tc.want, events[0]); diff != "" {
				t.Error(diff)
			}
		})
	}
}

func TestMalformedSubnegotiationSkipped(t *testing.T) {
	d := &Decoder{GMCPRequested: true}
	text, events, _ := collect(d,
		[]byte{IAC, SB, IAC, SE},
		[]byte{IAC, SB, OptGMCP, ' ', IAC, SE},
		[]byte("still alive"),
	)
	if text != "still alive" {
		t.Errorf("got %q", text)
	}
	if len(events) != 0 {
		t.Errorf("got events %+v", events)
	}
}

func TestUnknownSubnegotiationReported(t *testing.T) {
	_, events, _ := collect(&Decoder{}, []byte{IAC, SB, 70, 1, 'a', IAC, IAC, IAC, SE})
	want := []Event{Subnegotiation{Option: 70, Data: []byte{1, 'a', IAC}}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Error(diff)
	}
}

func TestOtherCommandsConsumed(t *testing.T) {
	text, events, _ := collect(&Decoder{}, []byte{'>', ' ', IAC, GA, 'x', IAC, NOP})
	if text != "> x" {
		t.Errorf("got %q", text)
	}
	if len(events) != 0 {
		t.Errorf("got %+v", events)
	}
}

func TestOffer(t *testing.T) {
	if got := (&Decoder{}).Offer(); got != nil {
		t.Errorf("got %v without GMCP requested", got)
	}
	d := &Decoder{GMCPRequested: true}
	if got := d.Offer(); !bytes.Equal(got, []byte{IAC, WILL, OptGMCP}) {
		t.Errorf("got %v", got)
	}
	if batch := d.Feed(Command(DO, OptGMCP)); len(batch.Replies) != 0 {
		t.Errorf("DO after offer got replies %v", batch.Replies)
	}

	unoffered := &Decoder{GMCPRequested: true}
	batch := unoffered.Feed(Command(DO, OptGMCP))
	if diff := cmp.Diff([][]byte{{IAC, WILL, OptGMCP}}, batch.Replies); diff != "" {
		t.Errorf("DO without offer (-want +got):\n%s", diff)
	}
	if batch := unoffered.Feed(Command(DO, OptGMCP)); len(batch.Replies) != 0 {
		t.Errorf("repeated DO got replies %v", batch.Replies)
	}
}

func TestEscape(t *testing.T) {
	if got := Escape([]byte{1, IAC, 2}); !bytes.Equal(got, []byte{1, IAC, IAC, 2}) {
		t.Errorf("got %v", got)
	}
}
