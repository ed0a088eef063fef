// Package transport defines the events exchanged between a client and its
// relay connection, and their JSON wire form.
package transport

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/thalynlabs/mudscape"
)

// Inbound events travel from the relay to the client.
type Inbound interface {
	Kind() string
	inbound()
}

// Outbound requests travel from the client to the relay.
type Outbound interface {
	Kind() string
	outbound()
}

type Connected struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type Disconnected struct {
	Reason string `json:"reason,omitempty"`
}

type Data struct {
	Content string `json:"content"`
}

type Error struct {
	Message string `json:"message"`
}

type GMCP struct {
	Module string `json:"module"`
	Data   any    `json:"data,omitempty"`
}

func (Connected) Kind() string    { return "connected" }
func (Disconnected) Kind() string { return "disconnected" }
func (Data) Kind() string         { return "data" }
func (Error) Kind() string        { return "error" }
func (GMCP) Kind() string         { return "gmcp" }

func (Connected) inbound()    {}
func (Disconnected) inbound() {}
func (Data) inbound()         {}
func (Error) inbound()        {}
func (GMCP) inbound()         {}

type Connect struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Encoding string `json:"encoding,omitempty"`
	GMCP     bool   `json:"gmcp,omitempty"`
}

type Disconnect struct{}

type Send struct {
	Data string `json:"data"`
}

type SendGMCP struct {
	Module string `json:"module"`
	Data   any    `json:"data,omitempty"`
}

func (Connect) Kind() string    { return "connect" }
func (Disconnect) Kind() string { return "disconnect" }
func (Send) Kind() string       { return "send" }
func (SendGMCP) Kind() string   { return "gmcp" }

func (Connect) outbound()    {}
func (Disconnect) outbound() {}
func (Send) outbound()       {}
func (SendGMCP) outbound()   {}

type envelope struct {
	Type string `json:"type"`
}

func encode(kind string, v any) ([]byte, error) {
	fields, err := json.Marshal(v)
	if err != nil {
		return nil, mudscape.WithStack(err)
	}
	typ, err := json.Marshal(kind)
	if err != nil {
		return nil, mudscape.WithStack(err)
	}
	out := append([]byte(`{"type":`), typ...)
	if len(fields) > 2 {
		out = append(out, ',')
		out = append(out, fields[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

func peekType(b []byte) (string, error) {
	env := envelope{}
	if err := json.Unmarshal(b, &env); err != nil {
		return "", mudscape.WithStack(err)
	}
	return env.Type, nil
}

func EncodeInbound(ev Inbound) ([]byte, error) {
	return encode(ev.Kind(), ev)
}

func EncodeOutbound(req Outbound) ([]byte, error) {
	return encode(req.Kind(), req)
}

func DecodeInbound(b []byte) (Inbound, error) {
	kind, err := peekType(b)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "connected":
		return decode[Connected](b)
	case "disconnected":
		return decode[Disconnected](b)
	case "data":
		return decode[Data](b)
	case "error":
		return decode[Error](b)
	case "gmcp":
		return decode[GMCP](b)
	}
	return nil, mudscape.WithStack(fmt.Errorf("unknown inbound event type %q", kind))
}

func DecodeOutbound(b []byte) (Outbound, error) {
	kind, err := peekType(b)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "connect":
		return decode[Connect](b)
	case "disconnect":
		return decode[Disconnect](b)
	case "send":
		return decode[Send](b)
	case "gmcp":
		return decode[SendGMCP](b)
	}
	return nil, mudscape.WithStack(fmt.Errorf("unknown outbound request type %q", kind))
}

func decode[T any](b []byte) (T, error) {
	var t T
	if err := json.Unmarshal(b, &t); err != nil {
		return t, mudscape.WithStack(err)
	}
	return t, nil
}
