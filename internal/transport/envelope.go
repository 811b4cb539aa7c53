package transport

import (
	"fmt"
	"math"
	"strings"

	"github.com/go-faster/jx"

	"github.com/roach88/rvdebug/internal/trace"
)

// Response is the decoded reply to one request. It is one of Ack,
// ErrorReply, WarningReply or BrokenPipe.
type Response interface {
	isResponse()
}

// Ack is an "ok" envelope, with or without a payload.
type Ack struct {
	Payload Payload
}

// ErrorReply is an "err" envelope: the command was malformed or unsupported.
type ErrorReply struct {
	Message string
}

// WarningReply is a "warn" envelope: the command was understood but produced
// no usable value.
type WarningReply struct {
	Message string
}

// BrokenPipe means the simulator closed its end before replying.
type BrokenPipe struct{}

func (Ack) isResponse()          {}
func (ErrorReply) isResponse()   {}
func (WarningReply) isResponse() {}
func (BrokenPipe) isResponse()   {}

// PayloadType is the response_type discriminator.
type PayloadType string

const (
	TypeNone  PayloadType = ""
	TypeInt   PayloadType = "int"
	TypeFloat PayloadType = "float"
	TypeStr   PayloadType = "str"
	TypeBool  PayloadType = "bool"
)

// Payload is the typed response_payload of an envelope. Only the field
// selected by Type is meaningful.
type Payload struct {
	Type  PayloadType
	Int   trace.Value
	Float float64
	Str   string
	Bool  bool
}

// Codec frames response lines by a marker substring and decodes the JSON
// envelope that follows it.
type Codec struct {
	Marker string
}

// Decode returns the response carried by line. ok is false for lines that
// carry no marker or whose envelope is malformed; the caller keeps reading.
func (c Codec) Decode(line string) (resp Response, ok bool) {
	idx := strings.Index(line, c.Marker)
	if idx < 0 {
		return nil, false
	}
	body := strings.TrimSpace(line[idx+len(c.Marker):])
	// The simulator does not escape tabs inside payload strings.
	body = strings.ReplaceAll(body, "\t", "  ")

	resp, err := decodeEnvelope(body)
	if err != nil {
		return nil, false
	}
	return resp, true
}

func decodeEnvelope(body string) (Response, error) {
	var (
		code       string
		typ        PayloadType
		rawPayload jx.Raw
	)

	d := jx.DecodeStr(body)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "response_code":
			s, err := d.Str()
			code = s
			return err
		case "response_type":
			s, err := d.Str()
			typ = PayloadType(s)
			return err
		case "response_payload":
			raw, err := d.Raw()
			rawPayload = raw
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch code {
	case "err":
		msg, err := decodeMessage(rawPayload)
		if err != nil {
			return nil, err
		}
		return ErrorReply{Message: msg}, nil
	case "warn":
		msg, err := decodeMessage(rawPayload)
		if err != nil {
			return nil, err
		}
		return WarningReply{Message: msg}, nil
	case "ok":
		if rawPayload == nil {
			return Ack{}, nil
		}
		p, err := decodePayload(typ, rawPayload)
		if err != nil {
			return nil, err
		}
		return Ack{Payload: p}, nil
	default:
		return nil, fmt.Errorf("decode envelope: unknown response_code %q", code)
	}
}

func decodeMessage(raw jx.Raw) (string, error) {
	if raw == nil {
		return "", nil
	}
	d := jx.DecodeBytes(raw)
	if d.Next() != jx.String {
		return raw.String(), nil
	}
	s, err := d.Str()
	if err != nil {
		return "", fmt.Errorf("decode message: %w", err)
	}
	return s, nil
}

func decodePayload(typ PayloadType, raw jx.Raw) (Payload, error) {
	d := jx.DecodeBytes(raw)
	next := d.Next()

	if typ == TypeNone {
		switch next {
		case jx.String:
			typ = TypeStr
		case jx.Bool:
			typ = TypeBool
		case jx.Number:
			typ = TypeInt
			if strings.ContainsAny(raw.String(), ".eE") {
				typ = TypeFloat
			}
		case jx.Null:
			return Payload{}, nil
		default:
			return Payload{}, fmt.Errorf("decode payload: unsupported json type %s", next)
		}
	}

	p := Payload{Type: typ}
	switch typ {
	case TypeInt:
		text, err := scalarText(d, next)
		if err != nil {
			return Payload{}, err
		}
		v, err := trace.ParseValue(text)
		if err != nil {
			return Payload{}, fmt.Errorf("decode int payload: %w", err)
		}
		p.Int = v
	case TypeFloat:
		switch next {
		case jx.Number:
			f, err := d.Float64()
			if err != nil {
				return Payload{}, fmt.Errorf("decode float payload: %w", err)
			}
			p.Float = f
		case jx.String:
			s, err := d.Str()
			if err != nil {
				return Payload{}, fmt.Errorf("decode float payload: %w", err)
			}
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "nan", "-nan":
				p.Float = math.NaN()
			case "inf":
				p.Float = math.Inf(1)
			case "-inf":
				p.Float = math.Inf(-1)
			default:
				return Payload{}, fmt.Errorf("decode float payload: %q", s)
			}
		default:
			return Payload{}, fmt.Errorf("decode float payload: json type %s", next)
		}
	case TypeStr:
		if next != jx.String {
			p.Str = raw.String()
			break
		}
		s, err := d.Str()
		if err != nil {
			return Payload{}, fmt.Errorf("decode str payload: %w", err)
		}
		p.Str = s
	case TypeBool:
		b, err := d.Bool()
		if err != nil {
			return Payload{}, fmt.Errorf("decode bool payload: %w", err)
		}
		p.Bool = b
	default:
		return Payload{}, fmt.Errorf("decode payload: unknown response_type %q", typ)
	}
	return p, nil
}

// scalarText returns a number or string payload as text, without going
// through float64.
func scalarText(d *jx.Decoder, next jx.Type) (string, error) {
	switch next {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", fmt.Errorf("decode number: %w", err)
		}
		return n.String(), nil
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return "", fmt.Errorf("decode string: %w", err)
		}
		return s, nil
	default:
		return "", fmt.Errorf("decode int payload: json type %s", next)
	}
}
