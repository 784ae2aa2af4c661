package packet

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
)

type wirePacket struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Marshal encodes p as one newline-terminated JSON record. A zero id is
// replaced with a timestamp-derived id and stored back into p.
func Marshal(p *Packet) ([]byte, error) {
	if p == nil {
		return nil, &EncodingError{Err: errors.New("no packet")}
	}
	if p.typ == "" {
		return nil, &EncodingError{Err: errors.New("packet type not set")}
	}

	body, err := p.RawBody()
	if err != nil {
		return nil, err
	}
	if p.id == 0 {
		p.id = nextID()
	}

	data, err := json.Marshal(wirePacket{ID: p.id, Type: p.typ, Body: body})
	if err != nil {
		return nil, &EncodingError{Type: p.typ, Err: err}
	}
	if len(data)+1 > MaxPacketSize {
		return nil, &EncodingError{Type: p.typ, Err: ErrPacketTooLarge}
	}
	return append(data, '\n'), nil
}

// Unmarshal decodes one record. Only "id" and "type" are interpreted; the body
// is kept as raw JSON.
func Unmarshal(data []byte) (*Packet, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &ParseError{Kind: ParseInvalidJSON, Err: errors.New("empty record")}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &ParseError{Kind: ParseInvalidJSON, Err: err}
	}
	if fields == nil {
		return nil, &ParseError{Kind: ParseInvalidJSON, Err: errors.New("record is not an object")}
	}

	var packetType string
	rawType, ok := fields["type"]
	if !ok {
		return nil, &ParseError{Kind: ParseMissingField, Field: "type"}
	}
	if err := json.Unmarshal(rawType, &packetType); err != nil || packetType == "" {
		return nil, &ParseError{Kind: ParseMissingField, Field: "type", Err: err}
	}
	if canonical, ok := controlAliases[packetType]; ok {
		packetType = canonical
	}

	rawID, ok := fields["id"]
	if !ok {
		return nil, &ParseError{Kind: ParseMissingField, Field: "id"}
	}
	id, err := parseID(rawID)
	if err != nil {
		return nil, &ParseError{Kind: ParseMissingField, Field: "id", Err: err}
	}

	rawBody, ok := fields["body"]
	if !ok {
		return nil, &ParseError{Kind: ParseInvalidBody, Field: "body", Err: errors.New("body missing")}
	}
	if !isJSONValue(rawBody) {
		return nil, &ParseError{Kind: ParseInvalidBody, Field: "body"}
	}

	return &Packet{
		id:  id,
		typ: packetType,
		raw: append(json.RawMessage(nil), rawBody...),
	}, nil
}

func parseID(raw json.RawMessage) (int64, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("id has type %T", v)
	}
}

func isJSONValue(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	switch c := raw[0]; {
	case c == '{', c == '[', c == '"', c == 't', c == 'f', c == 'n', c == '-':
		return true
	case c >= '0' && c <= '9':
		return true
	default:
		return false
	}
}

// Encoder writes packets to a stream. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one record.
func (e *Encoder) Encode(p *Packet) error {
	data, err := Marshal(p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited packets from a stream.
type Decoder struct {
	r   *bufio.Reader
	max int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), max: MaxPacketSize}
}

// Decode reads the next record. Blank lines are skipped. At end of stream it
// returns io.EOF; a malformed record yields a *ParseError and the decoder can
// continue with the following line.
func (d *Decoder) Decode() (*Packet, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return Unmarshal(line)
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(line)+len(chunk) > d.max {
			return nil, ErrPacketTooLarge
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0:
			return line, nil
		default:
			return nil, err
		}
	}
}
