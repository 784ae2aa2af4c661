package packet

import (
	"errors"
	"testing"
)

func TestAsIdentityRejectsWrongTypeAndInvalidBodies(t *testing.T) {
	if _, err := NewPair(true).AsIdentity(); !errors.Is(err, ErrUnexpectedType) {
		t.Fatalf("expected ErrUnexpectedType, got %v", err)
	}

	p, err := Unmarshal([]byte(`{"id":1,"type":"kdeconnect.identity","body":[1,2]}`))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, err := p.AsIdentity(); !IsParseError(err, ParseInvalidBody) {
		t.Fatalf("expected invalid body error, got %v", err)
	}

	p, err = Unmarshal([]byte(`{"id":1,"type":"kdeconnect.identity","body":{"deviceName":"x","protocolVersion":7}}`))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, err := p.AsIdentity(); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity for missing deviceId, got %v", err)
	}

	p, err = Unmarshal([]byte(`{"id":1,"type":"kdeconnect.identity","body":{"deviceId":"b","protocolVersion":7,"tcpPort":70000}}`))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, err := p.AsIdentity(); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity for port, got %v", err)
	}
}

func TestAsPairRequiresPairField(t *testing.T) {
	p, err := Unmarshal([]byte(`{"id":1,"type":"kdeconnect.pair","body":{}}`))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, err := p.AsPair(); !IsParseError(err, ParseMissingField) {
		t.Fatalf("expected missing pair field, got %v", err)
	}

	p, err = Unmarshal([]byte(`{"id":1,"type":"kdeconnect.pair","body":{"pair":false}}`))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	body, err := p.AsPair()
	if err != nil {
		t.Fatalf("AsPair failed: %v", err)
	}
	if body.Pair {
		t.Fatalf("expected pair=false")
	}
}
