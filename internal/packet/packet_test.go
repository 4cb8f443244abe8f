package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestMetaRoundTrip(t *testing.T) {
	p := &Packet{Type: TypeMeta, Width: 1080, Height: 1920}
	b := p.Marshal()

	if len(b) != 9 {
		t.Fatalf("META length %d, expected 9", len(b))
	}
	if b[0] != 0 {
		t.Fatalf("META type byte 0x%02X, expected 0x00", b[0])
	}
	if binary.BigEndian.Uint32(b[1:5]) != 1080 || binary.BigEndian.Uint32(b[5:9]) != 1920 {
		t.Fatalf("META dimensions not big-endian at fixed offsets: % X", b)
	}

	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Width != 1080 || got.Height != 1920 {
		t.Fatalf("got %dx%d, expected 1080x1920", got.Width, got.Height)
	}
}

func TestVideoFragmentRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 400)
	p := &Packet{
		Type:       TypeVideoFragment,
		FrameIndex: 7,
		PartIndex:  2,
		TotalParts: 3,
		Payload:    payload,
	}
	b := p.Marshal()

	if b[0] != 1 {
		t.Fatalf("fragment type byte 0x%02X, expected 0x01", b[0])
	}
	if binary.BigEndian.Uint16(b[1:3]) != 7 || b[3] != 2 || b[4] != 3 {
		t.Fatalf("fragment header wrong: % X", b[:5])
	}
	if len(b) != 5+400 {
		t.Fatalf("fragment length %d, expected %d", len(b), 5+400)
	}

	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.FrameIndex != 7 || got.PartIndex != 2 || got.TotalParts != 3 {
		t.Fatalf("fragment fields lost: %+v", got)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatal("fragment payload corrupted")
	}
}

func TestBlobTypesRoundTrip(t *testing.T) {
	blob := []byte("parameter-sets")
	for _, typ := range []byte{TypeVideoConfig, TypeAudioData, TypeAudioConfig} {
		p := &Packet{Type: typ, Payload: blob}
		b := p.Marshal()
		if b[0] != typ || len(b) != 1+len(blob) {
			t.Fatalf("type %d: bad wire form % X", typ, b)
		}
		got, err := Unmarshal(b)
		if err != nil {
			t.Fatalf("type %d: unmarshal: %v", typ, err)
		}
		if !bytes.Equal(got.Payload, blob) {
			t.Fatalf("type %d: payload corrupted", typ)
		}
	}
}

func TestEmptyBlobAllowed(t *testing.T) {
	// config blob может быть пустым - это не malformed пакет
	got, err := Unmarshal([]byte{TypeAudioData})
	if err != nil {
		t.Fatalf("unmarshal 1-byte AUDIO_DATA: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got.Payload))
	}
}

func TestParityRoundTrip(t *testing.T) {
	p := &Packet{
		Type:        TypeVideoParity,
		FrameIndex:  65535,
		PartIndex:   1,
		TotalParts:  3,
		ParityParts: 2,
		FrameBytes:  3000,
		Payload:     bytes.Repeat([]byte{5}, 1300),
	}
	got, err := Unmarshal(p.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.FrameIndex != 65535 || got.PartIndex != 1 || got.TotalParts != 3 ||
		got.ParityParts != 2 || got.FrameBytes != 3000 || len(got.Payload) != 1300 {
		t.Fatalf("parity fields lost: %+v", got)
	}
}

func TestHeartbeatWireForm(t *testing.T) {
	b := (&Packet{Type: TypeHeartbeat}).Marshal()
	if len(b) != 2 || b[0] != 0xFF {
		t.Fatalf("heartbeat wire form % X", b)
	}
	if _, err := Unmarshal(b); err != nil {
		t.Fatalf("unmarshal heartbeat: %v", err)
	}
}

func TestUnmarshalTooShort(t *testing.T) {
	cases := [][]byte{
		{},                      // пустая датаграмма
		{TypeMeta, 0, 0, 0},     // META короче 9 байт
		{TypeVideoFragment, 0},  // фрагмент без заголовка
		{TypeVideoParity, 0, 0}, // parity без заголовка
		{TypeHeartbeat},         // heartbeat без payload байта
	}
	for i, b := range cases {
		if _, err := Unmarshal(b); !errors.Is(err, ErrTooShort) {
			t.Errorf("case %d (% X): expected ErrTooShort, got %v", i, b, err)
		}
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	for _, typ := range []byte{6, 42, 0xFE} {
		if _, err := Unmarshal([]byte{typ, 1, 2, 3}); !errors.Is(err, ErrUnknownType) {
			t.Errorf("type 0x%02X: expected ErrUnknownType, got %v", typ, err)
		}
	}
}
