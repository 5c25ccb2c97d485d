package serial

import (
	"bytes"
	"reflect"
	"testing"
)

func TestMessage_Encode(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want []byte
	}{
		{"empty info", Message{Type: TypeInfo}, []byte{18, 0}},
		{"restart", Message{Type: TypeRestart}, []byte{20, 0}},
		{"with payload", Message{Type: TypeResult, Value: []byte{1, 2, 3}}, []byte{22, 3, 1, 2, 3}},
		{"error type", Message{Type: TypeError, Value: []byte("x")}, []byte{0xFE, 1, 'x'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.msg.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Encode() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := (Message{Type: TypeNewWork, Value: make([]byte, 256)}).Encode(); err == nil {
		t.Error("expected error for a 256-byte payload")
	}
}

func TestDecoder_Feed(t *testing.T) {
	tests := []struct {
		name     string
		chunks   [][]byte
		want     []Message
		buffered int
	}{
		{
			name:   "single frame",
			chunks: [][]byte{{18, 4, 'M', 'o', 'V', '3'}},
			want:   []Message{{Type: TypeInfo, Value: []byte("MoV3")}},
		},
		{
			name:   "split across reads",
			chunks: [][]byte{{18}, {4, 'M', 'o'}, {'V', '3'}},
			want:   []Message{{Type: TypeInfo, Value: []byte("MoV3")}},
		},
		{
			name:   "several frames in one read",
			chunks: [][]byte{{2, 0, 8, 0, 22, 2, 0xAA, 0xBB}},
			want: []Message{
				{Type: TypeAck},
				{Type: TypePing},
				{Type: TypeResult, Value: []byte{0xAA, 0xBB}},
			},
		},
		{
			name:     "incomplete trailer stays buffered",
			chunks:   [][]byte{{2, 0, 22, 4, 1, 2}},
			want:     []Message{{Type: TypeAck}},
			buffered: 4,
		},
		{
			name:     "lone type byte",
			chunks:   [][]byte{{22}},
			buffered: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decoder
			var got []Message
			for _, c := range tt.chunks {
				got = append(got, d.Feed(c)...)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Feed() = %+v, want %+v", got, tt.want)
			}
			if d.buffered() != tt.buffered {
				t.Errorf("buffered() = %d, want %d", d.buffered(), tt.buffered)
			}
		})
	}
}

func TestDecoder_RoundTrip(t *testing.T) {
	msgs := []Message{
		{Type: TypeNewWork, Value: bytes.Repeat([]byte{0x5A}, 80)},
		{Type: TypeRestart},
		TestWork(),
	}

	var stream []byte
	for _, m := range msgs {
		b, err := m.Encode()
		if err != nil {
			t.Fatal(err)
		}
		stream = append(stream, b...)
	}

	var d Decoder
	var got []Message
	for i := range stream {
		got = append(got, d.Feed(stream[i:i+1])...)
	}
	if !reflect.DeepEqual(got, msgs) {
		t.Errorf("byte-at-a-time decode mismatch: %+v", got)
	}
}

func TestTestWork(t *testing.T) {
	msg := TestWork()
	if msg.Type != TypeTestWork || len(msg.Value) != 80 {
		t.Fatalf("TestWork() = type %v length %d", msg.Type, len(msg.Value))
	}

	frame, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	primes := map[int]bool{7: true, 11: true, 13: true, 17: true, 19: true, 23: true, 29: true, 31: true,
		37: true, 41: true, 43: true, 47: true, 53: true, 59: true, 61: true, 67: true, 71: true, 73: true, 79: true}
	for i := 2; i < len(frame); i++ {
		want := byte(0)
		if primes[i] {
			want = byte(i)
		}
		if frame[i] != want {
			t.Errorf("frame[%d] = %d, want %d", i, frame[i], want)
		}
	}
}

func TestMessageType_String(t *testing.T) {
	if TypeNewWork.String() != "new_work" || MessageType(99).String() != "type(99)" {
		t.Error("unexpected MessageType names")
	}
}
