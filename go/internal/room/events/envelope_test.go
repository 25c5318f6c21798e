package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mcdev12/planning-poker/go/internal/models"
	"github.com/mcdev12/planning-poker/go/internal/roster"
)

func boolPtr(v bool) *bool { return &v }

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Envelope
	}{
		{
			name:    "initial announce with null estimate",
			payload: `{"userId":"a","roomId":"R1","estimate":null,"isHidden":true,"isSpectator":false}`,
			want: Envelope{
				UserID:      "a",
				RoomID:      "R1",
				HasEstimate: true,
				IsHidden:    boolPtr(true),
				IsSpectator: boolPtr(false),
			},
		},
		{
			name:    "vote",
			payload: `{"userId":"b","roomId":"R1","estimate":5,"isHidden":true,"isSpectator":false}`,
			want: Envelope{
				UserID:      "b",
				RoomID:      "R1",
				Estimate:    models.EstimatePtr(5),
				HasEstimate: true,
				IsHidden:    boolPtr(true),
				IsSpectator: boolPtr(false),
			},
		},
		{
			name:    "reset",
			payload: `{"userId":"a","roomId":"R1","estimate":null,"isHidden":true,"reset":true,"isSpectator":false}`,
			want: Envelope{
				UserID:      "a",
				RoomID:      "R1",
				HasEstimate: true,
				IsHidden:    boolPtr(true),
				IsSpectator: boolPtr(false),
				Reset:       true,
			},
		},
		{
			name:    "leave without estimate or visibility",
			payload: `{"userId":"b","roomId":"R1","playerLeft":true,"isSpectator":false}`,
			want: Envelope{
				UserID:      "b",
				RoomID:      "R1",
				IsSpectator: boolPtr(false),
				PlayerLeft:  true,
			},
		},
		{
			name:    "unknown fields are ignored",
			payload: `{"userId":"a","roomId":"R1","isHidden":false,"color":"red"}`,
			want: Envelope{
				UserID:   "a",
				RoomID:   "R1",
				IsHidden: boolPtr(false),
			},
		},
		{
			name:    "whole-valued float estimate",
			payload: `{"userId":"a","roomId":"R1","estimate":8.0}`,
			want: Envelope{
				UserID:      "a",
				RoomID:      "R1",
				Estimate:    models.EstimatePtr(8),
				HasEstimate: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.payload))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("Decode() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `hello`},
		{"truncated", `{"userId":"a"`},
		{"array", `[1,2,3]`},
		{"null", `null`},
		{"string", `"userId"`},
		{"missing userId", `{"roomId":"R1"}`},
		{"missing roomId", `{"userId":"a"}`},
		{"empty userId", `{"userId":"","roomId":"R1"}`},
		{"numeric roomId", `{"userId":"a","roomId":7}`},
		{"null userId", `{"userId":null,"roomId":"R1"}`},
		{"string estimate", `{"userId":"a","roomId":"R1","estimate":"5"}`},
		{"fractional estimate", `{"userId":"a","roomId":"R1","estimate":2.5}`},
		{"string isHidden", `{"userId":"a","roomId":"R1","isHidden":"false"}`},
		{"numeric reset", `{"userId":"a","roomId":"R1","reset":1}`},
		{"object playerLeft", `{"userId":"a","roomId":"R1","playerLeft":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("Decode(%s) error = %v, want ErrMalformedMessage", tt.payload, err)
			}
		})
	}
}

func TestEncodeWritesFullState(t *testing.T) {
	self := roster.Self{IsHidden: true}
	data, err := Encode(StateEnvelope("a", "R1", self))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal encoded envelope: %v", err)
	}
	want := map[string]any{
		"userId":      "a",
		"roomId":      "R1",
		"estimate":    nil,
		"isHidden":    true,
		"isSpectator": false,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("encoded fields mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeFlags(t *testing.T) {
	self := roster.Self{Estimate: models.EstimatePtr(3), IsSpectator: true}

	data, err := Encode(ResetEnvelope("a", "R1", self))
	if err != nil {
		t.Fatalf("Encode(reset) error = %v", err)
	}
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode(reset) error = %v", err)
	}
	if !env.Reset || env.PlayerLeft {
		t.Fatalf("reset envelope flags = reset:%v left:%v", env.Reset, env.PlayerLeft)
	}
	if env.Estimate == nil || *env.Estimate != 3 {
		t.Fatalf("reset envelope estimate = %v, want 3", env.Estimate)
	}

	data, err = Encode(LeftEnvelope("a", "R1", self))
	if err != nil {
		t.Fatalf("Encode(left) error = %v", err)
	}
	env, err = Decode(data)
	if err != nil {
		t.Fatalf("Decode(left) error = %v", err)
	}
	if !env.PlayerLeft || env.Reset {
		t.Fatalf("left envelope flags = reset:%v left:%v", env.Reset, env.PlayerLeft)
	}
	if env.IsSpectator == nil || !*env.IsSpectator {
		t.Fatal("left envelope should carry the spectator flag")
	}
}

func TestEncodeRequiresIdentity(t *testing.T) {
	if _, err := Encode(Envelope{RoomID: "R1"}); err == nil {
		t.Fatal("Encode() without userId should fail")
	}
	if _, err := Encode(Envelope{UserID: "a"}); err == nil {
		t.Fatal("Encode() without roomId should fail")
	}
}

func TestEncodeWithoutHiddenFlagDoesNotReveal(t *testing.T) {
	env, err := Decode([]byte(`{"userId":"a","roomId":"R1","playerLeft":true}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.IsHidden != nil {
		t.Fatalf("IsHidden = %v, want absent", *env.IsHidden)
	}

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	again, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode(%s) error = %v", data, err)
	}
	if again.Reveals() {
		t.Fatalf("re-encoded envelope %s reveals", data)
	}
	if !again.PlayerLeft {
		t.Fatalf("re-encoded envelope %s lost playerLeft", data)
	}
}

func TestReveals(t *testing.T) {
	if (Envelope{}).Reveals() {
		t.Fatal("absent isHidden must not reveal")
	}
	if (Envelope{IsHidden: boolPtr(true)}).Reveals() {
		t.Fatal("isHidden=true must not reveal")
	}
	if !(Envelope{IsHidden: boolPtr(false)}).Reveals() {
		t.Fatal("isHidden=false must reveal")
	}
}
