package main

import (
	"errors"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want command
	}{
		{"5", command{kind: cmdVote, estimate: 5}},
		{"  8 ", command{kind: cmdVote, estimate: 8}},
		{"4", command{kind: cmdVote, estimate: 4}},
		{"reveal", command{kind: cmdReveal}},
		{"R", command{kind: cmdReveal}},
		{"reset", command{kind: cmdReset}},
		{"spectate", command{kind: cmdSpectate}},
		{"", command{kind: cmdShow}},
		{"share", command{kind: cmdShare}},
		{"quit", command{kind: cmdLeave}},
		{"Leave", command{kind: cmdLeave}},
		{"?", command{kind: cmdHelp}},
	}

	for _, tt := range tests {
		got, err := parseCommand(tt.line)
		if err != nil {
			t.Fatalf("parseCommand(%q) error = %v", tt.line, err)
		}
		if got != tt.want {
			t.Fatalf("parseCommand(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}

func TestParseCommandUnknown(t *testing.T) {
	for _, line := range []string{"vote", "2.5", "reveal now"} {
		if _, err := parseCommand(line); !errors.Is(err, errUnknownCommand) {
			t.Fatalf("parseCommand(%q) error = %v, want errUnknownCommand", line, err)
		}
	}
}

func TestShareURL(t *testing.T) {
	tests := []struct {
		relay string
		want  string
	}{
		{"ws://localhost:8080/ws", "http://localhost:8080/rooms/R1"},
		{"wss://poker.example.com/ws", "https://poker.example.com/rooms/R1"},
		{"wss://poker.example.com/", "https://poker.example.com/rooms/R1"},
		{"ws://example.com/poker/ws", "http://example.com/poker/rooms/R1"},
	}

	for _, tt := range tests {
		got, err := shareURL(tt.relay, "R1")
		if err != nil {
			t.Fatalf("shareURL(%q) error = %v", tt.relay, err)
		}
		if got != tt.want {
			t.Fatalf("shareURL(%q) = %q, want %q", tt.relay, got, tt.want)
		}
	}

	if _, err := shareURL("ftp://example.com", "R1"); err == nil {
		t.Fatal("shareURL() should reject non-websocket schemes")
	}
}

func TestParseRoomArg(t *testing.T) {
	tests := []struct {
		arg       string
		wantRoom  string
		wantRelay string
	}{
		{"", "", ""},
		{"R1", "R1", ""},
		{" c4427e6e-5b1a-4c2e-9a51-3f0f8e2d7b10 ", "c4427e6e-5b1a-4c2e-9a51-3f0f8e2d7b10", ""},
		{"http://localhost:8080/rooms/R1", "R1", "ws://localhost:8080/ws"},
		{"https://poker.example.com/rooms/R1/", "R1", "wss://poker.example.com/ws"},
		{"https://poker.example.com/rooms/R1/qr", "R1", "wss://poker.example.com/ws"},
		{"https://example.com/poker/rooms/R1", "R1", "wss://example.com/poker/ws"},
	}

	for _, tt := range tests {
		room, relayURL, err := parseRoomArg(tt.arg)
		if err != nil {
			t.Fatalf("parseRoomArg(%q) error = %v", tt.arg, err)
		}
		if room != tt.wantRoom || relayURL != tt.wantRelay {
			t.Fatalf("parseRoomArg(%q) = %q, %q, want %q, %q", tt.arg, room, relayURL, tt.wantRoom, tt.wantRelay)
		}
	}

	for _, arg := range []string{"https://poker.example.com/", "https://poker.example.com/rooms/", "ftp://example.com/rooms/R1"} {
		if _, _, err := parseRoomArg(arg); err == nil {
			t.Fatalf("parseRoomArg(%q) should fail", arg)
		}
	}
}

func TestShareLinkRoundTrip(t *testing.T) {
	link, err := shareURL("wss://poker.example.com/ws", "R1")
	if err != nil {
		t.Fatalf("shareURL() error = %v", err)
	}
	room, relayURL, err := parseRoomArg(link)
	if err != nil {
		t.Fatalf("parseRoomArg(%q) error = %v", link, err)
	}
	if room != "R1" || relayURL != "wss://poker.example.com/ws" {
		t.Fatalf("parseRoomArg(%q) = %q, %q", link, room, relayURL)
	}
}
