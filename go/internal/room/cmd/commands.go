package main

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mcdev12/planning-poker/go/internal/relay"
)

var errUnknownCommand = errors.New("unknown command")

type commandKind int

const (
	cmdVote commandKind = iota
	cmdReveal
	cmdReset
	cmdSpectate
	cmdShow
	cmdShare
	cmdLeave
	cmdHelp
)

type command struct {
	kind     commandKind
	estimate int
}

const helpText = `Commands:
  <number>   pick a card from the deck
  reveal     show everyone's estimate
  reset      clear all estimates and hide
  spectate   switch between voter and spectator
  show       print the room
  share      print the room link and QR code
  leave      leave the room (also: quit, exit)
  help       print this text
`

func parseCommand(line string) (command, error) {
	word := strings.ToLower(strings.TrimSpace(line))
	switch word {
	case "reveal", "r":
		return command{kind: cmdReveal}, nil
	case "reset":
		return command{kind: cmdReset}, nil
	case "spectate", "s":
		return command{kind: cmdSpectate}, nil
	case "show", "":
		return command{kind: cmdShow}, nil
	case "share":
		return command{kind: cmdShare}, nil
	case "leave", "quit", "exit", "q":
		return command{kind: cmdLeave}, nil
	case "help", "?":
		return command{kind: cmdHelp}, nil
	}

	estimate, err := strconv.Atoi(word)
	if err != nil {
		return command{}, fmt.Errorf("%w: %q", errUnknownCommand, word)
	}
	return command{kind: cmdVote, estimate: estimate}, nil
}

// shareURL turns the relay websocket URL into the room link people open.
func shareURL(relayURL, roomID string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}

	base := u.Scheme + "://" + u.Host + strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	return relay.RoomURL(base, roomID), nil
}

// parseRoomArg accepts a bare room id or a share link. For a link it also
// returns the relay websocket URL the link points at.
func parseRoomArg(arg string) (roomID, relayURL string, err error) {
	arg = strings.TrimSpace(arg)
	u, err := url.Parse(arg)
	if err != nil || u.Host == "" {
		return arg, "", nil
	}

	var socketScheme string
	switch u.Scheme {
	case "http", "ws":
		socketScheme = "ws"
	case "https", "wss":
		socketScheme = "wss"
	default:
		return "", "", fmt.Errorf("unsupported room link scheme %q", u.Scheme)
	}

	prefix, id, ok := strings.Cut(strings.TrimSuffix(u.Path, "/"), "/rooms/")
	id = strings.TrimSuffix(id, "/qr")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", "", fmt.Errorf("room link %q has no room id", arg)
	}
	return id, socketScheme + "://" + u.Host + prefix + "/ws", nil
}
