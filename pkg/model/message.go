package model

import (
	"strings"
	"unicode"
)

// Kind classifies a Message so renderers can style it.
type Kind int

const (
	KindChat    Kind = iota // chat line authored by a session
	KindAction              // "/me" action line
	KindNotice              // server notice: connect, disconnect, shutdown
	KindWelcome             // one-time greeting after login
	KindReply               // command output addressed to one session
	KindError               // command rejection addressed to one session
	KindPrompt              // input prompt, written without a trailing newline
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindAction:
		return "action"
	case KindNotice:
		return "notice"
	case KindWelcome:
		return "welcome"
	case KindReply:
		return "reply"
	case KindError:
		return "error"
	case KindPrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

// Message is the unit placed on a session's output channel.
type Message struct {
	Kind   Kind
	Author string // empty for server-originated messages
	Role   Role   // author's role, drives styling of chat lines
	Text   string
}

// Chat builds a chat line authored by name.
func Chat(name string, role Role, text string) Message {
	return Message{Kind: KindChat, Author: name, Role: role, Text: text}
}

// Notice builds a server notice.
func Notice(text string) Message {
	return Message{Kind: KindNotice, Text: text}
}

// Reply builds command output for a single session.
func Reply(text string) Message {
	return Message{Kind: KindReply, Text: text}
}

// SanitizeText strips control characters (tabs excepted) from user-supplied text
// to prevent terminal escape injection from one peer into another's screen.
func SanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		if r == '\n' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
