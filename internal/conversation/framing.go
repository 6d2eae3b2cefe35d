package conversation

import (
	"strings"

	"github.com/comigor/chatbot-go/internal/chat"
)

// Turn delimiters understood by Gemma-style models.
const (
	StartTurn = "<start_of_turn>"
	EndTurn   = "<end_of_turn>"
)

var delimiterStripper = strings.NewReplacer(StartTurn, "", EndTurn, "")

// OpenFrame returns the header that opens a turn for author.
func OpenFrame(author chat.Author) string {
	return StartTurn + string(author) + "\n"
}

// Frame wraps text into a closed turn.
func Frame(author chat.Author, text string) string {
	return OpenFrame(author) + text + EndTurn
}

// Strip removes the turn header for author and, when present, the closing
// delimiter. ok is false when framed does not start with author's header; the
// input is then returned untouched.
func Strip(author chat.Author, framed string) (text string, ok bool) {
	prefix := OpenFrame(author)
	if !strings.HasPrefix(framed, prefix) {
		return framed, false
	}
	return strings.TrimSuffix(framed[len(prefix):], EndTurn), true
}

// sanitize drops literal delimiter tokens from content so that it can never
// open or close a turn on its own. Removing one token can join its neighbours
// into a new one, so it repeats until nothing changes.
func sanitize(text string) string {
	for strings.Contains(text, "_of_turn>") {
		next := delimiterStripper.Replace(text)
		if next == text {
			break
		}
		text = next
	}
	return text
}

// framer is the per-backend wire format of a message.
type framer interface {
	// frame renders text for author; an open frame is left unterminated.
	frame(author chat.Author, text string, open bool) string
	// strip recovers the visible text from a framed value.
	strip(author chat.Author, framed string) (string, bool)
}

type turnFramer struct{}

func (turnFramer) frame(author chat.Author, text string, open bool) string {
	if open {
		return OpenFrame(author) + text
	}
	return Frame(author, text)
}

func (turnFramer) strip(author chat.Author, framed string) (string, bool) {
	return Strip(author, framed)
}

type plainFramer struct{}

func (plainFramer) frame(_ chat.Author, text string, _ bool) string { return text }

func (plainFramer) strip(_ chat.Author, framed string) (string, bool) { return framed, true }
