// Package chat is the neutral message model summaries are built from.
// Every fetcher normalises into it; nothing downstream knows which
// platform a message came from.
package chat

import (
	"strings"
	"time"
)

// Message is one normalised chat message.
type Message struct {
	ID          string    `json:"id,omitempty"`
	Author      string    `json:"author"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	Attachments int       `json:"attachments,omitempty"`
	ReplyTo     string    `json:"reply_to,omitempty"`
	System      bool      `json:"system,omitempty"`
}

// Stats aggregates a message batch for sidecar statistics.
type Stats struct {
	Messages     int
	Participants int
	Words        int
	Attachments  int
}

// Summarize computes batch statistics. System messages count toward the
// message total but not toward participants.
func Summarize(msgs []Message) Stats {
	s := Stats{Messages: len(msgs)}
	authors := map[string]bool{}
	for _, m := range msgs {
		if !m.System && m.Author != "" {
			authors[m.Author] = true
		}
		s.Words += countWords(m.Text)
		s.Attachments += m.Attachments
	}
	s.Participants = len(authors)
	return s
}

// Between filters msgs to the half-open interval [start, end), keeping
// input order.
func Between(msgs []Message, start, end time.Time) []Message {
	var out []Message
	for _, m := range msgs {
		if !m.Timestamp.Before(start) && m.Timestamp.Before(end) {
			out = append(out, m)
		}
	}
	return out
}

func countWords(s string) int {
	return len(strings.Fields(s))
}
