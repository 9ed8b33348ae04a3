package importer

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/summarybot/archivist/internal/chat"
)

// readerBotMessage tolerates the field spellings the reader bot has
// used across versions.
type readerBotMessage struct {
	ID         string `json:"id,omitempty"`
	Author     string `json:"author,omitempty"`
	Sender     string `json:"sender,omitempty"`
	Text       string `json:"text,omitempty"`
	Content    string `json:"content,omitempty"`
	Timestamp  string `json:"timestamp"`
	Media      int    `json:"media_count,omitempty"`
	Attachment string `json:"attachment,omitempty"`
	ReplyTo    string `json:"reply_to,omitempty"`
	IsSystem   bool   `json:"is_system,omitempty"`
}

type readerBotExport struct {
	Messages []readerBotMessage `json:"messages"`
}

// ParseReaderBot reads a reader-bot JSON export: either a bare message
// array or an object with a messages field.
func ParseReaderBot(r io.Reader, loc *time.Location) ([]chat.Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}

	var raw []readerBotMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		var wrapped readerBotExport
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parse export: %w", err)
		}
		raw = wrapped.Messages
	}

	var msgs []chat.Message
	for _, m := range raw {
		ts, err := parseReaderBotTime(m.Timestamp, loc)
		if err != nil {
			continue
		}
		author := m.Author
		if author == "" {
			author = m.Sender
		}
		text := m.Text
		if text == "" {
			text = m.Content
		}
		attachments := m.Media
		if attachments == 0 && m.Attachment != "" {
			attachments = 1
		}
		msgs = append(msgs, chat.Message{
			ID:          m.ID,
			Author:      author,
			Text:        text,
			Timestamp:   ts,
			Attachments: attachments,
			ReplyTo:     m.ReplyTo,
			System:      m.IsSystem,
		})
	}
	return msgs, nil
}

func parseReaderBotTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	// Naive timestamps are taken in the source's zone.
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
