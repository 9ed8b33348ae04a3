package importer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/summarybot/archivist/internal/chat"
	"github.com/summarybot/archivist/internal/layout"
	"github.com/summarybot/archivist/internal/source"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(layout.New(t.TempDir()), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testSource() source.Source {
	return source.Source{Type: source.TypeWhatsApp, ServerID: "abc", ServerName: "Family"}
}

func msg(author, text string, day, hour int) chat.Message {
	return chat.Message{
		Author:    author,
		Text:      text,
		Timestamp: time.Date(2026, 2, day, hour, 0, 0, 0, time.UTC),
	}
}

func TestSaveAndList(t *testing.T) {
	s := testStore(t)
	src := testSource()

	rec, err := s.Save(src, "whatsapp_txt", []chat.Message{
		msg("Ada", "later message", 14, 22),
		msg("Grace", "earlier message", 12, 9),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if rec.MessageCount != 2 {
		t.Errorf("message count = %d", rec.MessageCount)
	}
	if rec.DateFrom != "2026-02-12" || rec.DateTo != "2026-02-14" {
		t.Errorf("range = %s..%s", rec.DateFrom, rec.DateTo)
	}

	records, err := s.List(src)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ImportID != rec.ImportID {
		t.Errorf("records = %+v", records)
	}
}

func TestSave_EmptyImportRejected(t *testing.T) {
	s := testStore(t)
	if _, err := s.Save(testSource(), "whatsapp_txt", nil); err == nil {
		t.Error("expected error for empty import")
	}
}

func TestFetch_WindowAndDedup(t *testing.T) {
	s := testStore(t)
	src := testSource()
	ctx := context.Background()

	if _, err := s.Save(src, "readerbot_json", []chat.Message{
		{ID: "m1", Author: "Ada", Text: "day 12", Timestamp: time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)},
		{ID: "m2", Author: "Ada", Text: "day 13", Timestamp: time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)},
	}); err != nil {
		t.Fatal(err)
	}
	// Overlapping second import repeats m2.
	if _, err := s.Save(src, "readerbot_json", []chat.Message{
		{ID: "m2", Author: "Ada", Text: "day 13", Timestamp: time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)},
		{ID: "m3", Author: "Grace", Text: "day 13 too", Timestamp: time.Date(2026, 2, 13, 11, 0, 0, 0, time.UTC)},
	}); err != nil {
		t.Fatal(err)
	}

	f := NewFetcher(s)
	got, err := f.Fetch(ctx, src,
		time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("messages = %d, want 2 (m2 deduplicated, m1 outside window)", len(got))
	}
	if got[0].ID != "m2" || got[1].ID != "m3" {
		t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
	}
}

func TestFetch_NoCoverage(t *testing.T) {
	s := testStore(t)
	src := testSource()

	if _, err := s.Save(src, "whatsapp_txt", []chat.Message{msg("Ada", "hi", 12, 10)}); err != nil {
		t.Fatal(err)
	}

	f := NewFetcher(s)
	_, err := f.Fetch(context.Background(), src,
		time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrNoCoverage) {
		t.Errorf("err = %v, want ErrNoCoverage", err)
	}
}

func TestFetch_CoveredButEmptyDayIsNotAnError(t *testing.T) {
	s := testStore(t)
	src := testSource()

	// Import spans the 12th through the 14th but the 13th has no traffic.
	if _, err := s.Save(src, "whatsapp_txt", []chat.Message{
		msg("Ada", "hi", 12, 10),
		msg("Ada", "bye", 14, 10),
	}); err != nil {
		t.Fatal(err)
	}

	f := NewFetcher(s)
	got, err := f.Fetch(context.Background(), src,
		time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("messages = %d, want 0", len(got))
	}
}

func TestParseReaderBot(t *testing.T) {
	export := `{"messages": [
		{"id": "a", "author": "Ada", "text": "hello", "timestamp": "2026-02-12T10:00:00Z"},
		{"id": "b", "sender": "Grace", "content": "naive time", "timestamp": "2026-02-12 11:30:00", "media_count": 2}
	]}`

	msgs, err := ParseReaderBot(strings.NewReader(export), time.UTC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Author != "Grace" || msgs[1].Text != "naive time" || msgs[1].Attachments != 2 {
		t.Errorf("alternate field spellings not honoured: %+v", msgs[1])
	}
	if msgs[1].Timestamp.Hour() != 11 {
		t.Errorf("naive timestamp hour = %d", msgs[1].Timestamp.Hour())
	}
}

func TestParseReaderBot_SystemAttachmentReply(t *testing.T) {
	export := `{"messages": [
		{"id": "a", "author": "bot", "text": "Ada joined the group", "timestamp": "2026-02-12T10:00:00Z", "is_system": true},
		{"id": "b", "author": "Ada", "text": "photo of the whiteboard", "timestamp": "2026-02-12T10:05:00Z", "attachment": "IMG_0042.jpg"},
		{"id": "c", "author": "Grace", "text": "nice", "timestamp": "2026-02-12T10:06:00Z", "reply_to": "b"}
	]}`

	msgs, err := ParseReaderBot(strings.NewReader(export), time.UTC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if !msgs[0].System {
		t.Error("system notice not flagged")
	}
	if msgs[1].Attachments != 1 {
		t.Errorf("attachments = %d, want 1 for a named attachment", msgs[1].Attachments)
	}
	if msgs[2].ReplyTo != "b" {
		t.Errorf("reply_to = %q", msgs[2].ReplyTo)
	}

	// The join notice must not count as a participant.
	stats := chat.Summarize(msgs)
	if stats.Participants != 2 {
		t.Errorf("participants = %d, want 2", stats.Participants)
	}
}

func TestParseReaderBot_BareArray(t *testing.T) {
	export := `[{"author": "Ada", "text": "x", "timestamp": "2026-02-12T10:00:00Z"}]`
	msgs, err := ParseReaderBot(strings.NewReader(export), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %d", len(msgs))
	}
}
