// Package importer ingests chat exports for platforms with no live API.
// Parsed messages are stored as normalised JSON payloads under the
// source's imports directory, where the import fetcher serves them to
// generation jobs.
package importer

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/summarybot/archivist/internal/chat"
)

// WhatsApp exports come in a handful of line shapes depending on the
// platform and locale:
//
//	[02/11/2026, 21:15:30] Ada: text        (iOS)
//	02/11/2026, 21:15 - Ada: text           (Android)
//	2/11/26, 9:15 PM - Ada: text            (Android, US locale)
//
// Lines that match none of these continue the previous message.
var waLine = regexp.MustCompile(
	`^(?:\[(\d{1,2})/(\d{1,2})/(\d{2,4}), (\d{1,2}):(\d{2})(?::(\d{2}))?\]|(\d{1,2})/(\d{1,2})/(\d{2,4}), (\d{1,2}):(\d{2})(?::(\d{2}))?\s*([AaPp][Mm])?\s+-)\s?(.*)$`)

// waSystem matches export noise with no author worth counting.
var waSystem = []string{
	"Messages and calls are end-to-end encrypted",
	"created group",
	"created this group",
	"added you",
	"changed the subject",
	"changed this group's icon",
	"changed the group description",
	"joined using this group's invite link",
	"left",
	"removed",
	"You're now an admin",
	"Your security code with",
}

const mediaOmitted = "<Media omitted>"

// ParseWhatsApp reads a WhatsApp chat export. Timestamps are taken in
// loc; the export format does not carry a zone.
func ParseWhatsApp(r io.Reader, loc *time.Location) ([]chat.Message, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var rawLines []string
	for scanner.Scan() {
		rawLines = append(rawLines, strings.TrimPrefix(scanner.Text(), "‎"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan export: %w", err)
	}

	dayFirst := detectDayFirst(rawLines)

	var msgs []chat.Message
	for _, line := range rawLines {
		m := waLine.FindStringSubmatch(line)
		if m == nil {
			// Continuation of the previous message body.
			if len(msgs) > 0 && line != "" {
				msgs[len(msgs)-1].Text += "\n" + line
			}
			continue
		}

		ts, err := parseTimestamp(m, dayFirst, loc)
		if err != nil {
			continue
		}

		rest := m[14]
		author, text, hasAuthor := strings.Cut(rest, ": ")
		msg := chat.Message{Timestamp: ts}
		switch {
		case !hasAuthor:
			msg.System = true
			msg.Text = rest
		case isSystemText(text):
			msg.System = true
			msg.Text = text
		default:
			msg.Author = author
			if strings.TrimSpace(text) == mediaOmitted {
				msg.Attachments = 1
			} else {
				msg.Text = text
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// detectDayFirst settles the DD/MM vs MM/DD ambiguity by scanning the
// whole export: any first component above 12 proves day-first, any
// second component above 12 proves month-first. An export with neither
// is read day-first, the format WhatsApp uses outside the US.
func detectDayFirst(lines []string) bool {
	for _, line := range lines {
		m := waLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		a, b := pick(m, 1, 7), pick(m, 2, 8)
		if a > 12 {
			return true
		}
		if b > 12 {
			return false
		}
	}
	return true
}

func pick(m []string, i, j int) int {
	s := m[i]
	if s == "" {
		s = m[j]
	}
	n, _ := strconv.Atoi(s)
	return n
}

func parseTimestamp(m []string, dayFirst bool, loc *time.Location) (time.Time, error) {
	a, b := pick(m, 1, 7), pick(m, 2, 8)
	year := pick(m, 3, 9)
	hour := pick(m, 4, 10)
	minute := pick(m, 5, 11)
	second := pick(m, 6, 12)

	day, month := a, b
	if !dayFirst {
		day, month = b, a
	}
	if year < 100 {
		year += 2000
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("implausible date %d/%d/%d", a, b, year)
	}

	if ampm := m[13]; ampm != "" {
		switch strings.ToUpper(ampm) {
		case "PM":
			if hour < 12 {
				hour += 12
			}
		case "AM":
			if hour == 12 {
				hour = 0
			}
		}
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, loc), nil
}

func isSystemText(text string) bool {
	for _, pat := range waSystem {
		if strings.Contains(text, pat) {
			return true
		}
	}
	return false
}
