package source

import (
	"fmt"
	"strings"
)

// Type identifies the chat platform a source came from.
type Type string

const (
	TypeDiscord  Type = "discord"
	TypeWhatsApp Type = "whatsapp"
	TypeSlack    Type = "slack"
	TypeTelegram Type = "telegram"
)

// KnownTypes lists the platform types the registry recognises on disk.
var KnownTypes = []Type{TypeDiscord, TypeWhatsApp, TypeSlack, TypeTelegram}

// Source is a conversation origin. Identity is (Type, ServerID); the
// channel fields are set only for sources scoped to a single channel.
type Source struct {
	Type        Type   `json:"source_type"`
	ServerID    string `json:"server_id"`
	ServerName  string `json:"server_name"`
	ChannelID   string `json:"channel_id,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`
}

// Key returns the canonical textual key, "{type}:{server_id}".
func (s Source) Key() string {
	return fmt.Sprintf("%s:%s", s.Type, s.ServerID)
}

// Folder returns the on-disk folder name: slug(server_name) + "_" + server_id.
func (s Source) Folder() string {
	return Slug(s.ServerName) + "_" + Slug(s.ServerID)
}

// ChannelFolder returns the channels/ subfolder name, or "" for
// server-scoped sources.
func (s Source) ChannelFolder() string {
	if s.ChannelID == "" {
		return ""
	}
	name := s.ChannelName
	if name == "" {
		name = "channel"
	}
	return Slug(name) + "_" + Slug(s.ChannelID)
}

// HasChannel reports whether the source is scoped to a single channel.
func (s Source) HasChannel() bool { return s.ChannelID != "" }

// PlatformLabel returns the human label for the server-level container
// on this platform ("Server", "Group", "Workspace", "Chat").
func (s Source) PlatformLabel() string {
	switch s.Type {
	case TypeDiscord:
		return "Server"
	case TypeWhatsApp:
		return "Group"
	case TypeSlack:
		return "Workspace"
	case TypeTelegram:
		return "Chat"
	default:
		return "Source"
	}
}

// ManifestFilename returns the per-source manifest name for this platform.
func (s Source) ManifestFilename() string {
	switch s.Type {
	case TypeWhatsApp:
		return "group-manifest.json"
	case TypeSlack:
		return "workspace-manifest.json"
	case TypeTelegram:
		return "chat-manifest.json"
	default:
		return "server-manifest.json"
	}
}

// Slug lowercases s and replaces every character outside [a-z0-9_-] with "-".
func Slug(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// SafeKey sanitises a source key for use as a directory name (the ":"
// separator is not filesystem-safe everywhere).
func SafeKey(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}

// ParseFolder splits a source folder name into (serverName, serverID) by
// the last underscore. The name half is already slugged, so it is only a
// display approximation; the ID half is authoritative.
func ParseFolder(folder string) (name, id string, ok bool) {
	i := strings.LastIndex(folder, "_")
	if i <= 0 || i == len(folder)-1 {
		return "", "", false
	}
	return folder[:i], folder[i+1:], true
}
