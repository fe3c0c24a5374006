package domain

import "time"

// Direction tells whether a message came from the chat, was sent by us, or was
// synthesized from a backend notice.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionSystem   Direction = "system"
)

// Update types accepted in allowed_updates.
const (
	UpdateTypeMessage      = "message"
	UpdateTypeSystemNotice = "system_notice"
)

// Update is one numbered entry of the update log. It is never mutated after append.
type Update struct {
	UpdateID   int64     `json:"update_id"`
	Message    *Message  `json:"message,omitempty"`
	ReceivedAt time.Time `json:"-"`
}

// Type returns the allowed_updates name this update is filtered under.
func (u Update) Type() string {
	if u.Message != nil && u.Message.Direction == DirectionSystem {
		return UpdateTypeSystemNotice
	}
	return UpdateTypeMessage
}

// Matches reports whether the update passes an allowed_updates filter.
// An empty filter admits everything.
func (u Update) Matches(allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	t := u.Type()
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

// Message mirrors the Telegram message object for the single filehelper chat.
type Message struct {
	MessageID        string      `json:"message_id"`
	Date             int64       `json:"date"`
	Chat             Chat        `json:"chat"`
	From             *User       `json:"from,omitempty"`
	Direction        Direction   `json:"direction"`
	Text             string      `json:"text,omitempty"`
	Caption          string      `json:"caption,omitempty"`
	Document         *Document   `json:"document,omitempty"`
	Photo            []PhotoSize `json:"photo,omitempty"`
	ReplyToMessageID string      `json:"reply_to_message_id,omitempty"`
}

// Document describes a stored file. StorageRef is an opaque File Store handle.
type Document struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileName     string `json:"file_name,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
	StorageRef   string `json:"-"`
}

// PhotoSize is one rendition of an image message.
type PhotoSize struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FileSize     int64  `json:"file_size,omitempty"`
}

// Chat is the one logical chat served by this process.
type Chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// User is returned by getMe and used as the sender on messages.
type User struct {
	ID                      int64  `json:"id"`
	IsBot                   bool   `json:"is_bot"`
	FirstName               string `json:"first_name"`
	Username                string `json:"username,omitempty"`
	CanJoinGroups           bool   `json:"can_join_groups"`
	CanReadAllGroupMessages bool   `json:"can_read_all_group_messages"`
	SupportsInlineQueries   bool   `json:"supports_inline_queries"`
}

// File is the getFile result.
type File struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileSize     int64  `json:"file_size,omitempty"`
	FilePath     string `json:"file_path,omitempty"`
}
