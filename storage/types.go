package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrPathAlreadySet indicates an attachment already has a local file path.
	ErrPathAlreadySet = errors.New("storage: attachment file path already set")
	// ErrStanzaIDConflict indicates a message already carries a different stanza ID.
	ErrStanzaIDConflict = errors.New("storage: stanza id already set")
)

// Message is the SQLite representation of one chat event.
//
// Exactly one of Body and Action is set: text messages carry a body,
// action markers (joined, left, ...) carry an action kind.
type Message struct {
	UniqueID            string  `db:"unique_id"`
	Account             string  `db:"account"`
	Peer                string  `db:"peer"`
	Resource            *string `db:"resource"`
	Body                *string `db:"body"`
	Action              *string `db:"action"`
	Incoming            bool    `db:"incoming"`
	Encrypted           bool    `db:"encrypted"`
	Offline             bool    `db:"offline"`
	Timestamp           int64   `db:"timestamp"`
	DelayTimestamp      *int64  `db:"delay_timestamp"`
	Error               bool    `db:"error"`
	ErrorDescription    *string `db:"error_description"`
	Delivered           bool    `db:"delivered"`
	Sent                bool    `db:"sent"`
	Read                bool    `db:"read"`
	StanzaID            *string `db:"stanza_id"`
	ReceivedFromArchive bool    `db:"received_from_archive"`
	Forwarded           bool    `db:"forwarded"`
	Acknowledged        bool    `db:"acknowledged"`
	InProgress          bool    `db:"in_progress"`
	Superseded          bool    `db:"superseded"`
}

// Flags returns the mutable state flags of the message.
func (m Message) Flags() MessageFlags {
	flags := MessageFlags{
		Sent:         m.Sent,
		Delivered:    m.Delivered,
		Read:         m.Read,
		Acknowledged: m.Acknowledged,
		Error:        m.Error,
		InProgress:   m.InProgress,
		Superseded:   m.Superseded,
	}
	if m.ErrorDescription != nil {
		flags.ErrorDescription = *m.ErrorDescription
	}
	return flags
}

// MessageFlags is the set of message columns that change after creation.
type MessageFlags struct {
	Sent             bool
	Delivered        bool
	Read             bool
	Acknowledged     bool
	Error            bool
	ErrorDescription string
	InProgress       bool
	Superseded       bool
}

// Attachment is the SQLite representation of one binary object referenced by a message.
type Attachment struct {
	AttachmentID string  `db:"attachment_id"`
	MessageID    string  `db:"message_id"`
	Position     int     `db:"position"`
	FileURL      string  `db:"file_url"`
	FileName     string  `db:"file_name"`
	FilePath     *string `db:"file_path"`
	FileSize     int64   `db:"file_size"`
	MimeType     *string `db:"mime_type"`
	IsImage      bool    `db:"is_image"`
	ImageWidth   *int    `db:"image_width"`
	ImageHeight  *int    `db:"image_height"`
	Digest       *string `db:"digest"`
}

// Downloaded reports whether the attachment bytes are available locally.
func (a Attachment) Downloaded() bool {
	return a.FilePath != nil && *a.FilePath != ""
}

// TrustedCertificate is a server certificate the user accepted for an account.
type TrustedCertificate struct {
	Account        string `db:"account"`
	Fingerprint    string `db:"fingerprint"`
	Subject        string `db:"subject"`
	AddedTimestamp int64  `db:"added_timestamp"`
}

const messageColumns = `
	unique_id,
	account,
	peer,
	resource,
	body,
	action,
	incoming,
	encrypted,
	offline,
	timestamp,
	delay_timestamp,
	error,
	error_description,
	delivered,
	sent,
	read,
	stanza_id,
	received_from_archive,
	forwarded,
	acknowledged,
	in_progress,
	superseded`

const attachmentColumns = `
	attachment_id,
	message_id,
	position,
	file_url,
	file_name,
	file_path,
	file_size,
	mime_type,
	is_image,
	image_width,
	image_height,
	digest`

func stringPointer(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
