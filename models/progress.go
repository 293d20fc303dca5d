package models

import "encoding/json"

// ProgressKind identifies the type of a transfer progress event.
type ProgressKind string

const (
	ProgressUpdate    ProgressKind = "progress"
	ProgressCompleted ProgressKind = "completed"
	ProgressFailed    ProgressKind = "failed"
)

// ProgressEvent is one step of an attachment transfer. A transfer emits zero
// or more progress updates followed by exactly one terminal event.
type ProgressEvent struct {
	Kind         ProgressKind `json:"kind"`
	AttachmentID string       `json:"attachment_id"`
	Percent      int          `json:"percent,omitempty"`
	Path         string       `json:"path,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Err          error        `json:"-"`
}

// Progress builds a non-terminal event.
func Progress(attachmentID string, percent int) ProgressEvent {
	return ProgressEvent{Kind: ProgressUpdate, AttachmentID: attachmentID, Percent: percent}
}

// Completed builds the terminal success event carrying the final file path.
func Completed(attachmentID, path string) ProgressEvent {
	return ProgressEvent{Kind: ProgressCompleted, AttachmentID: attachmentID, Path: path}
}

// Failed builds the terminal failure event.
func Failed(attachmentID, reason string, err error) ProgressEvent {
	return ProgressEvent{Kind: ProgressFailed, AttachmentID: attachmentID, Reason: reason, Err: err}
}

// Terminal reports whether no further events follow this one.
func (e ProgressEvent) Terminal() bool {
	return e.Kind == ProgressCompleted || e.Kind == ProgressFailed
}

// MarshalJSON keeps kind-specific fields to their own kind, so a progress
// event at 0% still carries "percent":0.
func (e ProgressEvent) MarshalJSON() ([]byte, error) {
	payload := map[string]any{
		"kind":          e.Kind,
		"attachment_id": e.AttachmentID,
	}
	switch e.Kind {
	case ProgressUpdate:
		payload["percent"] = e.Percent
	case ProgressCompleted:
		payload["path"] = e.Path
	case ProgressFailed:
		payload["reason"] = e.Reason
	}
	return json.Marshal(payload)
}
