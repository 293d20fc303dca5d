// Package delivery owns the lifecycle of chat messages: composition,
// transmission, delivery receipts, acknowledgements, failures and reads.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatstore/events"
	"chatstore/metrics"
	"chatstore/models"
	"chatstore/storage"
)

// ErrInvalidTransition indicates a state change the message lifecycle does
// not allow. The attempted mutation is not applied.
var ErrInvalidTransition = errors.New("delivery: invalid transition")

// Options configures a Tracker.
type Options struct {
	Store   storage.Gateway
	Changes *events.Bus[models.MessageChange]
	Logger  logrus.FieldLogger
	Now     func() time.Time
}

// Tracker applies message state transitions, one persistence transaction per
// call, and publishes a MessageChange for every transition it commits.
type Tracker struct {
	store   storage.Gateway
	changes *events.Bus[models.MessageChange]
	logger  logrus.FieldLogger
	now     func() time.Time
}

// Draft describes an outgoing message before it is stored.
type Draft struct {
	Account   string
	Peer      string
	Resource  string
	Body      string
	Action    string
	Encrypted bool
	// StanzaID pre-assigns the correlation token when the protocol layer
	// generates it at composition time.
	StanzaID    string
	Attachments []AttachmentDraft
}

// Incoming describes a message received from the protocol layer.
type Incoming struct {
	Account        string
	Peer           string
	Resource       string
	Body           string
	Action         string
	StanzaID       string
	Timestamp      time.Time
	DelayTimestamp time.Time
	Encrypted      bool
	Offline        bool
	Forwarded      bool
	FromArchive    bool
	Attachments    []AttachmentDraft
}

// AttachmentDraft is attachment metadata announced with a message.
type AttachmentDraft struct {
	URL      string
	FileName string
	Size     int64
	MimeType string
	IsImage  bool
	Width    int
	Height   int
}

// NewTracker creates a tracker. Store is required.
func NewTracker(opts Options) (*Tracker, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		store:   opts.Store,
		changes: opts.Changes,
		logger:  opts.Logger,
		now:     opts.Now,
	}, nil
}

// Compose stores a new outgoing message in the Composed state.
func (t *Tracker) Compose(ctx context.Context, draft Draft) (storage.Message, error) {
	message := storage.Message{
		UniqueID:  uuid.NewString(),
		Account:   draft.Account,
		Peer:      draft.Peer,
		Resource:  optional(draft.Resource),
		Body:      optional(draft.Body),
		Action:    optional(draft.Action),
		Encrypted: draft.Encrypted,
		Timestamp: t.now().UnixMilli(),
		StanzaID:  optional(draft.StanzaID),
	}

	err := t.store.Transaction(ctx, func(tx *storage.Tx) error {
		if err := tx.SaveMessage(message); err != nil {
			return err
		}
		return saveAttachments(tx, message.UniqueID, draft.Attachments)
	})
	if err != nil {
		return storage.Message{}, fmt.Errorf("compose message: %w", err)
	}

	t.committed(models.TransitionComposed, &message, "")
	return message, nil
}

// Receive stores an incoming message. A stanza ID already seen for the
// account is treated as a replay and nothing is stored.
func (t *Tracker) Receive(ctx context.Context, in Incoming) (*storage.Message, bool, error) {
	now := t.now()
	timestamp := in.Timestamp
	if timestamp.IsZero() {
		timestamp = now
	}

	message := storage.Message{
		UniqueID:            uuid.NewString(),
		Account:             in.Account,
		Peer:                in.Peer,
		Resource:            optional(in.Resource),
		Body:                optional(in.Body),
		Action:              optional(in.Action),
		Incoming:            true,
		Encrypted:           in.Encrypted,
		Offline:             in.Offline,
		Timestamp:           timestamp.UnixMilli(),
		StanzaID:            optional(in.StanzaID),
		ReceivedFromArchive: in.FromArchive,
		Forwarded:           in.Forwarded,
	}
	if !in.DelayTimestamp.IsZero() {
		delay := in.DelayTimestamp.UnixMilli()
		message.DelayTimestamp = &delay
	}

	stored := false
	err := t.store.Transaction(ctx, func(tx *storage.Tx) error {
		if in.StanzaID != "" {
			fresh, err := tx.MarkSeenStanzaID(in.Account, in.StanzaID, now.UnixMilli())
			if err != nil {
				return err
			}
			if !fresh {
				return nil
			}
		}
		if err := tx.SaveMessage(message); err != nil {
			return err
		}
		if err := saveAttachments(tx, message.UniqueID, in.Attachments); err != nil {
			return err
		}
		stored = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("receive message: %w", err)
	}
	if !stored {
		t.logger.WithFields(logrus.Fields{
			"function":  "Receive",
			"account":   in.Account,
			"stanza_id": in.StanzaID,
		}).Debug("Ignoring replayed message")
		return nil, false, nil
	}

	t.committed(models.TransitionReceived, &message, "")
	return &message, true, nil
}

// RecordSent marks an outgoing message as handed to the transport and binds
// its correlation token. Repeating the call with the same token is a no-op.
func (t *Tracker) RecordSent(ctx context.Context, id, token string) error {
	if token == "" {
		return errors.New("correlation token is required")
	}
	return t.apply(ctx, models.TransitionSent, byID(id), func(tx *storage.Tx, m *storage.Message) (bool, error) {
		switch {
		case m.Incoming:
			return false, fmt.Errorf("%w: message %q is incoming", ErrInvalidTransition, m.UniqueID)
		case m.Error:
			return false, fmt.Errorf("%w: message %q already errored", ErrInvalidTransition, m.UniqueID)
		case m.StanzaID != nil && *m.StanzaID != token:
			return false, fmt.Errorf("%w: message %q already bound to token %q", ErrInvalidTransition, m.UniqueID, *m.StanzaID)
		}
		if m.Sent {
			return false, nil
		}

		if m.StanzaID == nil {
			holder, err := tx.FindMessageByStanzaID(m.Account, token)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return false, err
			}
			if holder != nil && holder.UniqueID != m.UniqueID {
				return false, fmt.Errorf("%w: token %q already used by message %q", ErrInvalidTransition, token, holder.UniqueID)
			}
			if err := tx.SetStanzaID(m.UniqueID, token); err != nil {
				return false, err
			}
			m.StanzaID = &token
		}
		m.Sent = true
		return true, nil
	})
}

// RecordDelivered applies a delivery receipt. Receipts for unknown tokens are
// ignored.
func (t *Tracker) RecordDelivered(ctx context.Context, account, token string) error {
	return t.apply(ctx, models.TransitionDelivered, byToken(account, token), func(_ *storage.Tx, m *storage.Message) (bool, error) {
		switch {
		case m.Error:
			return false, fmt.Errorf("%w: message %q errored", ErrInvalidTransition, m.UniqueID)
		case !m.Sent:
			return false, fmt.Errorf("%w: message %q was never sent", ErrInvalidTransition, m.UniqueID)
		case m.Delivered:
			return false, nil
		}
		m.Delivered = true
		return true, nil
	})
}

// RecordAcknowledged applies a stream-level acknowledgement. Unknown tokens
// are ignored.
func (t *Tracker) RecordAcknowledged(ctx context.Context, account, token string) error {
	return t.apply(ctx, models.TransitionAcknowledged, byToken(account, token), func(_ *storage.Tx, m *storage.Message) (bool, error) {
		if !m.Sent {
			return false, fmt.Errorf("%w: message %q was never sent", ErrInvalidTransition, m.UniqueID)
		}
		if m.Acknowledged {
			return false, nil
		}
		m.Acknowledged = true
		return true, nil
	})
}

// RecordError marks a send attempt as failed. Repeated calls are no-ops.
func (t *Tracker) RecordError(ctx context.Context, id, description string) error {
	return t.applyWithReason(ctx, models.TransitionErrored, description, byID(id), func(_ *storage.Tx, m *storage.Message) (bool, error) {
		switch {
		case m.Error:
			return false, nil
		case m.Incoming:
			return false, fmt.Errorf("%w: message %q is incoming", ErrInvalidTransition, m.UniqueID)
		case m.Delivered:
			return false, fmt.Errorf("%w: message %q already delivered", ErrInvalidTransition, m.UniqueID)
		}
		m.Error = true
		m.ErrorDescription = optional(description)
		return true, nil
	})
}

// MarkRead sets the read flag. Outgoing messages must be delivered first.
func (t *Tracker) MarkRead(ctx context.Context, id string) error {
	return t.apply(ctx, models.TransitionRead, byID(id), func(_ *storage.Tx, m *storage.Message) (bool, error) {
		if m.Read {
			return false, nil
		}
		if !m.Incoming && !m.Delivered {
			return false, fmt.Errorf("%w: message %q not delivered", ErrInvalidTransition, m.UniqueID)
		}
		m.Read = true
		return true, nil
	})
}

// Supersede hides a message from conversation listings without deleting it.
func (t *Tracker) Supersede(ctx context.Context, id string) error {
	return t.apply(ctx, models.TransitionSuperseded, byID(id), func(_ *storage.Tx, m *storage.Message) (bool, error) {
		if m.Superseded {
			return false, nil
		}
		m.Superseded = true
		return true, nil
	})
}

type loader func(tx *storage.Tx) (*storage.Message, error)

type mutation func(tx *storage.Tx, m *storage.Message) (bool, error)

func byID(id string) loader {
	return func(tx *storage.Tx) (*storage.Message, error) {
		return tx.FindMessage(id)
	}
}

func byToken(account, token string) loader {
	return func(tx *storage.Tx) (*storage.Message, error) {
		m, err := tx.FindMessageByStanzaID(account, token)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return m, err
	}
}

func (t *Tracker) apply(ctx context.Context, transition models.Transition, load loader, mutate mutation) error {
	return t.applyWithReason(ctx, transition, "", load, mutate)
}

func (t *Tracker) applyWithReason(ctx context.Context, transition models.Transition, reason string, load loader, mutate mutation) error {
	var (
		updated *storage.Message
		matched bool
	)

	err := t.store.Transaction(ctx, func(tx *storage.Tx) error {
		message, err := load(tx)
		if err != nil {
			return err
		}
		if message == nil {
			return nil
		}
		matched = true

		changed, err := mutate(tx, message)
		if err != nil || !changed {
			return err
		}
		if err := tx.UpdateMessageFlags(message.UniqueID, message.Flags()); err != nil {
			return err
		}
		updated = message
		return nil
	})

	entry := t.logger.WithFields(logrus.Fields{
		"function":   "apply",
		"transition": transition,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			metrics.InvalidTransitions.WithLabelValues(string(transition)).Inc()
			entry.WithError(err).Warn("Rejected message transition")
			return err
		}
		return fmt.Errorf("apply %s transition: %w", transition, err)
	}
	if !matched {
		entry.Debug("No message matches the signal; ignoring")
		return nil
	}
	if updated != nil {
		t.committed(transition, updated, reason)
	}
	return nil
}

func (t *Tracker) committed(transition models.Transition, m *storage.Message, reason string) {
	metrics.MessageTransitions.WithLabelValues(string(transition)).Inc()
	if t.changes == nil {
		return
	}
	status := StatusOf(*m)
	t.changes.Publish(models.MessageChange{
		MessageID:  m.UniqueID,
		Account:    m.Account,
		Peer:       m.Peer,
		Transition: transition,
		State:      models.StateOf(status),
		Status:     status,
		Reason:     reason,
	})
}

// StatusOf converts a stored message into its flag view.
func StatusOf(m storage.Message) models.MessageStatus {
	return models.MessageStatus{
		Incoming:     m.Incoming,
		Sent:         m.Sent,
		Delivered:    m.Delivered,
		Read:         m.Read,
		Acknowledged: m.Acknowledged,
		Error:        m.Error,
		Offline:      m.Offline,
		Archived:     m.ReceivedFromArchive,
		InProgress:   m.InProgress,
	}
}

func saveAttachments(tx *storage.Tx, messageID string, drafts []AttachmentDraft) error {
	for i, draft := range drafts {
		attachment := storage.Attachment{
			AttachmentID: uuid.NewString(),
			MessageID:    messageID,
			Position:     i,
			FileURL:      draft.URL,
			FileName:     draft.FileName,
			FileSize:     draft.Size,
			MimeType:     optional(draft.MimeType),
			IsImage:      draft.IsImage,
		}
		if attachment.FileName == "" {
			attachment.FileName = fileNameFromURL(draft.URL)
		}
		if draft.IsImage && draft.Width > 0 && draft.Height > 0 {
			width, height := draft.Width, draft.Height
			attachment.ImageWidth = &width
			attachment.ImageHeight = &height
		}
		if err := tx.SaveAttachment(attachment); err != nil {
			return err
		}
	}
	return nil
}

func fileNameFromURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	name := path.Base(parsed.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
