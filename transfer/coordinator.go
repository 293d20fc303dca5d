package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatstore/events"
	"chatstore/metrics"
	"chatstore/models"
	"chatstore/storage"
)

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Store    storage.Gateway
	Fetcher  Fetcher
	Progress *events.Bus[models.ProgressEvent]
	Logger   logrus.FieldLogger
}

// Coordinator runs at most one attachment download at a time, records the
// outcome in storage and relays every event to the progress bus.
type Coordinator struct {
	options CoordinatorOptions

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	active *activeTransfer
}

type activeTransfer struct {
	request Request
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCoordinator validates options. Store, Fetcher and Progress are required.
func NewCoordinator(options CoordinatorOptions) (*Coordinator, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if options.Progress == nil {
		return nil, errors.New("progress bus is required")
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		options:    options,
		baseCtx:    ctx,
		baseCancel: cancel,
	}, nil
}

// RequestDownload starts downloading an attachment in the background. It
// fails fast with ErrBusy while another download is active. ctx only bounds
// the preparation; use CancelDownload to stop the transfer itself.
func (c *Coordinator) RequestDownload(ctx context.Context, attachmentID, account string) error {
	logger := c.options.Logger.WithFields(logrus.Fields{
		"function":      "RequestDownload",
		"attachment_id": attachmentID,
		"account":       account,
	})

	transferCtx, cancel := context.WithCancel(c.baseCtx)
	active := &activeTransfer{
		request: Request{AttachmentID: attachmentID, Account: account},
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.baseCtx.Err() != nil {
		c.mu.Unlock()
		cancel()
		return errors.New("coordinator is closed")
	}
	if c.active != nil {
		busyWith := c.active.request.AttachmentID
		c.mu.Unlock()
		cancel()
		metrics.TransfersRejected.WithLabelValues("busy").Inc()
		logger.WithField("active_attachment_id", busyWith).Info("Rejecting download; another transfer is active")
		return ErrBusy
	}
	c.active = active
	c.mu.Unlock()

	req, err := c.prepare(ctx, attachmentID, account)
	if err != nil {
		c.release(active)
		close(active.done)
		cancel()
		switch {
		case errors.Is(err, ErrAlreadyDownloaded):
			metrics.TransfersRejected.WithLabelValues("already_downloaded").Inc()
		case errors.Is(err, storage.ErrNotFound):
			metrics.TransfersRejected.WithLabelValues("not_found").Inc()
		default:
			metrics.TransfersRejected.WithLabelValues("storage").Inc()
		}
		return err
	}

	c.mu.Lock()
	active.request = req
	c.mu.Unlock()

	metrics.ActiveTransfers.Inc()
	logger.WithField("url", req.URL).Info("Starting attachment download")
	go c.run(transferCtx, active)
	return nil
}

// CancelDownload signals the active transfer to stop. It reports whether a
// transfer was active.
func (c *Coordinator) CancelDownload() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return false
	}
	c.active.cancel()
	return true
}

// Active returns the in-flight request, if any.
func (c *Coordinator) Active() (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return Request{}, false
	}
	return c.active.request, true
}

// Wait blocks until the active transfer, if any, has emitted its terminal
// event or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	if active == nil {
		return nil
	}
	select {
	case <-active.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the active transfer and waits for it to finish.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.baseCancel()
	active := c.active
	c.mu.Unlock()

	if active != nil {
		<-active.done
	}
	return nil
}

// prepare loads the attachment and flags its message as transferring.
func (c *Coordinator) prepare(ctx context.Context, attachmentID, account string) (Request, error) {
	var req Request
	err := c.options.Store.Transaction(ctx, func(tx *storage.Tx) error {
		attachment, err := tx.FindAttachment(attachmentID)
		if err != nil {
			return err
		}
		if attachment.Downloaded() {
			return ErrAlreadyDownloaded
		}

		message, err := tx.FindMessage(attachment.MessageID)
		if err != nil {
			return err
		}
		flags := message.Flags()
		flags.InProgress = true
		if err := tx.UpdateMessageFlags(message.UniqueID, flags); err != nil {
			return err
		}

		req = Request{
			AttachmentID: attachment.AttachmentID,
			MessageID:    attachment.MessageID,
			FileName:     attachment.FileName,
			DeclaredSize: attachment.FileSize,
			URL:          attachment.FileURL,
			Account:      account,
		}
		return nil
	})
	if err != nil {
		return Request{}, fmt.Errorf("prepare download %q: %w", attachmentID, err)
	}
	return req, nil
}

func (c *Coordinator) run(ctx context.Context, active *activeTransfer) {
	defer close(active.done)
	defer active.cancel()

	req := active.request
	logger := c.options.Logger.WithFields(logrus.Fields{
		"function":      "run",
		"attachment_id": req.AttachmentID,
	})
	started := time.Now()

	res, err := c.options.Fetcher.Fetch(ctx, req, func(percent int) {
		c.options.Progress.Publish(models.Progress(req.AttachmentID, percent))
	})
	if err == nil {
		if recordErr := c.recordCompleted(req, res); recordErr != nil {
			if removeErr := os.Remove(res.Path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				logger.WithError(removeErr).Warn("Failed to remove unrecorded download")
			}
			err = fmt.Errorf("%w: record download: %v", ErrIO, recordErr)
		}
	}
	if err != nil {
		if clearErr := c.clearInProgress(req.MessageID); clearErr != nil {
			logger.WithError(clearErr).Error("Failed to clear transfer flag")
		}
	}

	metrics.ActiveTransfers.Dec()
	metrics.TransfersTotal.WithLabelValues(result(err)).Inc()
	metrics.TransferDuration.Observe(time.Since(started).Seconds())

	c.release(active)

	if err != nil {
		reason := Reason(err)
		entry := logger.WithField("reason", reason)
		if errors.Is(err, ErrCancelled) {
			entry.Info("Attachment download cancelled")
		} else {
			entry.WithError(err).Warn("Attachment download failed")
		}
		c.options.Progress.Publish(models.Failed(req.AttachmentID, reason, err))
		return
	}
	c.options.Progress.Publish(models.Completed(req.AttachmentID, res.Path))
}

func (c *Coordinator) recordCompleted(req Request, res Result) error {
	return c.options.Store.Transaction(context.Background(), func(tx *storage.Tx) error {
		if err := tx.UpdateAttachmentPath(req.AttachmentID, res.Path, res.Digest); err != nil {
			return err
		}
		return setInProgress(tx, req.MessageID, false)
	})
}

func (c *Coordinator) clearInProgress(messageID string) error {
	return c.options.Store.Transaction(context.Background(), func(tx *storage.Tx) error {
		return setInProgress(tx, messageID, false)
	})
}

func (c *Coordinator) release(active *activeTransfer) {
	c.mu.Lock()
	if c.active == active {
		c.active = nil
	}
	c.mu.Unlock()
}

func setInProgress(tx *storage.Tx, messageID string, inProgress bool) error {
	message, err := tx.FindMessage(messageID)
	if err != nil {
		return err
	}
	flags := message.Flags()
	if flags.InProgress == inProgress {
		return nil
	}
	flags.InProgress = inProgress
	return tx.UpdateMessageFlags(messageID, flags)
}
