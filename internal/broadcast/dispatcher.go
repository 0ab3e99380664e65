// Package broadcast resolves mass-send campaigns to recipient lists and
// drains them through the message gateway.
//
// Dispatch is single flight: one broadcast at a time, one recipient at a
// time, with pacing between sends. Per-phone rate denials skip the
// recipient; a global denial pauses the whole run and retries the same
// recipient, since every later recipient would hit the same ceiling.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
	"github.com/SMSFlowHQ/SMSFlow/internal/store"
)

const (
	// DefaultSendPacing is the gap between consecutive recipient sends.
	DefaultSendPacing = 200 * time.Millisecond
	// DefaultGlobalRetryDelay is how long a run waits after a global
	// rate denial before retrying the same recipient.
	DefaultGlobalRetryDelay = time.Minute
	// DefaultQueueSize bounds broadcasts waiting for the worker.
	DefaultQueueSize = 16
)

// MessageSender is the outbound surface broadcasts drain through.
// Implemented by messaging.Gateway.
type MessageSender interface {
	Send(ctx context.Context, to, content string, msgType models.MessageType, metadata map[string]string) (string, *models.RateLimitDenial, error)
}

// Opts holds configuration options for the dispatcher.
type Opts struct {
	SendPacing       time.Duration
	GlobalRetryDelay time.Duration
	QueueSize        int
}

// Option configures dispatcher construction.
type Option func(*Opts)

// WithSendPacing sets the delay between recipient sends.
func WithSendPacing(d time.Duration) Option {
	return func(o *Opts) { o.SendPacing = d }
}

// WithGlobalRetryDelay sets the pause after a global rate denial.
func WithGlobalRetryDelay(d time.Duration) Option {
	return func(o *Opts) { o.GlobalRetryDelay = d }
}

// WithQueueSize sets the dispatch queue capacity.
func WithQueueSize(n int) Option {
	return func(o *Opts) { o.QueueSize = n }
}

// Dispatcher creates, queues, and drains broadcasts.
type Dispatcher struct {
	store            store.Store
	sender           MessageSender
	sendPacing       time.Duration
	globalRetryDelay time.Duration
	queue            chan string
	now              func() time.Time
}

// NewDispatcher creates a dispatcher over the given store and sender.
func NewDispatcher(st store.Store, sender MessageSender, opts ...Option) *Dispatcher {
	cfg := Opts{
		SendPacing:       DefaultSendPacing,
		GlobalRetryDelay: DefaultGlobalRetryDelay,
		QueueSize:        DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{
		store:            st,
		sender:           sender,
		sendPacing:       cfg.SendPacing,
		globalRetryDelay: cfg.GlobalRetryDelay,
		queue:            make(chan string, cfg.QueueSize),
		now:              time.Now,
	}
}

// CreateBroadcast resolves the target groups and contacts to a
// deduplicated recipient list and persists the broadcast with its
// recipients in one transaction. An audience over the recipient cap
// writes nothing. Broadcasts scheduled for the future wait for the
// scheduler; immediate ones are queued for dispatch right away.
func (d *Dispatcher) CreateBroadcast(ctx context.Context, b models.Broadcast) (*models.Broadcast, error) {
	if b.Content == "" {
		return nil, models.ErrEmptyContent
	}
	recipients, err := d.resolveRecipients(b)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, models.ErrEmptyAudience
	}
	if len(recipients) > models.MaxBroadcastRecipients {
		return nil, fmt.Errorf("%w: %d recipients, cap %d",
			models.ErrAudienceTooLarge, len(recipients), models.MaxBroadcastRecipients)
	}

	now := d.now()
	b.ID = uuid.NewString()
	b.RecipientCount = len(recipients)
	b.CreatedAt = now
	b.UpdatedAt = now
	b.Status = models.BroadcastStatusPending
	if b.ScheduledAt != nil && b.ScheduledAt.After(now) {
		b.Status = models.BroadcastStatusScheduled
	}
	for i := range recipients {
		recipients[i].BroadcastID = b.ID
		recipients[i].Status = models.RecipientStatusPending
	}
	if err := d.store.CreateBroadcastWithRecipients(b, recipients); err != nil {
		return nil, fmt.Errorf("failed to create broadcast: %w", err)
	}
	slog.Info("Broadcast created", "id", b.ID, "name", b.Name, "recipients", b.RecipientCount, "status", b.Status)

	if b.Status == models.BroadcastStatusPending {
		d.enqueue(b.ID)
	}
	return &b, nil
}

// resolveRecipients unions the active contacts of the target groups with
// the directly targeted contacts, deduplicated by phone. Group members
// win the attribution when a contact is reachable both ways.
func (d *Dispatcher) resolveRecipients(b models.Broadcast) ([]models.BroadcastRecipient, error) {
	byPhone := make(map[string]models.BroadcastRecipient)
	for _, groupID := range b.TargetGroupIDs {
		group, err := d.store.GetGroup(groupID)
		if err != nil {
			return nil, fmt.Errorf("failed to load group %d: %w", groupID, err)
		}
		if group == nil {
			return nil, fmt.Errorf("%w: id %d", models.ErrGroupNotFound, groupID)
		}
		contacts, err := d.store.ListActiveGroupContacts(groupID)
		if err != nil {
			return nil, fmt.Errorf("failed to list contacts of group %d: %w", groupID, err)
		}
		for _, c := range contacts {
			if _, ok := byPhone[c.Phone]; ok {
				continue
			}
			contactID, gID := c.ID, groupID
			byPhone[c.Phone] = models.BroadcastRecipient{ContactID: &contactID, GroupID: &gID, Phone: c.Phone}
		}
	}
	contacts, err := d.store.ListActiveContactsByIDs(b.TargetContactIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load target contacts: %w", err)
	}
	for _, c := range contacts {
		if _, ok := byPhone[c.Phone]; ok {
			continue
		}
		contactID := c.ID
		byPhone[c.Phone] = models.BroadcastRecipient{ContactID: &contactID, Phone: c.Phone}
	}

	recipients := make([]models.BroadcastRecipient, 0, len(byPhone))
	for _, r := range byPhone {
		recipients = append(recipients, r)
	}
	// Deterministic send order.
	sort.Slice(recipients, func(i, j int) bool { return recipients[i].Phone < recipients[j].Phone })
	return recipients, nil
}

// enqueue hands a broadcast to the worker without blocking the caller.
// When the queue is full the send moves to a goroutine so the broadcast
// is delayed rather than dropped.
func (d *Dispatcher) enqueue(id string) {
	select {
	case d.queue <- id:
	default:
		slog.Warn("Broadcast dispatch queue full, queueing asynchronously", "id", id)
		go func() { d.queue <- id }()
	}
}

// Run drains the dispatch queue until ctx is cancelled. One broadcast is
// processed at a time.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("Broadcast dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Broadcast dispatcher stopped")
			return
		case id := <-d.queue:
			if err := d.process(ctx, id); err != nil {
				slog.Error("Broadcast processing failed", "error", err, "id", id)
			}
		}
	}
}

// CheckScheduled promotes due scheduled broadcasts to pending and queues
// them. The scheduler calls this at least once a minute.
func (d *Dispatcher) CheckScheduled(ctx context.Context) error {
	due, err := d.store.ListScheduledBroadcastsDue(d.now())
	if err != nil {
		return fmt.Errorf("failed to list due broadcasts: %w", err)
	}
	for _, b := range due {
		b.Status = models.BroadcastStatusPending
		b.UpdatedAt = d.now()
		if err := d.store.UpdateBroadcast(b); err != nil {
			slog.Error("Failed to promote scheduled broadcast", "error", err, "id", b.ID)
			continue
		}
		slog.Info("Scheduled broadcast promoted", "id", b.ID, "name", b.Name)
		d.enqueue(b.ID)
	}
	return nil
}

// process drains one broadcast through the gateway and records the final
// aggregate counts.
func (d *Dispatcher) process(ctx context.Context, id string) error {
	b, err := d.store.GetBroadcast(id)
	if err != nil {
		return fmt.Errorf("failed to load broadcast %s: %w", id, err)
	}
	if b == nil {
		return fmt.Errorf("%w: id %s", models.ErrBroadcastNotFound, id)
	}
	if b.Status != models.BroadcastStatusPending {
		slog.Debug("Skipping broadcast not in pending state", "id", id, "status", b.Status)
		return nil
	}

	b.Status = models.BroadcastStatusProcessing
	b.UpdatedAt = d.now()
	if err := d.store.UpdateBroadcast(*b); err != nil {
		return fmt.Errorf("failed to mark broadcast %s processing: %w", id, err)
	}
	slog.Info("Broadcast processing started", "id", id, "name", b.Name, "recipients", b.RecipientCount)

	recipients, err := d.store.ListBroadcastRecipients(id)
	if err != nil {
		return fmt.Errorf("failed to list recipients of broadcast %s: %w", id, err)
	}

	sent, failed := 0, 0
	for i := 0; i < len(recipients); {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Cancellation between sends takes effect on the next recipient.
		current, err := d.store.GetBroadcast(id)
		if err == nil && current != nil && current.Status == models.BroadcastStatusCancelled {
			slog.Info("Broadcast cancelled mid-run", "id", id, "sent", sent, "failed", failed)
			return nil
		}

		r := recipients[i]
		if r.Status != models.RecipientStatusPending {
			i++
			continue
		}
		outcome, retry := d.sendOne(ctx, b, &r)
		if retry {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.globalRetryDelay):
			}
			continue
		}
		if err := d.store.UpdateBroadcastRecipient(r); err != nil {
			slog.Error("Failed to record recipient outcome", "error", err, "id", id, "phone", r.Phone)
		}
		switch outcome {
		case models.RecipientStatusSent:
			sent++
		case models.RecipientStatusFailed:
			failed++
		}
		i++
		if i < len(recipients) && d.sendPacing > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.sendPacing):
			}
		}
	}

	final, err := d.store.GetBroadcast(id)
	if err != nil {
		return fmt.Errorf("failed to reload broadcast %s: %w", id, err)
	}
	if final == nil || final.Status == models.BroadcastStatusCancelled {
		return nil
	}
	final.SentCount = sent
	final.FailedCount = failed
	final.Status = models.BroadcastStatusCompleted
	final.UpdatedAt = d.now()
	if err := d.store.UpdateBroadcast(*final); err != nil {
		return fmt.Errorf("failed to complete broadcast %s: %w", id, err)
	}
	slog.Info("Broadcast completed", "id", id, "sent", sent, "failed", failed)
	return nil
}

// sendOne attempts one recipient. It mutates r to the terminal recipient
// status, or returns retry=true on a global denial with r untouched.
func (d *Dispatcher) sendOne(ctx context.Context, b *models.Broadcast, r *models.BroadcastRecipient) (models.RecipientStatus, bool) {
	_, denial, err := d.sender.Send(ctx, r.Phone, b.Content, models.MessageTypeBroadcast,
		map[string]string{"broadcast_id": b.ID})
	if denial != nil && denial.Scope == models.ScopeGlobal {
		slog.Warn("Broadcast paused by global rate limit", "id", b.ID,
			"window", denial.Window, "retryAfter", denial.RetryAfterSeconds)
		return "", true
	}
	now := d.now()
	switch {
	case denial != nil:
		r.Status = models.RecipientStatusRateLimited
		r.Error = fmt.Sprintf("rate limited: %s window", denial.Window)
		slog.Debug("Broadcast recipient rate limited", "id", b.ID, "phone", r.Phone, "window", denial.Window)
	case err != nil:
		r.Status = models.RecipientStatusFailed
		r.Error = err.Error()
		slog.Error("Broadcast send failed", "error", err, "id", b.ID, "phone", r.Phone)
	default:
		r.Status = models.RecipientStatusSent
		r.SentAt = &now
	}
	return r.Status, false
}

// CancelBroadcast stops a broadcast that has not finished. Pending
// recipients are marked cancelled; recipients already sent keep their
// status. Completed, failed, and already-cancelled broadcasts cannot be
// cancelled.
func (d *Dispatcher) CancelBroadcast(ctx context.Context, id string) (*models.Broadcast, error) {
	b, err := d.store.GetBroadcast(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load broadcast %s: %w", id, err)
	}
	if b == nil {
		return nil, models.ErrBroadcastNotFound
	}
	switch b.Status {
	case models.BroadcastStatusPending, models.BroadcastStatusScheduled, models.BroadcastStatusProcessing:
	default:
		return nil, fmt.Errorf("%w: status %s", models.ErrBroadcastNotCancellable, b.Status)
	}

	b.Status = models.BroadcastStatusCancelled
	b.UpdatedAt = d.now()
	if err := d.store.UpdateBroadcast(*b); err != nil {
		return nil, fmt.Errorf("failed to cancel broadcast %s: %w", id, err)
	}
	cancelled, err := d.store.MarkPendingRecipientsCancelled(id)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel recipients of broadcast %s: %w", id, err)
	}
	slog.Info("Broadcast cancelled", "id", id, "recipientsCancelled", cancelled)
	return b, nil
}

// GetBroadcastStats reports live per-recipient status counts.
func (d *Dispatcher) GetBroadcastStats(id string) (*models.BroadcastStats, error) {
	b, err := d.store.GetBroadcast(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load broadcast %s: %w", id, err)
	}
	if b == nil {
		return nil, models.ErrBroadcastNotFound
	}
	byStatus, err := d.store.CountRecipientsByStatus(id)
	if err != nil {
		return nil, fmt.Errorf("failed to count recipients of broadcast %s: %w", id, err)
	}
	return &models.BroadcastStats{
		BroadcastID:    id,
		Status:         b.Status,
		RecipientCount: b.RecipientCount,
		ByStatus:       byStatus,
	}, nil
}
