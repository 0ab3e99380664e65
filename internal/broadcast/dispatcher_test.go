package broadcast

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
	"github.com/SMSFlowHQ/SMSFlow/internal/store"
)

type fakeSender struct {
	sent         []string
	denyPhones   map[string]bool
	failPhones   map[string]bool
	globalDenies int
}

func (f *fakeSender) Send(ctx context.Context, to, content string, msgType models.MessageType, metadata map[string]string) (string, *models.RateLimitDenial, error) {
	if f.globalDenies > 0 {
		f.globalDenies--
		return "", &models.RateLimitDenial{Scope: models.ScopeGlobal, Window: models.WindowMinute, RetryAfterSeconds: 1}, nil
	}
	if f.denyPhones[to] {
		return "", &models.RateLimitDenial{Scope: models.ScopePhone, Window: models.WindowHour, RetryAfterSeconds: 60}, nil
	}
	if f.failPhones[to] {
		return "", nil, errors.New("carrier rejected")
	}
	f.sent = append(f.sent, to)
	return "msg-id", nil, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.InMemoryStore, *fakeSender) {
	t.Helper()
	st := store.NewInMemoryStore()
	sender := &fakeSender{denyPhones: map[string]bool{}, failPhones: map[string]bool{}}
	d := NewDispatcher(st, sender, WithSendPacing(0), WithGlobalRetryDelay(time.Millisecond))
	return d, st, sender
}

func seedContacts(t *testing.T, st *store.InMemoryStore, phones ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(phones))
	for _, p := range phones {
		id, err := st.CreateContact(models.Contact{Phone: p, Active: true})
		if err != nil {
			t.Fatalf("CreateContact failed: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func seedGroup(t *testing.T, st *store.InMemoryStore, name string, contactIDs ...int64) int64 {
	t.Helper()
	id, err := st.CreateGroup(models.Group{Name: name})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	for _, cid := range contactIDs {
		if err := st.AddContactToGroup(id, cid); err != nil {
			t.Fatalf("AddContactToGroup failed: %v", err)
		}
	}
	return id
}

func TestCreateBroadcastDeduplicatesAudience(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	ids := seedContacts(t, st, "1001", "1002", "1003")
	groupID := seedGroup(t, st, "all", ids...)

	// 1002 is reachable via the group and directly; one recipient row.
	b, err := d.CreateBroadcast(context.Background(), models.Broadcast{
		Name:             "launch",
		Content:          "We are live!",
		TargetGroupIDs:   []int64{groupID},
		TargetContactIDs: []int64{ids[1]},
	})
	if err != nil {
		t.Fatalf("CreateBroadcast failed: %v", err)
	}
	if b.RecipientCount != 3 {
		t.Fatalf("recipient count = %d, want 3 after dedup", b.RecipientCount)
	}
	if b.Status != models.BroadcastStatusPending {
		t.Fatalf("status = %s, want pending", b.Status)
	}
	recipients, err := st.ListBroadcastRecipients(b.ID)
	if err != nil {
		t.Fatalf("ListBroadcastRecipients failed: %v", err)
	}
	if len(recipients) != 3 {
		t.Fatalf("stored recipients = %d, want 3", len(recipients))
	}
}

func TestCreateBroadcastRejectsEmptyAudience(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.CreateBroadcast(context.Background(), models.Broadcast{Name: "x", Content: "hi"})
	if !errors.Is(err, models.ErrEmptyAudience) {
		t.Fatalf("error = %v, want ErrEmptyAudience", err)
	}
}

func TestCreateBroadcastRejectsOversizedAudience(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	var ids []int64
	for i := 0; i < models.MaxBroadcastRecipients+1; i++ {
		id, err := st.CreateContact(models.Contact{Phone: fmt.Sprintf("2000%04d", i), Active: true})
		if err != nil {
			t.Fatalf("CreateContact failed: %v", err)
		}
		ids = append(ids, id)
	}
	_, err := d.CreateBroadcast(context.Background(), models.Broadcast{
		Name: "big", Content: "hi", TargetContactIDs: ids,
	})
	if !errors.Is(err, models.ErrAudienceTooLarge) {
		t.Fatalf("error = %v, want ErrAudienceTooLarge", err)
	}
}

func TestCreateBroadcastFutureScheduleWaits(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	ids := seedContacts(t, st, "1001")
	at := time.Now().Add(time.Hour)

	b, err := d.CreateBroadcast(context.Background(), models.Broadcast{
		Name: "later", Content: "hi", TargetContactIDs: ids, ScheduledAt: &at,
	})
	if err != nil {
		t.Fatalf("CreateBroadcast failed: %v", err)
	}
	if b.Status != models.BroadcastStatusScheduled {
		t.Fatalf("status = %s, want scheduled", b.Status)
	}
	select {
	case id := <-d.queue:
		t.Fatalf("scheduled broadcast %s was queued immediately", id)
	default:
	}
}

func TestProcessSendsToEveryRecipient(t *testing.T) {
	d, st, sender := newTestDispatcher(t)
	ids := seedContacts(t, st, "1001", "1002", "1003")
	b, err := d.CreateBroadcast(context.Background(), models.Broadcast{
		Name: "go", Content: "hello", TargetContactIDs: ids,
	})
	if err != nil {
		t.Fatalf("CreateBroadcast failed: %v", err)
	}

	if err := d.process(context.Background(), b.ID); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(sender.sent) != 3 {
		t.Fatalf("sent = %v, want 3 sends", sender.sent)
	}
	final, err := st.GetBroadcast(b.ID)
	if err != nil {
		t.Fatalf("GetBroadcast failed: %v", err)
	}
	if final.Status != models.BroadcastStatusCompleted || final.SentCount != 3 || final.FailedCount != 0 {
		t.Fatalf("final = %+v, want completed with 3 sent", final)
	}
}

func TestProcessRecordsPerRecipientOutcomes(t *testing.T) {
	d, st, sender := newTestDispatcher(t)
	ids := seedContacts(t, st, "1001", "1002", "1003")
	sender.denyPhones["1002"] = true
	sender.failPhones["1003"] = true

	b, err := d.CreateBroadcast(context.Background(), models.Broadcast{
		Name: "mixed", Content: "hello", TargetContactIDs: ids,
	})
	if err != nil {
		t.Fatalf("CreateBroadcast failed: %v", err)
	}
	if err := d.process(context.Background(), b.ID); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	stats, err := d.GetBroadcastStats(b.ID)
	if err != nil {
		t.Fatalf("GetBroadcastStats failed: %v", err)
	}
	if stats.ByStatus[models.RecipientStatusSent] != 1 ||
		stats.ByStatus[models.RecipientStatusRateLimited] != 1 ||
		stats.ByStatus[models.RecipientStatusFailed] != 1 {
		t.Fatalf("stats = %v, want one of each outcome", stats.ByStatus)
	}
	final, err := st.GetBroadcast(b.ID)
	if err != nil {
		t.Fatalf("GetBroadcast failed: %v", err)
	}
	if final.SentCount != 1 || final.FailedCount != 1 {
		t.Fatalf("final counts = sent %d failed %d, want 1 and 1", final.SentCount, final.FailedCount)
	}
}

func TestProcessRetriesAfterGlobalDenial(t *testing.T) {
	d, st, sender := newTestDispatcher(t)
	ids := seedContacts(t, st, "1001", "1002")
	sender.globalDenies = 1

	b, err := d.CreateBroadcast(context.Background(), models.Broadcast{
		Name: "paused", Content: "hello", TargetContactIDs: ids,
	})
	if err != nil {
		t.Fatalf("CreateBroadcast failed: %v", err)
	}
	if err := d.process(context.Background(), b.ID); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	// The recipient the global denial interrupted is retried, not skipped.
	if len(sender.sent) != 2 {
		t.Fatalf("sent = %v, want both recipients after retry", sender.sent)
	}
	final, err := st.GetBroadcast(b.ID)
	if err != nil {
		t.Fatalf("GetBroadcast failed: %v", err)
	}
	if final.Status != models.BroadcastStatusCompleted || final.SentCount != 2 {
		t.Fatalf("final = %+v, want completed with 2 sent", final)
	}
}

func TestCancelBroadcast(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	ids := seedContacts(t, st, "1001", "1002")
	b, err := d.CreateBroadcast(context.Background(), models.Broadcast{
		Name: "stop me", Content: "hello", TargetContactIDs: ids,
	})
	if err != nil {
		t.Fatalf("CreateBroadcast failed: %v", err)
	}

	cancelled, err := d.CancelBroadcast(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("CancelBroadcast failed: %v", err)
	}
	if cancelled.Status != models.BroadcastStatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	stats, err := d.GetBroadcastStats(b.ID)
	if err != nil {
		t.Fatalf("GetBroadcastStats failed: %v", err)
	}
	if stats.ByStatus[models.RecipientStatusCancelled] != 2 {
		t.Fatalf("stats = %v, want both recipients cancelled", stats.ByStatus)
	}

	// A cancelled broadcast cannot be cancelled again.
	if _, err := d.CancelBroadcast(context.Background(), b.ID); !errors.Is(err, models.ErrBroadcastNotCancellable) {
		t.Fatalf("second cancel error = %v, want ErrBroadcastNotCancellable", err)
	}
	// And the worker skips it entirely.
	if err := d.process(context.Background(), b.ID); err != nil {
		t.Fatalf("process of cancelled broadcast failed: %v", err)
	}
}

func TestCancelCompletedBroadcastRejected(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	ids := seedContacts(t, st, "1001")
	b, err := d.CreateBroadcast(context.Background(), models.Broadcast{
		Name: "done", Content: "hello", TargetContactIDs: ids,
	})
	if err != nil {
		t.Fatalf("CreateBroadcast failed: %v", err)
	}
	if err := d.process(context.Background(), b.ID); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if _, err := d.CancelBroadcast(context.Background(), b.ID); !errors.Is(err, models.ErrBroadcastNotCancellable) {
		t.Fatalf("error = %v, want ErrBroadcastNotCancellable", err)
	}
}

func TestCheckScheduledPromotesDueBroadcasts(t *testing.T) {
	d, st, sender := newTestDispatcher(t)
	ids := seedContacts(t, st, "1001")
	at := time.Now().Add(time.Hour)
	b, err := d.CreateBroadcast(context.Background(), models.Broadcast{
		Name: "later", Content: "hello", TargetContactIDs: ids, ScheduledAt: &at,
	})
	if err != nil {
		t.Fatalf("CreateBroadcast failed: %v", err)
	}

	// Not yet due.
	if err := d.CheckScheduled(context.Background()); err != nil {
		t.Fatalf("CheckScheduled failed: %v", err)
	}
	current, _ := st.GetBroadcast(b.ID)
	if current.Status != models.BroadcastStatusScheduled {
		t.Fatalf("status = %s, want scheduled before due time", current.Status)
	}

	// Move the clock past the schedule.
	d.now = func() time.Time { return at.Add(time.Minute) }
	if err := d.CheckScheduled(context.Background()); err != nil {
		t.Fatalf("CheckScheduled failed: %v", err)
	}
	select {
	case id := <-d.queue:
		if id != b.ID {
			t.Fatalf("queued id = %s, want %s", id, b.ID)
		}
	default:
		t.Fatal("due broadcast was not queued")
	}
	if err := d.process(context.Background(), b.ID); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %v, want one send", sender.sent)
	}
}

func TestGetBroadcastStatsUnknownID(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	if _, err := d.GetBroadcastStats("nope"); !errors.Is(err, models.ErrBroadcastNotFound) {
		t.Fatalf("error = %v, want ErrBroadcastNotFound", err)
	}
}
