package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
	"github.com/SMSFlowHQ/SMSFlow/internal/store"
)

func newTestLimiter(t *testing.T) (*Limiter, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	l := NewLimiter(st)
	return l, st
}

func TestCheckPhoneAllowsUnderLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	denial, err := l.CheckPhone("+15550001")
	if err != nil {
		t.Fatalf("CheckPhone failed: %v", err)
	}
	if denial != nil {
		t.Errorf("expected allow for fresh phone, got denial for %s window", denial.Window)
	}
}

func TestCheckPhoneDeniesAtMinuteLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	phone := "+15550002"
	limit := l.Config().PerMinute
	for i := 0; i < limit; i++ {
		if err := l.RecordSend(phone); err != nil {
			t.Fatalf("RecordSend %d failed: %v", i, err)
		}
	}
	denial, err := l.CheckPhone(phone)
	if err != nil {
		t.Fatalf("CheckPhone failed: %v", err)
	}
	if denial == nil {
		t.Fatal("expected denial at minute limit, got allow")
	}
	if denial.Scope != models.ScopePhone {
		t.Errorf("expected phone scope, got %s", denial.Scope)
	}
	if denial.Window != models.WindowMinute {
		t.Errorf("expected minute window to deny first, got %s", denial.Window)
	}
	if denial.Current != limit || denial.Limit != limit {
		t.Errorf("expected current=limit=%d, got current=%d limit=%d", limit, denial.Current, denial.Limit)
	}
	if denial.RetryAfterSeconds < 1 || denial.RetryAfterSeconds > 60 {
		t.Errorf("retry_after out of range for minute window: %d", denial.RetryAfterSeconds)
	}
}

func TestCheckPhoneDeniesSmallestWindowFirst(t *testing.T) {
	// Configure the hour limit below the minute limit; the check order
	// still reports the minute window only when the minute window itself
	// is exhausted.
	l, st := newTestLimiter(t)
	if err := st.SetSetting(SettingKey, `{"per_minute":10,"per_hour":3,"per_day":200,"global_per_minute":1000,"global_per_hour":1000,"global_per_day":1000}`); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := l.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	phone := "+15550003"
	for i := 0; i < 3; i++ {
		if err := l.RecordSend(phone); err != nil {
			t.Fatalf("RecordSend failed: %v", err)
		}
	}
	denial, err := l.CheckPhone(phone)
	if err != nil {
		t.Fatalf("CheckPhone failed: %v", err)
	}
	if denial == nil {
		t.Fatal("expected denial at hour limit")
	}
	if denial.Window != models.WindowHour {
		t.Errorf("expected hour window denial, got %s", denial.Window)
	}
}

func TestRecordSendIncrementsAllWindows(t *testing.T) {
	l, st := newTestLimiter(t)
	phone := "+15550004"
	if err := l.RecordSend(phone); err != nil {
		t.Fatalf("RecordSend failed: %v", err)
	}
	now := time.Now()
	for _, w := range models.RateWindows {
		count, err := st.GetRateCount(&phone, w, w.WindowStart(now))
		if err != nil {
			t.Fatalf("GetRateCount %s failed: %v", w, err)
		}
		if count != 1 {
			t.Errorf("window %s: expected count 1, got %d", w, count)
		}
	}
}

func TestRecordSendDoesNotTouchGlobalCounters(t *testing.T) {
	l, st := newTestLimiter(t)
	if err := l.RecordSend("+15550005"); err != nil {
		t.Fatalf("RecordSend failed: %v", err)
	}
	count, err := st.GetRateCount(nil, models.WindowMinute, models.WindowMinute.WindowStart(time.Now()))
	if err != nil {
		t.Fatalf("GetRateCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected untouched global counter, got %d", count)
	}
}

func TestCheckGlobalDeniesAtLimit(t *testing.T) {
	l, st := newTestLimiter(t)
	if err := st.SetSetting(SettingKey, `{"per_minute":100,"per_hour":100,"per_day":100,"global_per_minute":2,"global_per_hour":100,"global_per_day":100}`); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := l.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := l.RecordGlobalSend(); err != nil {
			t.Fatalf("RecordGlobalSend failed: %v", err)
		}
	}
	denial, err := l.CheckGlobal()
	if err != nil {
		t.Fatalf("CheckGlobal failed: %v", err)
	}
	if denial == nil {
		t.Fatal("expected global denial")
	}
	if denial.Scope != models.ScopeGlobal {
		t.Errorf("expected global scope, got %s", denial.Scope)
	}
}

func TestWindowBoundaryResetsCount(t *testing.T) {
	l, _ := newTestLimiter(t)
	phone := "+15550006"

	base := time.Date(2026, 8, 29, 10, 30, 59, 0, time.UTC)
	l.now = func() time.Time { return base }
	for i := 0; i < l.Config().PerMinute; i++ {
		if err := l.RecordSend(phone); err != nil {
			t.Fatalf("RecordSend failed: %v", err)
		}
	}
	if denial, err := l.CheckPhone(phone); err != nil || denial == nil {
		t.Fatalf("expected denial inside window, denial=%v err=%v", denial, err)
	}

	// One second later a new minute window begins and the minute count
	// starts over; hour and day counters still carry the sends.
	l.now = func() time.Time { return base.Add(time.Second) }
	denial, err := l.CheckPhone(phone)
	if err != nil {
		t.Fatalf("CheckPhone failed: %v", err)
	}
	if denial != nil {
		t.Errorf("expected allow in fresh minute window, got denial for %s", denial.Window)
	}
}

func TestReloadAppliesOnNextCheck(t *testing.T) {
	l, st := newTestLimiter(t)
	phone := "+15550007"
	if err := l.RecordSend(phone); err != nil {
		t.Fatalf("RecordSend failed: %v", err)
	}
	if denial, err := l.CheckPhone(phone); err != nil || denial != nil {
		t.Fatalf("expected allow under default limits, denial=%v err=%v", denial, err)
	}
	if err := st.SetSetting(SettingKey, `{"per_minute":1,"per_hour":50,"per_day":200,"global_per_minute":30,"global_per_hour":500,"global_per_day":5000}`); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := l.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	denial, err := l.CheckPhone(phone)
	if err != nil {
		t.Fatalf("CheckPhone failed: %v", err)
	}
	if denial == nil {
		t.Fatal("expected denial under tightened limit")
	}
	if denial.Limit != 1 {
		t.Errorf("expected reloaded limit 1, got %d", denial.Limit)
	}
}

func TestReloadRejectsMalformedConfig(t *testing.T) {
	l, st := newTestLimiter(t)
	if err := st.SetSetting(SettingKey, "{not json"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := l.Reload(); err == nil {
		t.Fatal("expected error for malformed config")
	}
	// The previous configuration stays in effect.
	if got := l.Config().PerMinute; got != models.DefaultRateLimitConfig().PerMinute {
		t.Errorf("expected previous config retained, got per_minute=%d", got)
	}
}

func TestStatusReportsRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	phone := "+15550008"
	for i := 0; i < 3; i++ {
		if err := l.RecordSend(phone); err != nil {
			t.Fatalf("RecordSend failed: %v", err)
		}
		if err := l.RecordGlobalSend(); err != nil {
			t.Fatalf("RecordGlobalSend failed: %v", err)
		}
	}
	status, err := l.Status(phone)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(status.Windows) != 3 || len(status.Global) != 3 {
		t.Fatalf("expected 3 phone and 3 global windows, got %d and %d", len(status.Windows), len(status.Global))
	}
	cfg := l.Config()
	minute := status.Windows[0]
	if minute.Window != models.WindowMinute || minute.Current != 3 || minute.Remaining != cfg.PerMinute-3 {
		t.Errorf("unexpected minute status: %+v", minute)
	}
	globalMinute := status.Global[0]
	if globalMinute.Current != 3 || globalMinute.Limit != cfg.GlobalPerMinute {
		t.Errorf("unexpected global minute status: %+v", globalMinute)
	}
}

func TestReclaimDeletesExpiredCounters(t *testing.T) {
	l, st := newTestLimiter(t)
	phone := "+15550009"

	old := time.Now().Add(-8 * 24 * time.Hour)
	l.now = func() time.Time { return old }
	if err := l.RecordSend(phone); err != nil {
		t.Fatalf("RecordSend failed: %v", err)
	}

	l.now = time.Now
	if err := l.RecordSend(phone); err != nil {
		t.Fatalf("RecordSend failed: %v", err)
	}

	n, err := l.Reclaim()
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 expired counters deleted, got %d", n)
	}
	count, err := st.GetRateCount(&phone, models.WindowMinute, models.WindowMinute.WindowStart(time.Now()))
	if err != nil {
		t.Fatalf("GetRateCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected current counter untouched, got %d", count)
	}
}

type failingCounterStore struct {
	CounterStore
}

func (failingCounterStore) GetRateCount(*string, models.RateWindow, time.Time) (int, error) {
	return 0, errors.New("store unavailable")
}

func TestCheckFailsClosedOnStoreError(t *testing.T) {
	l := NewLimiter(failingCounterStore{CounterStore: store.NewInMemoryStore()})
	if _, err := l.CheckPhone("+15550010"); err == nil {
		t.Error("expected error from failing store")
	}
	if _, err := l.CheckGlobal(); err == nil {
		t.Error("expected error from failing store")
	}
}
