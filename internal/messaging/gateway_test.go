package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/SMSFlowHQ/SMSFlow/internal/models"
	"github.com/SMSFlowHQ/SMSFlow/internal/ratelimit"
	"github.com/SMSFlowHQ/SMSFlow/internal/store"
)

func newTestGateway(t *testing.T) (*Gateway, *store.InMemoryStore, *SimulatorService, *ratelimit.Limiter) {
	t.Helper()
	st := store.NewInMemoryStore()
	limiter := ratelimit.NewLimiter(st)
	sim := NewSimulatorService()
	return NewGateway(st, limiter, sim), st, sim, limiter
}

func TestGatewaySendSuccess(t *testing.T) {
	gw, st, sim, _ := newTestGateway(t)

	id, denial, err := gw.Send(context.Background(), "+15550100", "hello", models.MessageTypeProgram, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if denial != nil {
		t.Fatalf("unexpected denial: %+v", denial)
	}
	if id == "" {
		t.Error("expected message id")
	}

	if got := sim.SentTo("15550100"); len(got) != 1 || got[0].Body != "hello" {
		t.Errorf("expected one delivered message, got %v", got)
	}

	msgs := st.MessagesTo("15550100")
	if len(msgs) != 1 {
		t.Fatalf("expected one recorded message, got %d", len(msgs))
	}
	if msgs[0].Status != models.MessageStatusSent || msgs[0].Type != models.MessageTypeProgram {
		t.Errorf("unexpected recorded message: %+v", msgs[0])
	}

	// Counters updated for both scopes.
	phone := "15550100"
	now := time.Now()
	count, err := st.GetRateCount(&phone, models.WindowMinute, models.WindowMinute.WindowStart(now))
	if err != nil || count != 1 {
		t.Errorf("expected phone minute count 1, got %d err=%v", count, err)
	}
	global, err := st.GetRateCount(nil, models.WindowMinute, models.WindowMinute.WindowStart(now))
	if err != nil || global != 1 {
		t.Errorf("expected global minute count 1, got %d err=%v", global, err)
	}
}

func TestGatewaySendDeniedAtPhoneLimit(t *testing.T) {
	gw, st, sim, limiter := newTestGateway(t)
	phone := "+15550101"

	limit := limiter.Config().PerMinute
	for i := 0; i < limit; i++ {
		if _, denial, err := gw.Send(context.Background(), phone, "msg", models.MessageTypeChat, nil); err != nil || denial != nil {
			t.Fatalf("send %d unexpectedly blocked: denial=%v err=%v", i, denial, err)
		}
	}

	_, denial, err := gw.Send(context.Background(), phone, "one too many", models.MessageTypeChat, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if denial == nil {
		t.Fatal("expected denial at phone limit")
	}
	if denial.Scope != models.ScopePhone || denial.Window != models.WindowMinute {
		t.Errorf("unexpected denial: %+v", denial)
	}

	// The refused message is recorded as denied and never delivered.
	if got := sim.SentTo("15550101"); len(got) != limit {
		t.Errorf("expected %d delivered messages, got %d", limit, len(got))
	}
	msgs := st.MessagesTo("15550101")
	if len(msgs) != limit+1 {
		t.Fatalf("expected %d recorded messages, got %d", limit+1, len(msgs))
	}
	if last := msgs[len(msgs)-1]; last.Status != models.MessageStatusDenied {
		t.Errorf("expected last message denied, got %s", last.Status)
	}

	// A denied send must not advance the counters.
	p := "15550101"
	count, err := st.GetRateCount(&p, models.WindowMinute, models.WindowMinute.WindowStart(time.Now()))
	if err != nil || count != limit {
		t.Errorf("expected count %d after denial, got %d err=%v", limit, count, err)
	}
}

func TestGatewaySendDeniedAtGlobalLimit(t *testing.T) {
	gw, st, _, limiter := newTestGateway(t)
	if err := st.SetSetting(ratelimit.SettingKey, `{"per_minute":100,"per_hour":100,"per_day":100,"global_per_minute":2,"global_per_hour":100,"global_per_day":100}`); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := limiter.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, denial, err := gw.Send(context.Background(), "+15550102", "msg", models.MessageTypeChat, nil); err != nil || denial != nil {
			t.Fatalf("send %d unexpectedly blocked: denial=%v err=%v", i, denial, err)
		}
	}
	_, denial, err := gw.Send(context.Background(), "+15550103", "msg", models.MessageTypeChat, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if denial == nil || denial.Scope != models.ScopeGlobal {
		t.Fatalf("expected global denial, got %+v", denial)
	}
}

func TestGatewayGlobalDenialWinsWhenBothLimitsExhausted(t *testing.T) {
	gw, st, _, limiter := newTestGateway(t)
	if err := st.SetSetting(ratelimit.SettingKey, `{"per_minute":1,"per_hour":100,"per_day":100,"global_per_minute":1,"global_per_hour":100,"global_per_day":100}`); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := limiter.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if _, denial, err := gw.Send(context.Background(), "+15550108", "msg", models.MessageTypeChat, nil); err != nil || denial != nil {
		t.Fatalf("first send unexpectedly blocked: denial=%v err=%v", denial, err)
	}

	// Both the phone and the global minute window are now exhausted. The
	// denial must carry the global scope so broadcast dispatch backs off
	// and retries the recipient instead of marking it rate_limited.
	_, denial, err := gw.Send(context.Background(), "+15550108", "msg", models.MessageTypeChat, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if denial == nil || denial.Scope != models.ScopeGlobal {
		t.Fatalf("expected global denial when both limits are exhausted, got %+v", denial)
	}
}

func TestGatewaySendTransportFailure(t *testing.T) {
	gw, st, sim, _ := newTestGateway(t)
	sim.FailNextSend(errors.New("carrier unreachable"))

	_, denial, err := gw.Send(context.Background(), "+15550104", "msg", models.MessageTypeChat, nil)
	if err == nil {
		t.Fatal("expected transport error")
	}
	if denial != nil {
		t.Errorf("unexpected denial: %+v", denial)
	}

	msgs := st.MessagesTo("15550104")
	if len(msgs) != 1 || msgs[0].Status != models.MessageStatusFailed {
		t.Fatalf("expected one failed message, got %v", msgs)
	}

	// Failed sends must not advance the counters.
	p := "15550104"
	count, err := st.GetRateCount(&p, models.WindowMinute, models.WindowMinute.WindowStart(time.Now()))
	if err != nil || count != 0 {
		t.Errorf("expected count 0 after failed send, got %d err=%v", count, err)
	}
}

func TestGatewaySendValidation(t *testing.T) {
	gw, _, _, _ := newTestGateway(t)

	tests := []struct {
		name    string
		to      string
		content string
		wantErr error
	}{
		{"empty content", "+15550105", "", models.ErrEmptyContent},
		{"oversized content", "+15550105", strings.Repeat("x", models.MaxMessageLength+1), models.ErrContentTooLong},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := gw.Send(context.Background(), tc.to, tc.content, models.MessageTypeChat, nil)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	if _, _, err := gw.Send(context.Background(), "", "hi", models.MessageTypeChat, nil); err == nil {
		t.Error("expected error for empty recipient")
	}
}

type fakeSMSClient struct {
	sid string
}

func (f *fakeSMSClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	return f.sid, nil
}

func TestGatewayCorrelatesTwilioStatusCallback(t *testing.T) {
	st := store.NewInMemoryStore()
	svc := NewTwilioService(&fakeSMSClient{sid: "SM123"})
	gw := NewGateway(st, ratelimit.NewLimiter(st), svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Run(ctx)

	id, denial, err := gw.Send(context.Background(), "+1 (555) 010-0200", "hello", models.MessageTypeChat, nil)
	if err != nil || denial != nil {
		t.Fatalf("Send blocked: denial=%v err=%v", denial, err)
	}

	msgs := st.MessagesTo("15550100200")
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("expected one recorded message with id %s, got %v", id, msgs)
	}
	if msgs[0].Metadata["provider_sid"] != "SM123" {
		t.Fatalf("expected provider sid recorded in metadata, got %v", msgs[0].Metadata)
	}

	// The delivery callback is keyed by the Twilio SID, not the local id.
	form := url.Values{
		"To":            {"+15550100200"},
		"MessageSid":    {"SM123"},
		"MessageStatus": {"delivered"},
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	svc.StatusCallbackHandler(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("callback status = %d, want 200", rr.Code)
	}

	// The receipt loop applies the update asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs = st.MessagesTo("15550100200")
		if len(msgs) == 1 && msgs[0].Status == models.MessageStatusDelivered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message never marked delivered: %+v", msgs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGatewayRecordInbound(t *testing.T) {
	gw, st, _, _ := newTestGateway(t)
	id, err := gw.RecordInbound("15550106", "hi there")
	if err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}
	if id == "" {
		t.Error("expected message id")
	}
	msgs := st.Messages()
	if len(msgs) != 1 || msgs[0].Direction != models.DirectionInbound || msgs[0].Status != models.MessageStatusReceived {
		t.Fatalf("unexpected recorded message: %v", msgs)
	}
}

func TestGatewayUpdateDeliveryStatus(t *testing.T) {
	gw, st, _, _ := newTestGateway(t)
	id, denial, err := gw.Send(context.Background(), "+15550107", "msg", models.MessageTypeChat, nil)
	if err != nil || denial != nil {
		t.Fatalf("Send blocked: denial=%v err=%v", denial, err)
	}
	if err := gw.UpdateDeliveryStatus(id, models.MessageStatusDelivered); err != nil {
		t.Fatalf("UpdateDeliveryStatus failed: %v", err)
	}
	msgs := st.MessagesTo("15550107")
	if msgs[0].Status != models.MessageStatusDelivered {
		t.Errorf("expected delivered, got %s", msgs[0].Status)
	}
}
