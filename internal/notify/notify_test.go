package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	apperrors "github.com/dentaldesk/syncd/internal/errors"
	"github.com/dentaldesk/syncd/internal/models"
)

// =====================================================
// HTTP gateway
// =====================================================

// TestHTTPGateway_Send verifies the request shape.
func TestHTTPGateway_Send(t *testing.T) {
	var got gatewayRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := NewHTTPGateway(GatewayConfig{URL: srv.URL, APIKey: "k", From: "+15550000000"})
	if err := g.Send(context.Background(), Message{To: "+15551234567", Body: "hi"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.To != "+15551234567" || got.Body != "hi" || got.From != "+15550000000" {
		t.Errorf("request = %+v", got)
	}
	if auth != "Bearer k" {
		t.Errorf("Authorization = %q", auth)
	}
}

// TestHTTPGateway_errors verifies status codes map to error codes.
func TestHTTPGateway_errors(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	g := NewHTTPGateway(GatewayConfig{URL: srv.URL})

	err := g.Send(context.Background(), Message{To: "+1", Body: "x"})
	if !apperrors.Is(err, apperrors.ErrValidationRejected) {
		t.Errorf("400: error = %v, want VALIDATION_REJECTED", err)
	}

	status = http.StatusServiceUnavailable
	err = g.Send(context.Background(), Message{To: "+1", Body: "x"})
	if !apperrors.Is(err, apperrors.ErrTransientNetwork) {
		t.Errorf("503: error = %v, want TRANSIENT_NETWORK", err)
	}

	status = http.StatusTooManyRequests
	err = g.Send(context.Background(), Message{To: "+1", Body: "x"})
	if !apperrors.Is(err, apperrors.ErrTransientNetwork) {
		t.Errorf("429: error = %v, want TRANSIENT_NETWORK", err)
	}
}

// TestHTTPGateway_notConfigured verifies an empty URL is refused.
func TestHTTPGateway_notConfigured(t *testing.T) {
	g := NewHTTPGateway(GatewayConfig{})
	if g.IsConfigured() {
		t.Fatal("IsConfigured() = true without URL")
	}
	err := g.Send(context.Background(), Message{To: "+1", Body: "x"})
	if !apperrors.Is(err, apperrors.ErrSyncNotConfigured) {
		t.Errorf("error = %v, want SYNC_NOT_CONFIGURED", err)
	}
}

// =====================================================
// Dedupe
// =====================================================

// TestRedisDedupe verifies claims are exclusive until released or expired.
func TestRedisDedupe(t *testing.T) {
	s := miniredis.RunT(t)
	d, err := NewRedisDedupe("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("NewRedisDedupe() failed: %v", err)
	}
	defer d.Close()
	ctx := context.Background()

	if ok, err := d.Claim(ctx, "a1"); err != nil || !ok {
		t.Fatalf("first Claim() = %v, %v", ok, err)
	}
	if ok, _ := d.Claim(ctx, "a1"); ok {
		t.Error("second Claim() should fail")
	}
	if !s.Exists("sms:a1") {
		t.Error("key sms:a1 not set")
	}

	if err := d.Release(ctx, "a1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if ok, _ := d.Claim(ctx, "a1"); !ok {
		t.Error("Claim() after Release should succeed")
	}

	s.FastForward(2 * time.Hour)
	if ok, _ := d.Claim(ctx, "a1"); !ok {
		t.Error("Claim() after TTL should succeed")
	}
}

// TestNewRedisDedupe_unreachable verifies connection failures are reported.
func TestNewRedisDedupe_unreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	if _, err := NewRedisDedupe("redis://"+addr, time.Hour); !apperrors.Is(err, apperrors.ErrTransientNetwork) {
		t.Errorf("error = %v, want TRANSIENT_NETWORK", err)
	}
	if _, err := NewRedisDedupe("://bad", time.Hour); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("error = %v, want INVALID_INPUT", err)
	}
}

// TestMemoryDedupe verifies in-process claims expire.
func TestMemoryDedupe(t *testing.T) {
	d := NewMemoryDedupe(time.Minute)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := d.Claim(ctx, "a1"); !ok {
		t.Fatal("first Claim() should succeed")
	}
	if ok, _ := d.Claim(ctx, "a1"); ok {
		t.Error("second Claim() should fail")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := d.Claim(ctx, "a1"); !ok {
		t.Error("Claim() after TTL should succeed")
	}
}

// =====================================================
// Notifier
// =====================================================

type fakeSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (s *fakeSender) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

func statusAction(id string, notify bool) *models.QueuedAction {
	return &models.QueuedAction{
		ID:   id,
		Kind: models.KindUpdateStatus,
		Payload: &models.UpdateStatus{
			AppointmentID: "A1",
			Status:        models.StatusCancelled,
			Reason:        "provider ill",
			NotifyPatient: notify,
			PatientPhone:  "+15551234567",
		},
	}
}

// TestNotifier_statusChange verifies a message is sent once per action.
func TestNotifier_statusChange(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, nil, "Bright Smiles")

	action := statusAction("act-1", true)
	n.ActionApplied(action, nil)
	n.Wait()
	n.ActionApplied(action, nil)
	n.Wait()

	sent := sender.messages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	want := "Bright Smiles: your appointment was cancelled (provider ill). Please call us to rebook."
	if sent[0].To != "+15551234567" || sent[0].Body != want {
		t.Errorf("message = %+v", sent[0])
	}
}

// TestNotifier_createAppointment verifies booking confirmations.
func TestNotifier_createAppointment(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, NewMemoryDedupe(0), "Clinic")

	n.ActionApplied(&models.QueuedAction{
		ID:   "act-2",
		Kind: models.KindCreateAppointment,
		Payload: &models.CreateAppointment{Appointment: models.Appointment{
			ID:            "A2",
			StartsAt:      time.Date(2025, 3, 4, 14, 30, 0, 0, time.UTC),
			NotifyPatient: true,
			PatientPhone:  "+15557654321",
		}},
	}, nil)
	n.Wait()

	sent := sender.messages()
	if len(sent) != 1 || sent[0].Body != "Clinic: your appointment is booked for Tue Mar 4 at 14:30." {
		t.Errorf("sent = %+v", sent)
	}
}

// TestNotifier_skips verifies actions without a notify flag send nothing.
func TestNotifier_skips(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, nil, "Clinic")

	n.ActionApplied(statusAction("act-3", false), nil)
	n.ActionApplied(&models.QueuedAction{
		ID:      "act-4",
		Kind:    models.KindUpdatePatient,
		Payload: &models.UpdatePatient{PatientID: "P1"},
	}, nil)
	n.Wait()

	if len(sender.messages()) != 0 {
		t.Errorf("sent = %+v, want none", sender.messages())
	}
}

// TestNotifier_failureReleasesClaim verifies a failed send can be retried.
func TestNotifier_failureReleasesClaim(t *testing.T) {
	sender := &fakeSender{err: apperrors.New(apperrors.ErrTransientNetwork, "down")}
	n := NewNotifier(sender, nil, "Clinic")

	action := statusAction("act-5", true)
	n.ActionApplied(action, nil)
	n.Wait()

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()

	n.ActionApplied(action, nil)
	n.Wait()
	if len(sender.messages()) != 1 {
		t.Errorf("sent %d messages after retry, want 1", len(sender.messages()))
	}
}
