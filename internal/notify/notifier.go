package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/dentaldesk/syncd/internal/errors"
	"github.com/dentaldesk/syncd/internal/logging"
	"github.com/dentaldesk/syncd/internal/models"
	syncpkg "github.com/dentaldesk/syncd/internal/sync"
	"github.com/dentaldesk/syncd/internal/sync/remote"
)

// Notifier sends patient SMS for applied appointment actions. It observes
// the sync engine; sends run on their own goroutines and never hold up a
// drain.
type Notifier struct {
	syncpkg.BaseObserver

	sender  Sender
	dedupe  Dedupe
	clinic  string
	timeout time.Duration
	wg      sync.WaitGroup
}

var _ syncpkg.Observer = (*Notifier)(nil)

// NewNotifier creates a Notifier. A nil dedupe falls back to MemoryDedupe.
func NewNotifier(sender Sender, dedupe Dedupe, clinic string) *Notifier {
	if dedupe == nil {
		dedupe = NewMemoryDedupe(0)
	}
	return &Notifier{
		sender:  sender,
		dedupe:  dedupe,
		clinic:  clinic,
		timeout: 30 * time.Second,
	}
}

// ActionApplied queues a message when the action asks for one.
func (n *Notifier) ActionApplied(action *models.QueuedAction, _ *remote.Document) {
	msg, ok := n.compose(action.Payload)
	if !ok {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(action.ID, msg)
	}()
}

// Wait blocks until in-flight sends finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) compose(payload models.Payload) (Message, bool) {
	switch p := payload.(type) {
	case *models.CreateAppointment:
		a := p.Appointment
		if !a.NotifyPatient || a.PatientPhone == "" {
			return Message{}, false
		}
		return Message{
			To: a.PatientPhone,
			Body: fmt.Sprintf("%s: your appointment is booked for %s.",
				n.clinic, a.StartsAt.Format("Mon Jan 2 at 15:04")),
		}, true
	case *models.UpdateStatus:
		if !p.NotifyPatient || p.PatientPhone == "" {
			return Message{}, false
		}
		return Message{To: p.PatientPhone, Body: n.statusText(p)}, true
	}
	return Message{}, false
}

func (n *Notifier) statusText(p *models.UpdateStatus) string {
	switch p.Status {
	case models.StatusConfirmed:
		return fmt.Sprintf("%s: your appointment is confirmed.", n.clinic)
	case models.StatusCancelled:
		if p.Reason != "" {
			return fmt.Sprintf("%s: your appointment was cancelled (%s). Please call us to rebook.", n.clinic, p.Reason)
		}
		return fmt.Sprintf("%s: your appointment was cancelled. Please call us to rebook.", n.clinic)
	case models.StatusNoShow:
		return fmt.Sprintf("%s: we missed you today. Please call us to rebook.", n.clinic)
	case models.StatusCheckedIn:
		return fmt.Sprintf("%s: you are checked in. We will call you shortly.", n.clinic)
	default:
		return fmt.Sprintf("%s: your appointment status is now %s.", n.clinic, p.Status)
	}
}

// deliver claims the action id, then sends. A failed send releases the
// claim so a redelivered action can try again.
func (n *Notifier) deliver(actionID string, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	claimed, err := n.dedupe.Claim(ctx, actionID)
	if err != nil {
		logging.Warn("notify: dedupe unavailable, sending anyway", map[string]interface{}{
			"action_id": actionID,
			"error":     err.Error(),
		})
	} else if !claimed {
		logging.Debug("notify: already sent", map[string]interface{}{"action_id": actionID})
		return
	}

	if err := n.sender.Send(ctx, msg); err != nil {
		logging.ErrorWithCode("notify: sms failed", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"action_id": actionID})
		if claimed {
			if rerr := n.dedupe.Release(ctx, actionID); rerr != nil {
				logging.Warn("notify: release claim failed", map[string]interface{}{
					"action_id": actionID,
					"error":     rerr.Error(),
				})
			}
		}
		return
	}

	logging.Info("notify: sms sent", map[string]interface{}{"action_id": actionID})
}
