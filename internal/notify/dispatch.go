package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/carecircle/medsync/internal/domain/medication"
	"github.com/carecircle/medsync/pkg/circuitbreaker"
)

// Directory resolves patient profiles and family grants. Satisfied by
// the store; access-grant lifecycle itself is owned externally.
type Directory interface {
	GetPatientProfile(ctx context.Context, patientID string) (*medication.PatientProfile, error)
	ListActiveGrants(ctx context.Context, patientID string) ([]*medication.FamilyAccessGrant, error)
}

// RecipientResult records one recipient's delivery outcome.
type RecipientResult struct {
	Recipient Recipient `json:"recipient"`
	Method    string    `json:"method"`
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
}

// Result aggregates a dispatch call. ResolveError is set when the
// recipient list is incomplete because family grants could not be read.
type Result struct {
	TotalSent    int               `json:"total_sent"`
	TotalFailed  int               `json:"total_failed"`
	PerRecipient []RecipientResult `json:"per_recipient"`
	ResolveError string            `json:"resolve_error,omitempty"`
}

// ErrNoChannels indicates no configured channel matched any recipient.
var ErrNoChannels = errors.New("no delivery channel available")

// Dispatcher fans a notification out to the patient and permitted
// family recipients. One recipient's failure never blocks the others.
type Dispatcher struct {
	directory Directory
	channels  map[string]Channel
	breakers  *circuitbreaker.Manager
	logger    *zap.Logger
	fallback  string // method used when a recipient has no preference
}

// NewDispatcher creates a Dispatcher over the given channels.
func NewDispatcher(directory Directory, channels []Channel, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	byMethod := make(map[string]Channel, len(channels))
	for _, c := range channels {
		byMethod[c.Method()] = c
	}
	return &Dispatcher{
		directory: directory,
		channels:  byMethod,
		breakers:  circuitbreaker.NewManager(logger),
		logger:    logger,
		fallback:  MethodPush,
	}
}

// ResolveRecipients returns the patient plus every active family grant
// permitted to receive notifications.
func (d *Dispatcher) ResolveRecipients(ctx context.Context, patientID string) ([]Recipient, error) {
	var recipients []Recipient

	patient := Recipient{ID: patientID, Role: "patient"}
	if profile, err := d.directory.GetPatientProfile(ctx, patientID); err == nil {
		patient.PreferredMethods = profile.PreferredMethods
	}
	recipients = append(recipients, patient)

	grants, err := d.directory.ListActiveGrants(ctx, patientID)
	if err != nil {
		return recipients, fmt.Errorf("resolve family grants: %w", err)
	}
	for _, g := range grants {
		if !g.Permissions.CanReceiveNotifications {
			continue
		}
		recipients = append(recipients, Recipient{
			ID:               g.FamilyMemberID,
			Role:             "family",
			PreferredMethods: g.PreferredMethods,
		})
	}
	return recipients, nil
}

// Send resolves recipients and dispatches through each one's preferred
// channel. Single best-effort attempt per recipient. When family grants
// cannot be read the patient is still notified and the result carries
// the resolution error.
func (d *Dispatcher) Send(ctx context.Context, n *Notification) (*Result, error) {
	recipients, err := d.ResolveRecipients(ctx, n.PatientID)
	if err != nil && len(recipients) == 0 {
		return nil, err
	}
	res, sendErr := d.SendTo(ctx, n, recipients)
	if err != nil {
		d.logger.Warn("family recipient resolution incomplete",
			zap.String("patient_id", n.PatientID),
			zap.Error(err))
		if res != nil {
			res.ResolveError = err.Error()
		}
	}
	return res, sendErr
}

// SendTo dispatches to an already-resolved recipient list.
func (d *Dispatcher) SendTo(ctx context.Context, n *Notification, recipients []Recipient) (*Result, error) {
	res := &Result{}
	for _, r := range recipients {
		method, ch := d.selectChannel(r)
		rr := RecipientResult{Recipient: r, Method: method}
		if ch == nil {
			rr.Error = ErrNoChannels.Error()
			res.TotalFailed++
			res.PerRecipient = append(res.PerRecipient, rr)
			continue
		}

		if err := d.sendThrough(ctx, ch, r, n); err != nil {
			rr.Error = err.Error()
			res.TotalFailed++
			d.logger.Warn("notification delivery failed",
				zap.String("recipient", r.ID),
				zap.String("method", method),
				zap.Error(err))
		} else {
			rr.Delivered = true
			res.TotalSent++
		}
		res.PerRecipient = append(res.PerRecipient, rr)
	}
	return res, nil
}

// selectChannel picks the first preferred method with a configured
// channel, falling back to the dispatcher default.
func (d *Dispatcher) selectChannel(r Recipient) (string, Channel) {
	for _, m := range r.PreferredMethods {
		if ch, ok := d.channels[m]; ok {
			return m, ch
		}
	}
	if ch, ok := d.channels[d.fallback]; ok {
		return d.fallback, ch
	}
	return d.fallback, nil
}

// sendThrough runs the channel call inside its per-method breaker so a
// failing transport sheds load instead of stalling ticks.
func (d *Dispatcher) sendThrough(ctx context.Context, ch Channel, r Recipient, n *Notification) error {
	cb, err := d.breakers.GetOrCreate(ch.Method(), circuitbreaker.DefaultConfig(ch.Method()))
	if err != nil {
		return ch.Send(ctx, r, n)
	}
	_, err = cb.Execute(ctx, func() (interface{}, error) {
		return nil, ch.Send(ctx, r, n)
	})
	return err
}
