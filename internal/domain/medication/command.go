// Package medication implements the medication command/event data model.
package medication

import (
	"errors"
	"time"
)

// CommandType represents the recorded intent of a command
type CommandType string

const (
	CommandCreate CommandType = "create"
	CommandUpdate CommandType = "update"
	CommandPause  CommandType = "pause"
	CommandResume CommandType = "resume"
	CommandDelete CommandType = "delete"
)

// CommandStatus represents the current lifecycle state of a command
type CommandStatus string

const (
	StatusActive  CommandStatus = "active"
	StatusPaused  CommandStatus = "paused"
	StatusDeleted CommandStatus = "deleted"
)

// Frequency describes how often scheduled times repeat
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// Default constants for unset command fields
const (
	DefaultGraceMinutes = 30
)

// DefaultReminderOffsets are the minutes-before-due offsets used when a
// command has reminders enabled but no explicit offsets configured.
var DefaultReminderOffsets = []int{15, 5}

// Descriptor holds the medication details carried by a command
type Descriptor struct {
	Name           string    `json:"name"`
	DosageAmount   string    `json:"dosage_amount"`
	Frequency      Frequency `json:"frequency"`
	ScheduledTimes []string  `json:"scheduled_times"` // "HH:MM" in the patient's local timezone
}

// ReminderSettings controls pre-dose reminder behavior
type ReminderSettings struct {
	Enabled       bool  `json:"enabled"`
	MinutesBefore []int `json:"minutes_before,omitempty"`
}

// GracePeriod is the tolerance window before a dose counts as missed
type GracePeriod struct {
	DefaultMinutes int `json:"default_minutes"`
}

// Command is one medication-management intent. Immutable once written
// except for Status; deletion is terminal and cascades.
type Command struct {
	ID          string           `json:"id"`
	PatientID   string           `json:"patient_id"`
	Type        CommandType      `json:"command_type"`
	Medication  Descriptor       `json:"medication"`
	Reminders   ReminderSettings `json:"reminders"`
	GracePeriod GracePeriod      `json:"grace_period"`
	Status      CommandStatus    `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ErrInvalidCommand indicates a command that fails basic validation
var ErrInvalidCommand = errors.New("invalid medication command")

// Validate checks the fields required before a command may be appended
func (c *Command) Validate() error {
	if c.PatientID == "" {
		return errors.Join(ErrInvalidCommand, errors.New("patient id is required"))
	}
	if c.Medication.Name == "" {
		return errors.Join(ErrInvalidCommand, errors.New("medication name is required"))
	}
	if len(c.Medication.ScheduledTimes) == 0 {
		return errors.Join(ErrInvalidCommand, errors.New("at least one scheduled time is required"))
	}
	for _, t := range c.Medication.ScheduledTimes {
		if _, err := time.Parse("15:04", t); err != nil {
			return errors.Join(ErrInvalidCommand, errors.New("scheduled time must be HH:MM: "+t))
		}
	}
	return nil
}

// ReminderOffsets returns the configured minutes-before offsets,
// falling back to the defaults when unset.
func (c *Command) ReminderOffsets() []int {
	if len(c.Reminders.MinutesBefore) > 0 {
		return c.Reminders.MinutesBefore
	}
	return DefaultReminderOffsets
}

// GraceMinutes returns the configured grace period in minutes,
// falling back to the default when unset.
func (c *Command) GraceMinutes() int {
	if c.GracePeriod.DefaultMinutes > 0 {
		return c.GracePeriod.DefaultMinutes
	}
	return DefaultGraceMinutes
}

// PatientProfile is the slice of the patient record this subsystem reads:
// the stored IANA timezone and preferred notification methods.
type PatientProfile struct {
	PatientID        string   `json:"patient_id"`
	Timezone         string   `json:"timezone"`
	PreferredMethods []string `json:"preferred_methods"`
}

// GrantPermissions holds the permission flags on a family access grant
type GrantPermissions struct {
	CanReceiveNotifications bool `json:"can_receive_notifications"`
	CanManageMedications    bool `json:"can_manage_medications"`
}

// FamilyAccessGrant links a family member to a patient. Lifecycle is
// owned by the external access-management service; read-only here.
type FamilyAccessGrant struct {
	PatientID        string           `json:"patient_id"`
	FamilyMemberID   string           `json:"family_member_id"`
	Permissions      GrantPermissions `json:"permissions"`
	Status           string           `json:"status"`
	PreferredMethods []string         `json:"preferred_methods"`
}

// GrantStatusActive is the only grant status that receives notifications
const GrantStatusActive = "active"
