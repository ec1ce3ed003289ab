package decommission

import (
	"context"
	"time"
)

// NotifyConfig toggles notification sinks.
type NotifyConfig struct {
	InApp  bool `bson:"in_app" json:"inApp"`
	Chat   bool `bson:"chat" json:"chat"`
	Email  bool `bson:"email" json:"email"`
	Digest bool `bson:"digest" json:"digest"`
}

// Config holds the decommission settings. A zero threshold disables the
// matching candidate category.
type Config struct {
	AutoDecommission  bool          `bson:"auto_decommission" json:"autoDecommission"`
	SuspendedDays     int           `bson:"suspended_days" json:"suspendedDays"`
	AppealDays        int           `bson:"appeal_days" json:"appealDays"`
	InactiveDays      int           `bson:"inactive_days" json:"inactiveDays"`
	ReminderDays      int           `bson:"reminder_days" json:"reminderDays"`
	ReminderLeadHours int           `bson:"reminder_lead_hours" json:"reminderLeadHours"`
	HandlerTimeout    time.Duration `bson:"handler_timeout" json:"handlerTimeout"`
	Notify            NotifyConfig  `bson:"notify" json:"notify"`
}

// DefaultConfig returns the settings used when none are stored.
func DefaultConfig() Config {
	return Config{
		AutoDecommission:  false,
		SuspendedDays:     14,
		AppealDays:        30,
		InactiveDays:      60,
		ReminderDays:      3,
		ReminderLeadHours: 24,
		HandlerTimeout:    5 * time.Minute,
		Notify: NotifyConfig{
			InApp:  true,
			Chat:   true,
			Digest: true,
		},
	}
}

// SettingsLoader loads the current settings.
type SettingsLoader interface {
	LoadSettings(ctx context.Context) (Config, error)
}

// StaticSettings is a SettingsLoader that always returns itself.
type StaticSettings Config

func (s StaticSettings) LoadSettings(context.Context) (Config, error) {
	return Config(s), nil
}
