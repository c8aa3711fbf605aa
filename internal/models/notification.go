package models

// Kind classifies a user-visible notification.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindWarning Kind = "warning"
	KindInfo    Kind = "info"
)

// NotificationEvent is handed to notification sinks.
type NotificationEvent struct {
	Kind    Kind   `json:"kind"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

// Theme is the persisted UI theme preference.
type Theme string

const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
)

// NotificationPrefs controls whether sinks receive events.
type NotificationPrefs struct {
	Enabled bool `json:"enabled"`
}

// Preferences is the locally persisted client configuration.
type Preferences struct {
	Theme         Theme             `json:"theme"`
	Notifications NotificationPrefs `json:"notifications"`
}

// DefaultPreferences is used when nothing is persisted or the stored value is
// unreadable.
func DefaultPreferences() Preferences {
	return Preferences{
		Theme:         ThemeDark,
		Notifications: NotificationPrefs{Enabled: true},
	}
}

// Normalize replaces unknown values with defaults.
func (p Preferences) Normalize() Preferences {
	if p.Theme != ThemeDark && p.Theme != ThemeLight {
		p.Theme = ThemeDark
	}
	return p
}
