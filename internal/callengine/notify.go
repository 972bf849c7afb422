package callengine

// Notifier is the user-facing notification surface. The OS-level call
// notification is keyed by call id and dismissed when the Incoming state
// clears, whatever the reason.
type Notifier interface {
	Toast(title, description, severity string)
	IncomingCall(callID, callerName, callType string)
	DismissCall(callID string)
}

// Ringtone controls the local audio cue. StopAll must be idempotent.
type Ringtone interface {
	StopAll()
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Toast(title, description, severity string)        {}
func (NopNotifier) IncomingCall(callID, callerName, callType string) {}
func (NopNotifier) DismissCall(callID string)                        {}

// NopRingtone ignores audio cue control.
type NopRingtone struct{}

func (NopRingtone) StopAll() {}
