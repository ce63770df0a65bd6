package updater

// State is a step of the install state machine.
type State string

const (
	StateIdle              State = "idle"
	StatePermissionChecked State = "permission_checked"
	StateLockAcquired      State = "lock_acquired"
	StateDownloaded        State = "downloaded"
	StateVerified          State = "verified"
	StateBackedUp          State = "backed_up"
	StateInstalled         State = "installed"
	StateRollingBack       State = "rolling_back"
	StateFatal             State = "fatal"
)

// StateObserver is notified of every state transition. It is called
// synchronously and must not block.
type StateObserver func(from, to State)
