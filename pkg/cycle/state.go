package cycle

// State names one node of the update-cycle state machine.
type State string

const (
	StateUnprovisioned          State = "Unprovisioned"
	StateSendingDeviceData      State = "SendingDeviceData"
	StateIdle                   State = "Idle"
	StateSendingManifest        State = "SendingManifest"
	StateCheckingForUpdates     State = "CheckingForUpdates"
	StateDownloading            State = "Downloading"
	StateInstalling             State = "Installing"
	StateCheckingForUpdatesOffline State = "CheckingForUpdatesOffline"
	StateFetchingImagesOffline   State = "FetchingImagesOffline"
	StateInstallingOffline       State = "InstallingOffline"
	StateAwaitReboot             State = "AwaitReboot"
)

// Result is the aggregated outcome of one completed cycle iteration.
type Result string

const (
	ResultNoUpdates        Result = "NoUpdates"
	ResultUpdatesInstalled Result = "UpdatesInstalled"
	ResultUpdateFailed     Result = "UpdateFailed"
	ResultRebootRequired   Result = "RebootRequired"
	ResultCancelled        Result = "Cancelled"
)

// onlineStates is the set of states the offline-media probe is allowed
// to preempt.
var onlineStates = map[State]bool{
	StateUnprovisioned:      true,
	StateSendingDeviceData:  true,
	StateIdle:               true,
	StateSendingManifest:    true,
	StateCheckingForUpdates: true,
	StateDownloading:        true,
	StateInstalling:         true,
}
