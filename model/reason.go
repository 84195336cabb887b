package model

// Reason is the machine-readable cause attached to a terminal task state.
type Reason string

const (
	ReasonInputFetchError         Reason = "input-fetch-error"
	ReasonClusterFormationTimeout Reason = "cluster-formation-timeout"
	ReasonExecutionNonzeroExit    Reason = "execution-nonzero-exit"
	ReasonExecutionTimeout        Reason = "execution-timeout"
	ReasonOutputUploadError       Reason = "output-upload-error"
	ReasonKilledByRequest         Reason = "killed-by-request"
	ReasonWorkerShutdown          Reason = "worker-shutdown-preempted"
)

// Killed reports whether the reason maps to the KILLED terminal state rather
// than FAILED.
func (r Reason) Killed() bool {
	return r == ReasonKilledByRequest || r == ReasonWorkerShutdown
}
