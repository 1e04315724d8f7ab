package protocol

// FramedResponse is everything the process produced for one command.
type FramedResponse struct {
	Seq uint64

	// Body is the stdout content before the completion trailer.
	Body []byte

	// ExitCode is the status the process reported for this command, or
	// UnknownStatus when it did not substitute the status variable.
	ExitCode int

	// Diagnostics are the stderr lines emitted for this command.
	Diagnostics []string

	// Binary is set for binary requests; Payload then holds the exact
	// bytes between the binary markers.
	Binary  bool
	Payload []byte
}

// Failed reports whether the process reported a non-zero status.
func (r *FramedResponse) Failed() bool {
	return r.ExitCode != 0 && r.ExitCode != UnknownStatus
}
