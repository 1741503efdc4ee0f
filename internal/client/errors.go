package client

import "errors"

// Error taxonomy for engine interaction. The queue manager classifies these
// into retry/terminal decisions: unreachable and timeout are transient,
// rejected and errored mean the input is presumed at fault, and a missing
// artifact fails the task at completion time.
var (
	ErrEngineUnreachable   = errors.New("engine unreachable")
	ErrEngineTimeout       = errors.New("engine timed out")
	ErrEngineRejected      = errors.New("engine rejected workflow")
	ErrEngineErrored       = errors.New("engine execution failed")
	ErrArtifactUnavailable = errors.New("artifact unavailable")
)
