package messaging

import "errors"

// ErrNoMessage indicates a bounded blocking read elapsed without a claim.
// The consumer loop treats it as an idle poll, not a failure.
var ErrNoMessage = errors.New("no message available")
