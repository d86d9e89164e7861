package relayproxy

import (
	"errors"

	"github.com/Q1rD/relayproxy/internal/dispatch"
	"github.com/Q1rD/relayproxy/internal/worker"
)

// ErrInvalidConfig indicates a configuration that failed validation.
// The wrapped message names the offending field.
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrServerClosed is returned by Serve and ListenAndServe once Close
// has been called.
var ErrServerClosed = errors.New("server is closed")

// ErrAlreadyServing indicates a second concurrent Serve on one server.
// A server drives a single listener.
var ErrAlreadyServing = errors.New("server is already serving")

// ErrListenerFailed indicates that the listening socket reported an error
// or hangup. Serve returns it and stops accepting.
var ErrListenerFailed = dispatch.ErrListenerFailed

// ErrPoolClosed indicates a job submitted after shutdown began. The
// connection it carried is closed.
var ErrPoolClosed = worker.ErrPoolClosed

// ErrNilJob indicates a job without a function to run.
var ErrNilJob = worker.ErrNilJob
