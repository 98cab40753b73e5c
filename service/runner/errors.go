package runner

import (
	"errors"

	"github.com/backfila/backfila/service/client"
)

// runBatchError is a failure reported by the client service in a RunBatch response.
type runBatchError struct {
	stackTrace string
}

func (*runBatchError) Error() string {
	return "client service failed to run batch"
}

const (
	clientExceptionKind = "client exception"
	timeoutKind         = "timeout"
	rpcErrorKind        = "RPC error"
)

// classify returns how a failure is described in the event log, along with its details.
func classify(err error) (string, string) {
	var rbErr *runBatchError
	switch {
	case errors.As(err, &rbErr):
		return clientExceptionKind, rbErr.stackTrace
	case errors.Is(err, client.ErrTimeout):
		return timeoutKind, err.Error()
	default:
		return rpcErrorKind, err.Error()
	}
}
