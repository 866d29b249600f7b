package store

import (
	"errors"
	"net"
	"net/http"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// isUnauthorized reports whether err represents an HTTP 401/403 response
// from the object store, distinguishing credential/permission failures
// from generic errors per the error-handling taxonomy.
func isUnauthorized(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		return status == http.StatusUnauthorized || status == http.StatusForbidden
	}
	return false
}

// isNetworkError reports whether err represents a transport-level failure
// (connection refused, DNS failure, timeout) rather than an API-level error.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *smithy.OperationError
	if errors.As(err, &opErr) {
		var netErr2 net.Error
		return errors.As(opErr.Err, &netErr2)
	}
	return false
}
