package fetcher

import "errors"

var (
	// ErrRequest covers everything before a response arrives: DNS, connect, TLS, timeouts.
	ErrRequest = errors.New("upstream request failed")

	// ErrDecode means the response body is not a single valid JSON value. This includes
	// empty bodies, which is what most non-2xx responses without content produce.
	ErrDecode = errors.New("upstream response is not valid JSON")

	// ErrEncode means the decoded value could not be serialised back to JSON.
	ErrEncode = errors.New("failed to re-encode response")

	// ErrWrite means the encoded line could not be written to the output.
	ErrWrite = errors.New("failed to write output")
)
