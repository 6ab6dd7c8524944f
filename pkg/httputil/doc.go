// Package httputil provides the HTTP client used for manifest, central
// directory and tile fetches.
//
// # Overview
//
// [Client] wraps an *http.Client with three operations:
//
//   - [Client.GetJSON]: fetch and decode a JSON document
//   - [Client.Get]: fetch a whole resource (manifests, the fallback asset)
//   - [Client.FetchRange]: fetch an inclusive byte range with a Range header
//
// # Range Requests
//
// FetchRange sends "Range: bytes=start-end" and accepts two answers:
//
//   - 206 Partial Content with exactly end-start+1 bytes
//   - 200 OK from servers that ignore ranges; the range is cut out of the
//     full body, which must cover it
//
// Any other status is reported as [ErrUnexpectedStatus]; a body of the wrong
// size is [ErrShortBody]. Nothing is retried.
//
// # Cancellation and Timeouts
//
// Every call runs under the client's timeout (default [DefaultTimeout]) in
// addition to the caller's context. The two outcomes stay distinct:
//
//   - the caller cancelled ctx: the error wraps [ErrCancelled] and context.Canceled
//   - the timeout (or a caller deadline) expired: the error wraps [ErrTimeout]
//
// A cancelled call aborts the underlying connection.
package httputil
