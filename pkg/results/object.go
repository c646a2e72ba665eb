package results

import "context"

// ObjectStore externalizes a completed result to durable object storage.
// Put returns the URI the completion records as its resultLocation.
type ObjectStore interface {
	Put(ctx context.Context, requestID string, data []byte, mime string) (uri string, err error)
}
