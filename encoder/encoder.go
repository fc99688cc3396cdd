package encoder

import "context"

// Encoder converts the typed records of one batch into a binary object.
//
// Implementations must be safe for concurrent use unless documented otherwise.
type Encoder[T any] interface {
	Encode(ctx context.Context, items []T) ([]byte, error)
	FileExtension() string
	ContentType() string
}
