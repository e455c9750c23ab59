// Package storage provides the object store gateway: multipart uploads with
// presigned part URLs, plain and conditional object writes, and presigned
// downloads. Backends are S3-compatible stores and the local filesystem.
package storage

import (
	"context"
	"io"
	"time"

	ierrors "github.com/srebi/intake/internal/errors"
	"github.com/srebi/intake/pkg/types"
)

// Common errors for storage operations. They match wrapped variants through
// errors.Is because IntakeError compares category and code.
var (
	ErrObjectNotFound     = ierrors.NewStorageError(ierrors.CodeObjectNotFound, "object not found", nil)
	ErrPreconditionFailed = ierrors.NewStorageError(ierrors.CodePreconditionFailed, "precondition failed", nil)
	ErrUploadNotFound     = ierrors.NewStorageError(ierrors.CodeUploadNotFound, "multipart upload not found", nil)
	ErrIncompletePartSet  = ierrors.NewStorageError(ierrors.CodeIncompletePartSet, "incomplete or invalid part set", nil)
	ErrInvalidKey         = ierrors.New(ierrors.ErrCategoryValidation, ierrors.CodeInvalidKey, "invalid object key")
	ErrStoreUnavailable   = ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "object store unavailable", nil)
)

// Object is the result of a GetObject call. The caller must close Body.
type Object struct {
	Body        io.ReadCloser
	ETag        string
	ContentType string
	Size        int64
}

// ObjectStore abstracts the object storage operations the intake service needs.
// Implementations include S3-compatible stores and the local filesystem.
type ObjectStore interface {
	// CreateMultipartUpload opens a multipart upload for key and returns its upload id.
	CreateMultipartUpload(ctx context.Context, key, contentType string, metadata map[string]string) (string, error)

	// PresignUploadPart returns a URL that accepts an HTTP PUT of one part's
	// bytes and answers with the part's ETag. No network call is made.
	PresignUploadPart(ctx context.Context, uploadID, key string, partNumber int32, ttl time.Duration) (string, error)

	// CompleteMultipartUpload assembles the parts into the final object.
	// Parts must be sorted ascending by part number.
	CompleteMultipartUpload(ctx context.Context, uploadID, key string, parts []types.CompletedPart) error

	// AbortMultipartUpload discards an upload. An upload that no longer exists
	// is not an error.
	AbortMultipartUpload(ctx context.Context, uploadID, key string) error

	// PutObject writes a whole object.
	PutObject(ctx context.Context, key string, body []byte, contentType string) error

	// GetObject reads an object. Returns ErrObjectNotFound when absent.
	GetObject(ctx context.Context, key string) (*Object, error)

	// ConditionalPut writes only if the stored object still has the given ETag.
	// An empty etag means the object must not exist yet.
	// Returns ErrPreconditionFailed when the condition does not hold.
	ConditionalPut(ctx context.Context, key string, body []byte, contentType, etag string) (string, error)

	// DeleteObject removes an object. Deleting a missing object is not an error.
	DeleteObject(ctx context.Context, key string) error

	// ListObjects returns all object keys under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)

	// PresignGetObject returns a time-limited download URL.
	PresignGetObject(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ReadAll reads and closes an object's body.
func ReadAll(obj *Object) ([]byte, error) {
	defer obj.Body.Close()
	return io.ReadAll(obj.Body)
}
