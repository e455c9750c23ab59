package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	ierrors "github.com/srebi/intake/internal/errors"
	"github.com/srebi/intake/pkg/types"
)

const (
	localObjectsDir   = "objects"
	localAttrsDir     = ".attrs"
	localMultipartDir = ".multipart"
	localUploadFile   = "upload.json"

	// LocalRoutePrefix is where Handler expects to be mounted.
	LocalRoutePrefix = "/storage/"
)

// LocalStore implements ObjectStore using the local filesystem.
// Presigned URLs point at Handler, which must be mounted under
// LocalRoutePrefix on the server reachable at publicURL.
// This is primarily used for development and testing.
type LocalStore struct {
	basePath  string
	publicURL string
	secret    []byte
	ids       *types.IDGenerator
	now       func() time.Time

	// mu serializes object writes so ConditionalPut is atomic.
	mu sync.Mutex
}

type localAttrs struct {
	ContentType string `json:"contentType"`
	ETag        string `json:"etag"`
}

type localUpload struct {
	Key         string            `json:"key"`
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// NewLocalStore creates a new local filesystem store. When secret is empty a
// random signing key is generated, so URLs do not survive a restart.
func NewLocalStore(basePath, publicURL string, secret []byte) (*LocalStore, error) {
	for _, dir := range []string{localObjectsDir, localAttrsDir, localMultipartDir} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", err)
		}
	}

	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate signing secret: %w", err)
		}
	}

	return &LocalStore{
		basePath:  basePath,
		publicURL: strings.TrimRight(publicURL, "/"),
		secret:    secret,
		ids:       types.NewIDGenerator(),
		now:       time.Now,
	}, nil
}

// CreateMultipartUpload stages a new upload directory.
func (l *LocalStore) CreateMultipartUpload(ctx context.Context, key, contentType string, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateKey(key); err != nil {
		return "", err
	}

	uploadID := l.ids.New()
	dir := l.uploadDir(uploadID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "create multipart upload", err)
	}

	data, err := json.Marshal(localUpload{
		Key:         key,
		ContentType: contentType,
		Metadata:    metadata,
		CreatedAt:   l.now().UTC(),
	})
	if err != nil {
		return "", ierrors.NewInternalError("encode upload manifest", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, localUploadFile), data); err != nil {
		return "", ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "create multipart upload", err)
	}

	return uploadID, nil
}

// PresignUploadPart returns an HMAC-signed URL served by Handler.
func (l *LocalStore) PresignUploadPart(ctx context.Context, uploadID, key string, partNumber int32, ttl time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	expires := strconv.FormatInt(l.now().Add(ttl).Unix(), 10)
	part := strconv.Itoa(int(partNumber))

	q := url.Values{}
	q.Set("uploadId", uploadID)
	q.Set("key", key)
	q.Set("partNumber", part)
	q.Set("expires", expires)
	q.Set("signature", l.sign(http.MethodPut, uploadID, key, part, expires))

	return l.publicURL + LocalRoutePrefix + "parts?" + q.Encode(), nil
}

// CompleteMultipartUpload concatenates the staged parts into the final object.
// Parts must start at 1, be contiguous, and carry the ETag returned for each
// staged part.
func (l *LocalStore) CompleteMultipartUpload(ctx context.Context, uploadID, key string, parts []types.CompletedPart) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	upload, err := l.readUpload(uploadID)
	if err != nil {
		return err
	}
	if upload.Key != key {
		return ierrors.NewStorageError(ierrors.CodeUploadNotFound, fmt.Sprintf("upload %s does not belong to %q", uploadID, key), nil)
	}
	if len(parts) == 0 {
		return ierrors.NewStorageError(ierrors.CodeIncompletePartSet, "no parts", nil)
	}

	sorted := append([]types.CompletedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	dir := l.uploadDir(uploadID)
	tmp, err := os.CreateTemp(dir, "assemble-*")
	if err != nil {
		return ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "complete multipart upload", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	partSums := make([]byte, 0, len(sorted)*md5.Size)

	for i, p := range sorted {
		if int(p.PartNumber) != i+1 {
			return ierrors.NewStorageError(ierrors.CodeIncompletePartSet,
				fmt.Sprintf("expected part %d, got %d", i+1, p.PartNumber), nil)
		}

		partPath := l.partPath(uploadID, p.PartNumber)
		data, err := os.ReadFile(partPath)
		if os.IsNotExist(err) {
			return ierrors.NewStorageError(ierrors.CodeIncompletePartSet, fmt.Sprintf("part %d was never uploaded", p.PartNumber), nil)
		}
		if err != nil {
			return ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "read part", err)
		}

		sum := md5.Sum(data)
		if hex.EncodeToString(sum[:]) != strings.Trim(p.ETag, `"`) {
			return ierrors.NewStorageError(ierrors.CodeIncompletePartSet, fmt.Sprintf("etag mismatch for part %d", p.PartNumber), nil)
		}
		partSums = append(partSums, sum[:]...)

		if _, err := tmp.Write(data); err != nil {
			return ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "assemble object", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "assemble object", err)
	}

	// Multipart ETags follow the S3 convention: md5 of the part md5s plus part count.
	combined := md5.Sum(partSums)
	etag := fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(combined[:]), len(sorted))

	dest := l.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "complete multipart upload", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "complete multipart upload", err)
	}
	if err := l.writeAttrs(key, localAttrs{ContentType: upload.ContentType, ETag: etag}); err != nil {
		return err
	}

	return os.RemoveAll(dir)
}

// AbortMultipartUpload discards staged parts. Missing or malformed upload
// ids are ignored; an upload staged for a different key is left alone.
func (l *LocalStore) AbortMultipartUpload(ctx context.Context, uploadID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	upload, err := l.readUpload(uploadID)
	if errors.Is(err, ErrUploadNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if upload.Key != key {
		return ierrors.NewStorageError(ierrors.CodeUploadNotFound, fmt.Sprintf("upload %s does not belong to %q", uploadID, key), nil)
	}
	if err := os.RemoveAll(l.uploadDir(uploadID)); err != nil {
		return ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "abort multipart upload", err)
	}
	return nil
}

// PutObject writes a whole object.
func (l *LocalStore) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.writeObject(key, body, contentType)
	return err
}

// GetObject opens an object for reading.
func (l *LocalStore) GetObject(ctx context.Context, key string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	// The open file and its attributes must come from the same write.
	l.mu.Lock()
	f, err := os.Open(l.objectPath(key))
	if os.IsNotExist(err) {
		l.mu.Unlock()
		return nil, ErrObjectNotFound
	}
	if err != nil {
		l.mu.Unlock()
		return nil, ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "get object", err)
	}
	attrs := l.readAttrs(key)
	l.mu.Unlock()

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "get object", err)
	}

	return &Object{
		Body:        f,
		ETag:        attrs.ETag,
		ContentType: attrs.ContentType,
		Size:        info.Size(),
	}, nil
}

// ConditionalPut writes only if the current ETag matches, or if the object is
// absent when etag is empty. The check and write happen under one lock.
func (l *LocalStore) ConditionalPut(ctx context.Context, key string, body []byte, contentType, etag string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateKey(key); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, statErr := os.Stat(l.objectPath(key))
	exists := statErr == nil

	if etag == "" {
		if exists {
			return "", ErrPreconditionFailed
		}
	} else {
		if !exists || l.readAttrs(key).ETag != etag {
			return "", ErrPreconditionFailed
		}
	}

	return l.writeObject(key, body, contentType)
}

// DeleteObject removes an object; missing objects are ignored.
func (l *LocalStore) DeleteObject(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Remove(l.objectPath(key)); err != nil && !os.IsNotExist(err) {
		return ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "delete object", err)
	}
	_ = os.Remove(l.attrsPath(key))
	return nil
}

// ListObjects returns all object keys under the given prefix.
func (l *LocalStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root := filepath.Join(l.basePath, localObjectsDir)
	searchDir := root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		searchDir = filepath.Join(root, filepath.FromSlash(prefix[:i]))
	}

	var keys []string
	err := filepath.Walk(searchDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) && !strings.Contains(path.Base(key), ".tmp-") {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "list objects", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// PresignGetObject returns an HMAC-signed download URL served by Handler.
func (l *LocalStore) PresignGetObject(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	expires := strconv.FormatInt(l.now().Add(ttl).Unix(), 10)
	q := url.Values{}
	q.Set("key", key)
	q.Set("expires", expires)
	q.Set("signature", l.sign(http.MethodGet, key, expires))

	return l.publicURL + LocalRoutePrefix + "objects?" + q.Encode(), nil
}

// Handler serves the presigned part uploads and downloads.
func (l *LocalStore) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT "+LocalRoutePrefix+"parts", l.handlePutPart)
	mux.HandleFunc("OPTIONS "+LocalRoutePrefix+"parts", l.handlePreflight)
	mux.HandleFunc("GET "+LocalRoutePrefix+"objects", l.handleGetObject)
	return mux
}

func (l *LocalStore) handlePreflight(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Access-Control-Allow-Methods", "PUT, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length")
	w.WriteHeader(http.StatusNoContent)
}

func (l *LocalStore) handlePutPart(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	q := r.URL.Query()
	uploadID, key, part, expires := q.Get("uploadId"), q.Get("key"), q.Get("partNumber"), q.Get("expires")

	if !l.verify(q.Get("signature"), expires, http.MethodPut, uploadID, key, part, expires) {
		http.Error(w, "signature does not match or has expired", http.StatusForbidden)
		return
	}

	partNumber, err := strconv.Atoi(part)
	if err != nil || partNumber < 1 || partNumber > types.MaxPartNumber {
		http.Error(w, "invalid part number", http.StatusBadRequest)
		return
	}

	upload, err := l.readUpload(uploadID)
	if err != nil || upload.Key != key {
		http.Error(w, "no such upload", http.StatusNotFound)
		return
	}

	etag, err := l.writePart(uploadID, int32(partNumber), r.Body)
	if err != nil {
		http.Error(w, "failed to store part", http.StatusInternalServerError)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

func (l *LocalStore) handleGetObject(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	q := r.URL.Query()
	key, expires := q.Get("key"), q.Get("expires")

	if !l.verify(q.Get("signature"), expires, http.MethodGet, key, expires) {
		http.Error(w, "signature does not match or has expired", http.StatusForbidden)
		return
	}

	obj, err := l.GetObject(r.Context(), key)
	if err != nil {
		http.Error(w, "no such key", http.StatusNotFound)
		return
	}
	defer obj.Body.Close()

	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	if obj.ETag != "" {
		w.Header().Set("ETag", obj.ETag)
	}
	_, _ = io.Copy(w, obj.Body)
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", "ETag")
}

func (l *LocalStore) writePart(uploadID string, partNumber int32, body io.Reader) (string, error) {
	dir := l.uploadDir(uploadID)
	tmp, err := os.CreateTemp(dir, fmt.Sprintf("%d.part.tmp-*", partNumber))
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	hash := md5.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), body); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	// Re-uploading a part replaces it, matching S3.
	if err := os.Rename(tmp.Name(), l.partPath(uploadID, partNumber)); err != nil {
		return "", err
	}
	return `"` + hex.EncodeToString(hash.Sum(nil)) + `"`, nil
}

func (l *LocalStore) sign(fields ...string) string {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(strings.Join(fields, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *LocalStore) verify(signature, expires string, fields ...string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || l.now().Unix() > exp {
		return false
	}
	want, err := hex.DecodeString(l.sign(fields...))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

// writeObject must be called with l.mu held.
func (l *LocalStore) writeObject(key string, body []byte, contentType string) (string, error) {
	dest := l.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "put object", err)
	}
	if err := writeFileAtomic(dest, body); err != nil {
		return "", ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "put object", err)
	}

	sum := md5.Sum(body)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	if err := l.writeAttrs(key, localAttrs{ContentType: contentType, ETag: etag}); err != nil {
		return "", err
	}
	return etag, nil
}

func (l *LocalStore) writeAttrs(key string, attrs localAttrs) error {
	data, err := json.Marshal(attrs)
	if err != nil {
		return ierrors.NewInternalError("encode object attributes", err)
	}
	p := l.attrsPath(key)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "write object attributes", err)
	}
	if err := writeFileAtomic(p, data); err != nil {
		return ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "write object attributes", err)
	}
	return nil
}

// readAttrs falls back to hashing the object when the sidecar is missing.
func (l *LocalStore) readAttrs(key string) localAttrs {
	var attrs localAttrs
	if data, err := os.ReadFile(l.attrsPath(key)); err == nil && json.Unmarshal(data, &attrs) == nil {
		return attrs
	}
	if data, err := os.ReadFile(l.objectPath(key)); err == nil {
		sum := md5.Sum(data)
		attrs.ETag = `"` + hex.EncodeToString(sum[:]) + `"`
	}
	return attrs
}

func (l *LocalStore) readUpload(uploadID string) (*localUpload, error) {
	if uploadID == "" || strings.ContainsAny(uploadID, `/\.`) {
		return nil, ErrUploadNotFound
	}
	data, err := os.ReadFile(filepath.Join(l.uploadDir(uploadID), localUploadFile))
	if os.IsNotExist(err) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "read upload manifest", err)
	}

	var upload localUpload
	if err := json.Unmarshal(data, &upload); err != nil {
		return nil, ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "decode upload manifest", err)
	}
	return &upload, nil
}

func (l *LocalStore) objectPath(key string) string {
	return filepath.Join(l.basePath, localObjectsDir, filepath.FromSlash(key))
}

func (l *LocalStore) attrsPath(key string) string {
	return filepath.Join(l.basePath, localAttrsDir, filepath.FromSlash(key)+".json")
}

func (l *LocalStore) uploadDir(uploadID string) string {
	return filepath.Join(l.basePath, localMultipartDir, uploadID)
}

func (l *LocalStore) partPath(uploadID string, partNumber int32) string {
	return filepath.Join(l.uploadDir(uploadID), fmt.Sprintf("%d.part", partNumber))
}

// validateKey rejects keys that would escape the store root.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") || len(key) > 1024 {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." {
			return ErrInvalidKey
		}
	}
	return nil
}

func writeFileAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
