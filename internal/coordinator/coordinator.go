// Package coordinator keeps the object store, the metadata store and the
// cache consistent across file mutations.
//
// Every mutation runs in four phases: validate preconditions, open a metadata
// unit of work, perform the object-store step followed by the metadata step,
// then commit. Only after a successful commit is the cache updated. Any
// failure before the commit aborts the unit of work, so no metadata change
// becomes visible unless the matching blob write succeeded.
//
// Blob writes are not rolled back. A successful Put followed by a metadata
// failure leaves an orphan blob that internal/cleanup reconciles later.
package coordinator

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zynqcloud/go-filestore/internal/cache"
	"github.com/zynqcloud/go-filestore/internal/filemeta"
	"github.com/zynqcloud/go-filestore/internal/metastore"
	"github.com/zynqcloud/go-filestore/internal/metrics"
	"github.com/zynqcloud/go-filestore/internal/store"
)

// ObjectStore is the subset of store.Backend the coordinator needs.
type ObjectStore interface {
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64) (store.PutResult, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, store.ObjectInfo, error)
	Remove(ctx context.Context, bucket, key string) error
}

// MetadataStore is the subset of *metastore.Store the coordinator needs.
type MetadataStore interface {
	Begin(ctx context.Context) (metastore.UnitOfWork, error)
	FindByName(ctx context.Context, name string) (filemeta.Record, bool, error)
	FindMatching(ctx context.Context, f filemeta.Filter) ([]filemeta.Record, error)
}

// Operation names used in errors, logs and metrics.
const (
	OpUpload        = "upload"
	OpFetch         = "fetch"
	OpFetchMetadata = "fetch_metadata"
	OpUpdate        = "update"
	OpDelete        = "delete"
	OpSearch        = "search"
)

// cacheSyncTimeout bounds post-commit cache maintenance, which runs detached
// from the request context so a client disconnect cannot leave stale entries.
const cacheSyncTimeout = 5 * time.Second

// File is the input of Upload and Update.
type File struct {
	// Name is the file name without extension.
	Name string
	// Extension is everything after the first dot of the original name.
	Extension string
	// Body streams the file bytes. A nil Body means no file was supplied.
	Body io.Reader
	// Size is the byte count of Body.
	Size int64
}

// FileFromUpload splits an uploaded file name into a File.
func FileFromUpload(originalName string, body io.Reader, size int64) File {
	name, ext, _ := filemeta.SplitName(originalName)
	return File{Name: name, Extension: ext, Body: body, Size: size}
}

// Object is the result of Fetch. The caller must close Body.
type Object struct {
	Body        io.ReadCloser
	ContentType string
	// Size is the byte length, or -1 when unknown.
	Size int64
}

// Coordinator sequences mutations across the three stores.
type Coordinator struct {
	objects ObjectStore
	meta    MetadataStore
	cache   cache.Cache

	bucket    string
	namespace string
	ttl       time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
	locks     *keyLocks
}

// New creates a Coordinator. A nil cache disables caching.
func New(objects ObjectStore, meta MetadataStore, c cache.Cache, opts ...Option) *Coordinator {
	co := defaults()
	for _, o := range opts {
		o(co)
	}
	co.objects = objects
	co.meta = meta
	co.cache = c
	if co.cache == nil {
		co.cache = cache.Nop{}
	}
	return co
}

// Bucket returns the object-store bucket the coordinator writes to.
func (c *Coordinator) Bucket() string { return c.bucket }

// Upload stores a new file and its metadata record.
func (c *Coordinator) Upload(ctx context.Context, f File) (rec filemeta.Record, err error) {
	defer func() { c.record(OpUpload, err) }()

	if err := validateFile(OpUpload, f); err != nil {
		return filemeta.Record{}, err
	}
	key := filemeta.ObjectKey(f.Name, f.Extension)
	defer c.locks.lock(f.Name)()

	exists, err := c.objects.Exists(ctx, c.bucket, key)
	if err != nil {
		return filemeta.Record{}, newErr(UpstreamFailure, OpUpload, "Failed to check the object store", err)
	}
	if exists {
		return filemeta.Record{}, newErr(Conflict, OpUpload, "File already exists in the bucket.", nil)
	}
	// A record under the same name with another extension would make the
	// metadata create fail after the blob is already written.
	if _, found, err := c.meta.FindByName(ctx, f.Name); err != nil {
		return filemeta.Record{}, newErr(UpstreamFailure, OpUpload, "Failed to read the database", err)
	} else if found {
		return filemeta.Record{}, newErr(Conflict, OpUpload, "File already exists in the database.", nil)
	}

	uow, err := c.meta.Begin(ctx)
	if err != nil {
		return filemeta.Record{}, newErr(UpstreamFailure, OpUpload, "Failed to open a database session", err)
	}

	const failed = "Failed to upload the file or save the data into the database"
	res, err := c.objects.Put(ctx, c.bucket, key, f.Body, f.Size)
	if err != nil {
		c.abort(ctx, OpUpload, uow)
		return filemeta.Record{}, newErr(UpstreamFailure, OpUpload, failed, err)
	}
	if res.ETag == "" {
		c.abort(ctx, OpUpload, uow)
		return filemeta.Record{}, newErr(UpstreamFailure, OpUpload, failed, errors.New("object store returned no etag"))
	}

	rec = filemeta.Record{FileName: f.Name, FileExtension: f.Extension, FileSize: filemeta.SizeKB(f.Size)}
	if err := uow.Create(ctx, rec); err != nil {
		c.abort(ctx, OpUpload, uow)
		if errors.Is(err, metastore.ErrExists) {
			return filemeta.Record{}, newErr(Conflict, OpUpload, "File already exists in the database.", err)
		}
		return filemeta.Record{}, newErr(UpstreamFailure, OpUpload, failed, err)
	}
	if err := uow.Commit(ctx); err != nil {
		c.abort(ctx, OpUpload, uow)
		return filemeta.Record{}, newErr(UpstreamFailure, OpUpload, failed, err)
	}

	c.metrics.Written(res.Size)
	c.logger.Info("file uploaded",
		zap.String("file", key), zap.Float64("size_kb", rec.FileSize), zap.String("etag", res.ETag))
	c.syncCache(ctx, rec.FileName, &rec)
	return rec, nil
}

// Fetch opens the stored object named "{name}.{extension}".
func (c *Coordinator) Fetch(ctx context.Context, objectName string) (obj Object, err error) {
	defer func() { c.record(OpFetch, err) }()

	objectName = strings.TrimSpace(objectName)
	if objectName == "" {
		return Object{}, newErr(InvalidRequest, OpFetch, "Filename is required.", nil)
	}
	body, info, err := c.objects.Get(ctx, c.bucket, objectName)
	if err != nil {
		return Object{}, newErr(NotFound, OpFetch, "File not found.", err)
	}
	return Object{Body: body, ContentType: store.ContentType(objectName), Size: info.Size}, nil
}

// FetchMetadata returns the metadata record for name, reading through the cache.
func (c *Coordinator) FetchMetadata(ctx context.Context, name string) (rec filemeta.Record, err error) {
	defer func() { c.record(OpFetchMetadata, err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return filemeta.Record{}, newErr(InvalidRequest, OpFetchMetadata, "File name is required.", nil)
	}
	key := cache.EntityKey(name)
	version := c.version(ctx, cache.VersionKey(key))
	if c.cacheGet(ctx, "entity", key, version, &rec) {
		return rec, nil
	}

	rec, found, err := c.meta.FindByName(ctx, name)
	if err != nil {
		return filemeta.Record{}, newErr(UpstreamFailure, OpFetchMetadata, "Failed to read the database", err)
	}
	if !found {
		return filemeta.Record{}, newErr(NotFound, OpFetchMetadata, "File "+name+" not found in the database.", nil)
	}
	c.cacheSet(ctx, key, version, rec)
	return rec, nil
}

// Update replaces the bytes of an existing file and rewrites its record.
// When the extension changes, the blob under the old key is removed after commit.
func (c *Coordinator) Update(ctx context.Context, f File) (rec filemeta.Record, err error) {
	defer func() { c.record(OpUpdate, err) }()

	if err := validateFile(OpUpdate, f); err != nil {
		return filemeta.Record{}, err
	}
	defer c.locks.lock(f.Name)()

	old, found, err := c.meta.FindByName(ctx, f.Name)
	if err != nil {
		return filemeta.Record{}, newErr(UpstreamFailure, OpUpdate, "Failed to read the database", err)
	}
	if !found {
		return filemeta.Record{}, newErr(NotFound, OpUpdate, "File metadata not found", nil)
	}
	oldKey := old.ObjectKey()
	exists, err := c.objects.Exists(ctx, c.bucket, oldKey)
	if err != nil {
		return filemeta.Record{}, newErr(UpstreamFailure, OpUpdate, "Failed to check the object store", err)
	}
	if !exists {
		return filemeta.Record{}, newErr(NotFound, OpUpdate, "File not found in object store", nil)
	}

	uow, err := c.meta.Begin(ctx)
	if err != nil {
		return filemeta.Record{}, newErr(UpstreamFailure, OpUpdate, "Failed to open a database session", err)
	}

	newKey := filemeta.ObjectKey(f.Name, f.Extension)
	res, err := c.objects.Put(ctx, c.bucket, newKey, f.Body, f.Size)
	if err != nil {
		c.abort(ctx, OpUpdate, uow)
		return filemeta.Record{}, newErr(UpstreamFailure, OpUpdate, "Failed to upload the file to the object store", err)
	}
	if res.ETag == "" {
		c.abort(ctx, OpUpdate, uow)
		return filemeta.Record{}, newErr(UpstreamFailure, OpUpdate, "Failed to upload the file to the object store",
			errors.New("object store returned no etag"))
	}

	rec = filemeta.Record{FileName: f.Name, FileExtension: f.Extension, FileSize: filemeta.SizeKB(f.Size)}
	if err := uow.Update(ctx, rec); err != nil {
		c.abort(ctx, OpUpdate, uow)
		return filemeta.Record{}, newErr(UpstreamFailure, OpUpdate, "Failed to update the file", err)
	}
	if err := uow.Commit(ctx); err != nil {
		c.abort(ctx, OpUpdate, uow)
		return filemeta.Record{}, newErr(UpstreamFailure, OpUpdate, "Failed to update the file", err)
	}

	c.metrics.Written(res.Size)
	if oldKey != newKey {
		rctx, cancel := detached(ctx)
		if err := c.objects.Remove(rctx, c.bucket, oldKey); err != nil {
			c.logger.Warn("remove superseded object", zap.String("file", oldKey), zap.Error(err))
		}
		cancel()
	}
	c.logger.Info("file updated",
		zap.String("file", newKey), zap.Float64("size_kb", rec.FileSize), zap.String("etag", res.ETag))
	c.syncCache(ctx, rec.FileName, &rec)
	return rec, nil
}

// Delete removes the file's blob and its metadata record.
func (c *Coordinator) Delete(ctx context.Context, name string) (err error) {
	defer func() { c.record(OpDelete, err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return newErr(InvalidRequest, OpDelete, "File name is required.", nil)
	}
	defer c.locks.lock(name)()

	rec, found, err := c.meta.FindByName(ctx, name)
	if err != nil {
		return newErr(UpstreamFailure, OpDelete, "Failed to read the database", err)
	}
	if !found {
		return newErr(NotFound, OpDelete, "File not found in the database.", nil)
	}

	uow, err := c.meta.Begin(ctx)
	if err != nil {
		return newErr(UpstreamFailure, OpDelete, "Failed to open a database session", err)
	}
	if err := c.objects.Remove(ctx, c.bucket, rec.ObjectKey()); err != nil {
		c.abort(ctx, OpDelete, uow)
		return newErr(UpstreamFailure, OpDelete, "Failed to delete the file.", err)
	}
	if err := uow.Delete(ctx, name); err != nil {
		c.abort(ctx, OpDelete, uow)
		return newErr(UpstreamFailure, OpDelete, "Failed to delete the file.", err)
	}
	if err := uow.Commit(ctx); err != nil {
		c.abort(ctx, OpDelete, uow)
		return newErr(UpstreamFailure, OpDelete, "Failed to delete the file.", err)
	}

	c.logger.Info("file deleted", zap.String("file", rec.ObjectKey()))
	c.syncCache(ctx, name, nil)
	return nil
}

// Search returns the records matching params, reading through the cache.
// Only non-empty results are cached.
func (c *Coordinator) Search(ctx context.Context, params map[string]string) (recs []filemeta.Record, err error) {
	defer func() { c.record(OpSearch, err) }()

	filter, err := filemeta.ParseFilter(params)
	if err != nil {
		return nil, newErr(InvalidRequest, OpSearch, err.Error(), err)
	}
	key := cache.ComputeKey(c.namespace, filter.Params())
	version := c.version(ctx, cache.VersionKey(c.namespace))
	if c.cacheGet(ctx, "query", key, version, &recs) {
		return recs, nil
	}

	recs, err = c.meta.FindMatching(ctx, filter)
	if err != nil {
		return nil, newErr(UpstreamFailure, OpSearch, "An error occurred while searching for files.", err)
	}
	if recs == nil {
		recs = []filemeta.Record{}
	}
	if len(recs) > 0 {
		c.cacheSet(ctx, key, version, recs)
	}
	return recs, nil
}

func validateFile(op string, f File) error {
	if f.Body == nil {
		msg := "File not found"
		if op == OpUpdate {
			msg = "No file to update"
		}
		return newErr(InvalidRequest, op, msg, nil)
	}
	if strings.TrimSpace(f.Name) == "" {
		return newErr(InvalidRequest, op, "File name is required.", nil)
	}
	if strings.TrimSpace(f.Extension) == "" {
		return newErr(InvalidRequest, op, "File extension is required.", nil)
	}
	if f.Size < 0 {
		return newErr(InvalidRequest, op, "File size is invalid.", nil)
	}
	return nil
}

// abort discards uow. The unit of work may already be closed by a failed
// commit, in which case Abort is a no-op.
func (c *Coordinator) abort(ctx context.Context, op string, uow metastore.UnitOfWork) {
	actx, cancel := detached(ctx)
	defer cancel()
	if err := uow.Abort(actx); err != nil {
		c.logger.Warn("abort unit of work", zap.String("op", op), zap.Error(err))
	}
}

func (c *Coordinator) record(op string, err error) {
	c.metrics.Op(op, err)
	if err != nil && KindOf(err) == UpstreamFailure {
		c.logger.Error("operation failed", zap.String("op", op), zap.Error(err))
	}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cacheSyncTimeout)
}
