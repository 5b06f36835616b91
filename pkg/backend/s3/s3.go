// Package s3 serves the s3 scheme from any S3-compatible endpoint through
// minio-go. URLs name the endpoint as their authority and the bucket as the
// first path segment: s3://[key:secret@]host[:port]/bucket/path/to/object.
//
// Directories are key prefixes. MakeDir writes an empty "dir/" marker object
// so that empty directories survive.
package s3

import (
	"context"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"gitlab.com/tozd/go/errors"

	"github.com/jacktea/urifs/pkg/cache"
	"github.com/jacktea/urifs/pkg/connstore"
	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/logging"
	"github.com/jacktea/urifs/pkg/uri"
	"github.com/jacktea/urifs/pkg/xerrors"
)

const (
	defaultRegion   = "us-east-1"
	defaultPartSize = 5 * 1024 * 1024
	clientTTL       = 30 * time.Minute
)

// Config configures the S3 primitive. Connection options "secure" and
// "region" override Secure and Region per authority.
type Config struct {
	Secure    bool
	Region    string
	PathStyle bool
	// PartSize is the multipart chunk used once a write outgrows one part.
	PartSize int
	// Store supplies credentials by authority. When nil the store on the
	// request context is used.
	Store connstore.Store
	// ClientCache bounds the number of live clients.
	ClientCache int
}

// Primitive implements fs.Primitive over S3.
type Primitive struct {
	cfg     Config
	clients *cache.Cache[string, *minio.Client]
}

var _ fs.Primitive = (*Primitive)(nil)

func NewPrimitive(cfg Config) *Primitive {
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = defaultPartSize
	}
	return &Primitive{
		cfg:     cfg,
		clients: cache.New[string, *minio.Client](cfg.ClientCache, clientTTL),
	}
}

// Close drops every cached client.
func (p *Primitive) Close() error {
	p.clients.Clear()
	return p.clients.Close()
}

// client returns the cached client for u's authority and credentials.
func (p *Primitive) client(ctx context.Context, u *url.URL) (*minio.Client, error) {
	store := p.cfg.Store
	if store == nil {
		store = connstore.FromContext(ctx)
	}
	conn, err := connstore.Resolve(ctx, store, u)
	if err != nil {
		return nil, err
	}
	key := strings.ToLower(u.Host) + "|" + conn.User
	if c, ok := p.clients.Get(key); ok {
		return c, nil
	}
	secure := p.cfg.Secure
	if v := conn.Option("secure", ""); v != "" {
		secure = v == "true" || v == "1"
	}
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(conn.User, conn.Password, ""),
		Secure: secure,
		Region: conn.Option("region", p.cfg.Region),
	}
	if p.cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	c, err := minio.New(u.Host, opts)
	if err != nil {
		return nil, errors.Errorf("s3 client for %s: %w", u.Host, err)
	}
	logging.FromContext(ctx).Debug().Str("endpoint", u.Host).Bool("secure", secure).Msg("s3 client created")
	p.clients.Set(key, c)
	return c, nil
}

// location splits u into bucket and object key. The key never starts or
// ends with "/".
func location(u *url.URL) (bucket, key string) {
	clean := strings.TrimPrefix(path.Clean("/"+u.Path), "/")
	bucket, key, _ = strings.Cut(clean, "/")
	return bucket, key
}

// translate maps S3 error codes onto the fs sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return errors.Errorf("%s: %w", resp.Message, fs.ErrNotFound)
	case "BucketNotEmpty":
		return errors.Errorf("%s: %w", resp.Message, fs.ErrNotEmpty)
	}
	return errors.Errorf("s3: %w", err)
}

func notFound(err error) bool {
	return errors.Is(translate(err), fs.ErrNotFound)
}

func entryURL(base *url.URL, bucket, key string, dir bool) *url.URL {
	u := uri.Clone(base)
	u.Path = "/" + bucket
	if key != "" {
		u.Path += "/" + key
	}
	if dir {
		u.Path += "/"
	}
	if bucket == "" {
		u.Path = "/"
	}
	u.RawPath = ""
	u.RawQuery = ""
	return u
}

func newInfo(u *url.URL, dir bool, size int64, mtime time.Time) fs.Info {
	info := fs.Info{
		Name:         uri.Name(u),
		URI:          u,
		Parent:       uri.Parent(u),
		Type:         fs.TypeFile,
		Size:         size,
		LastModified: mtime,
		CanRead:      fs.Bool(true),
		CanWrite:     fs.Bool(true),
		CanExecute:   fs.Bool(false),
		Hidden:       fs.Bool(false),
	}
	if dir {
		info.Type = fs.TypeDir
		info.Size = 0
	}
	return info
}

func (p *Primitive) Info(ctx context.Context, u *url.URL) (*fs.Info, error) {
	c, err := p.client(ctx, u)
	if err != nil {
		return nil, err
	}
	bucket, key := location(u)
	if bucket == "" {
		info := newInfo(entryURL(u, "", "", true), true, 0, time.Time{})
		return &info, nil
	}
	if key == "" {
		ok, err := c.BucketExists(ctx, bucket)
		if err != nil {
			return nil, translate(err)
		}
		if !ok {
			return nil, nil
		}
		info := newInfo(entryURL(u, bucket, "", true), true, 0, time.Time{})
		return &info, nil
	}
	st, err := c.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	switch {
	case err == nil:
		info := newInfo(entryURL(u, bucket, key, false), false, st.Size, st.LastModified)
		return &info, nil
	case !notFound(err):
		return nil, translate(err)
	}
	obj, found, err := p.first(ctx, c, bucket, key+"/")
	if err != nil || !found {
		return nil, err
	}
	var mtime time.Time
	if obj.Key == key+"/" {
		mtime = obj.LastModified
	}
	info := newInfo(entryURL(u, bucket, key, true), true, 0, mtime)
	return &info, nil
}

// first returns the first object under prefix, which is the directory
// marker when one exists.
func (p *Primitive) first(ctx context.Context, c *minio.Client, bucket, prefix string) (minio.ObjectInfo, bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range c.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, MaxKeys: 1, Recursive: true}) {
		if obj.Err != nil {
			if notFound(obj.Err) {
				return minio.ObjectInfo{}, false, nil
			}
			return minio.ObjectInfo{}, false, translate(obj.Err)
		}
		return obj, true, nil
	}
	return minio.ObjectInfo{}, false, nil
}

// requireParent fails unless u's parent is an existing directory.
func (p *Primitive) requireParent(ctx context.Context, op string, u *url.URL) error {
	parent := uri.Parent(u)
	if parent == nil {
		return nil
	}
	info, err := p.Info(ctx, parent)
	if err != nil {
		return err
	}
	if info == nil {
		return xerrors.E(xerrors.KindNotFound, op, parent.String())
	}
	if !info.IsDirectory() {
		return xerrors.E(xerrors.KindNotADirectory, op, parent.String())
	}
	return nil
}

func (p *Primitive) putEmpty(ctx context.Context, c *minio.Client, bucket, key string) error {
	_, err := c.PutObject(ctx, bucket, key, strings.NewReader(""), 0, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return translate(err)
}

func (p *Primitive) CreateFile(ctx context.Context, u *url.URL) error {
	bucket, key := location(u)
	if key == "" {
		return xerrors.Errorf(xerrors.KindTypeMismatch, "create", u.String(), "a bucket is a directory")
	}
	if err := p.requireParent(ctx, "create", u); err != nil {
		return err
	}
	c, err := p.client(ctx, u)
	if err != nil {
		return err
	}
	return p.putEmpty(ctx, c, bucket, key)
}

func (p *Primitive) MakeDir(ctx context.Context, u *url.URL) error {
	c, err := p.client(ctx, u)
	if err != nil {
		return err
	}
	bucket, key := location(u)
	if bucket == "" {
		return nil
	}
	if key == "" {
		err := c.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: p.cfg.Region})
		if err != nil {
			code := minio.ToErrorResponse(err).Code
			if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
				return nil
			}
		}
		return translate(err)
	}
	if err := p.requireParent(ctx, "mkdir", u); err != nil {
		return err
	}
	if _, err := c.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err == nil {
		return xerrors.Errorf(xerrors.KindTypeMismatch, "mkdir", u.String(), "exists and is not a directory")
	}
	return p.putEmpty(ctx, c, bucket, key+"/")
}

func (p *Primitive) DeleteFile(ctx context.Context, u *url.URL) error {
	c, err := p.client(ctx, u)
	if err != nil {
		return err
	}
	bucket, key := location(u)
	if key == "" {
		return xerrors.Errorf(xerrors.KindTypeMismatch, "delete", u.String(), "is a directory")
	}
	if _, err := c.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err != nil {
		return translate(err)
	}
	return translate(c.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}))
}

func (p *Primitive) RemoveDir(ctx context.Context, u *url.URL) error {
	c, err := p.client(ctx, u)
	if err != nil {
		return err
	}
	bucket, key := location(u)
	if bucket == "" {
		return xerrors.E(xerrors.KindUnsupported, "rmdir", u.String())
	}
	children, err := p.List(ctx, u)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return xerrors.E(xerrors.KindNotEmpty, "rmdir", u.String())
	}
	if key == "" {
		return translate(c.RemoveBucket(ctx, bucket))
	}
	return translate(c.RemoveObject(ctx, bucket, key+"/", minio.RemoveObjectOptions{}))
}

// RenameTo is not available on S3; moves copy and delete.
func (p *Primitive) RenameTo(context.Context, *url.URL, *url.URL) error {
	return fs.ErrNotSupported
}

// CopyFile copies server-side within one endpoint and streams between
// endpoints.
func (p *Primitive) CopyFile(ctx context.Context, source, target *url.URL) error {
	if err := p.requireParent(ctx, "copy", target); err != nil {
		return err
	}
	if strings.EqualFold(source.Host, target.Host) && userOf(source) == userOf(target) {
		c, err := p.client(ctx, target)
		if err != nil {
			return err
		}
		sb, sk := location(source)
		tb, tk := location(target)
		_, err = c.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: tb, Object: tk},
			minio.CopySrcOptions{Bucket: sb, Object: sk})
		return translate(err)
	}
	in, err := p.Read(ctx, source)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := p.Write(ctx, target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.(*objectWriter).abort(err)
		return errors.Errorf("copy %s: %w", source, err)
	}
	return out.Close()
}

func userOf(u *url.URL) string {
	if u.User == nil {
		return ""
	}
	return u.User.Username()
}

func (p *Primitive) Read(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	c, err := p.client(ctx, u)
	if err != nil {
		return nil, err
	}
	bucket, key := location(u)
	obj, err := c.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}
	// GetObject is lazy; Stat surfaces a missing key now
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, translate(err)
	}
	return obj, nil
}

func (p *Primitive) Write(ctx context.Context, u *url.URL) (io.WriteCloser, error) {
	if err := p.requireParent(ctx, "write", u); err != nil {
		return nil, err
	}
	c, err := p.client(ctx, u)
	if err != nil {
		return nil, err
	}
	bucket, key := location(u)
	return newObjectWriter(ctx, c, bucket, key, p.cfg.PartSize), nil
}

// Append rewrites the object with its current content in front; S3 objects
// cannot grow in place.
func (p *Primitive) Append(ctx context.Context, u *url.URL) (io.WriteCloser, error) {
	w, err := p.Write(ctx, u)
	if err != nil {
		return nil, err
	}
	in, err := p.Read(ctx, u)
	if errors.Is(err, fs.ErrNotFound) {
		return w, nil
	}
	if err != nil {
		w.(*objectWriter).abort(err)
		return nil, err
	}
	defer in.Close()
	if _, err := io.Copy(w, in); err != nil {
		w.(*objectWriter).abort(err)
		return nil, errors.Errorf("append %s: %w", u, err)
	}
	return w, nil
}

func (p *Primitive) List(ctx context.Context, u *url.URL) ([]fs.Info, error) {
	c, err := p.client(ctx, u)
	if err != nil {
		return nil, err
	}
	bucket, key := location(u)
	if bucket == "" {
		buckets, err := c.ListBuckets(ctx)
		if err != nil {
			return nil, translate(err)
		}
		out := make([]fs.Info, 0, len(buckets))
		for _, b := range buckets {
			out = append(out, newInfo(entryURL(u, b.Name, "", true), true, 0, b.CreationDate))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	}
	prefix := ""
	if key != "" {
		prefix = key + "/"
	}
	var out []fs.Info
	for obj := range c.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, translate(obj.Err)
		}
		if obj.Key == prefix {
			continue
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		dir := strings.HasSuffix(name, "/")
		name = strings.TrimSuffix(name, "/")
		if name == "" {
			continue
		}
		out = append(out, newInfo(entryURL(u, bucket, prefix+name, dir), dir, obj.Size, obj.LastModified))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SetLastModified is not supported: S3 assigns modification times itself.
func (p *Primitive) SetLastModified(context.Context, *url.URL, time.Time) error {
	return fs.ErrNotSupported
}
