package s3gw

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/logging"
	"github.com/jacktea/urifs/pkg/manager"
	"github.com/jacktea/urifs/pkg/uri"
	"github.com/jacktea/urifs/pkg/xerrors"
)

const (
	partFilePattern = "part-%05d"
	defaultStaging  = "mem:///s3gw-uploads/"
)

// Backend implements gofakes3.Backend and MultipartBackend over a Manager.
// Every bucket is a directory URI on any registered scheme; object keys are
// paths below it. Multipart parts are staged under a separate URI.
type Backend struct {
	m       *manager.Manager
	ctx     context.Context
	buckets map[string]*url.URL
	staging *url.URL

	uploadSeq uint64
	mu        sync.Mutex
	uploads   map[gofakes3.UploadID]*upload
}

var (
	_ gofakes3.Backend          = (*Backend)(nil)
	_ gofakes3.MultipartBackend = (*Backend)(nil)
)

type upload struct {
	bucket    string
	object    string
	meta      map[string]string
	initiated time.Time
	parts     map[int]uploadPart
}

type uploadPart struct {
	uri          *url.URL
	size         int64
	etag         string
	lastModified time.Time
}

// NewBackend maps bucket names to directory URIs. staging holds multipart
// parts until an upload completes; empty means mem:///s3gw-uploads/.
func NewBackend(m *manager.Manager, buckets map[string]string, staging string, log zerolog.Logger) (*Backend, error) {
	b := &Backend{
		m:       m,
		ctx:     logging.WithContext(context.Background(), log),
		buckets: make(map[string]*url.URL, len(buckets)),
		uploads: make(map[gofakes3.UploadID]*upload),
	}
	for name, root := range buckets {
		if err := gofakes3.ValidateBucketName(name); err != nil {
			return nil, errors.Errorf("bucket %q: %w", name, err)
		}
		u, err := url.Parse(root)
		if err != nil || u.Scheme == "" {
			return nil, errors.Errorf("bucket %q: root %q is not an absolute URI", name, root)
		}
		b.buckets[name] = uri.WithTrailingSlash(u)
	}
	if staging == "" {
		staging = defaultStaging
	}
	su, err := url.Parse(staging)
	if err != nil || su.Scheme == "" {
		return nil, errors.Errorf("staging %q is not an absolute URI", staging)
	}
	b.staging = uri.WithTrailingSlash(su)
	return b, nil
}

func (b *Backend) ListBuckets() ([]gofakes3.BucketInfo, error) {
	var buckets []gofakes3.BucketInfo
	for name, root := range b.buckets {
		info, err := b.info(root)
		if err != nil {
			return nil, err
		}
		if info == nil || !info.IsDirectory() {
			continue
		}
		ts := info.LastModified
		if ts.IsZero() {
			ts = time.Now()
		}
		buckets = append(buckets, gofakes3.BucketInfo{Name: name, CreationDate: gofakes3.NewContentTime(ts)})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

func (b *Backend) ListBucket(name string, prefix *gofakes3.Prefix, page gofakes3.ListBucketPage) (*gofakes3.ObjectList, error) {
	root, err := b.ensureBucket(name)
	if err != nil {
		return nil, err
	}
	if prefix == nil {
		prefix = &gofakes3.Prefix{}
	}
	objects, err := b.listObjects(root)
	if err != nil {
		return nil, err
	}
	limit := int(page.MaxKeys)
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	results := gofakes3.NewObjectList()
	seenPrefixes := make(map[string]struct{})
	marker := page.Marker
	var lastKey string
	count := 0
	for _, item := range objects {
		if marker != "" && item.Key <= marker {
			continue
		}
		match := gofakes3.PrefixMatch{Key: item.Key, MatchedPart: item.Key}
		if prefix.HasPrefix || prefix.HasDelimiter {
			if !prefix.Match(item.Key, &match) {
				continue
			}
		}
		if match.CommonPrefix {
			if _, ok := seenPrefixes[match.MatchedPart]; ok {
				continue
			}
			seenPrefixes[match.MatchedPart] = struct{}{}
			if count < limit {
				results.AddPrefix(match.MatchedPart)
				count++
				lastKey = match.MatchedPart
				continue
			}
			results.IsTruncated = true
			break
		}
		if count < limit {
			results.Add(item)
			count++
			lastKey = item.Key
			continue
		}
		results.IsTruncated = true
		break
	}
	if results.IsTruncated {
		results.NextMarker = lastKey
	}
	return results, nil
}

// CreateBucket creates the directory of a mapped bucket. Buckets cannot be
// added at runtime.
func (b *Backend) CreateBucket(name string) error {
	root, ok := b.buckets[name]
	if !ok {
		return gofakes3.ErrNotImplemented
	}
	info, err := b.info(root)
	if err != nil {
		return err
	}
	if info != nil {
		return gofakes3.ResourceError(gofakes3.ErrBucketAlreadyExists, name)
	}
	res := b.m.Create(b.ctx, uri.FromURL(root), fs.CreateParams{Dir: fs.Bool(true), MakeParents: true})
	return res.FirstError()
}

func (b *Backend) BucketExists(name string) (bool, error) {
	root, ok := b.buckets[name]
	if !ok {
		return false, nil
	}
	info, err := b.info(root)
	if err != nil {
		return false, err
	}
	return info != nil && info.IsDirectory(), nil
}

func (b *Backend) DeleteBucket(name string) error {
	root, err := b.ensureBucket(name)
	if err != nil {
		return err
	}
	res := b.m.List(b.ctx, uri.FromURL(root), fs.ListParams{})
	if err := res.FirstError(); err != nil {
		return err
	}
	for _, infos := range res.Values() {
		if len(infos) > 0 {
			return gofakes3.ResourceError(gofakes3.ErrBucketNotEmpty, name)
		}
	}
	return b.m.Delete(b.ctx, uri.FromURL(root), fs.DeleteParams{}).FirstError()
}

func (b *Backend) ForceDeleteBucket(name string) error {
	root, err := b.ensureBucket(name)
	if err != nil {
		return err
	}
	return b.m.Delete(b.ctx, uri.FromURL(root), fs.DeleteParams{Recursive: true}).FirstError()
}

func (b *Backend) GetObject(bucket, object string, rangeRequest *gofakes3.ObjectRangeRequest) (*gofakes3.Object, error) {
	target, info, err := b.stat(bucket, object)
	if err != nil {
		return nil, err
	}
	var rng *gofakes3.ObjectRange
	if rangeRequest != nil {
		if rng, err = rangeRequest.Range(info.Size); err != nil {
			return nil, err
		}
	}
	in := b.m.Read(b.ctx, uri.FromURL(target), fs.ReadParams{})
	if err := in.FirstError(); err != nil {
		return nil, translate(object, err)
	}
	rc, err := in.Values()[0].Open(b.ctx)
	if err != nil {
		return nil, translate(object, err)
	}
	body := rc
	if rng != nil {
		if body, err = sliceReader(rc, rng.Start, rng.Length); err != nil {
			return nil, err
		}
	}
	return b.objectResponse(object, info, body, rng), nil
}

func (b *Backend) HeadObject(bucket, object string) (*gofakes3.Object, error) {
	_, info, err := b.stat(bucket, object)
	if err != nil {
		return nil, err
	}
	return b.objectResponse(object, info, io.NopCloser(bytes.NewReader(nil)), nil), nil
}

func (b *Backend) DeleteObject(bucket, object string) (gofakes3.ObjectDeleteResult, error) {
	target, err := b.objectURL(bucket, object)
	if err != nil {
		return gofakes3.ObjectDeleteResult{}, err
	}
	err = b.m.Delete(b.ctx, uri.FromURL(target), fs.DeleteParams{}).FirstError()
	if err != nil && !xerrors.Is(err, xerrors.KindNotFound) {
		return gofakes3.ObjectDeleteResult{}, err
	}
	return gofakes3.ObjectDeleteResult{}, nil
}

func (b *Backend) PutObject(bucket, key string, _ map[string]string, input io.Reader, _ int64, conditions *gofakes3.PutConditions) (gofakes3.PutObjectResult, error) {
	target, err := b.objectURL(bucket, key)
	if err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	if conditions != nil {
		info, err := b.info(target)
		if err != nil {
			return gofakes3.PutObjectResult{}, err
		}
		cond := &gofakes3.ConditionalObjectInfo{Exists: info != nil}
		if info != nil {
			cond.Hash = etag(info)
		}
		if err := gofakes3.CheckPutConditions(conditions, cond); err != nil {
			return gofakes3.PutObjectResult{}, err
		}
	}
	if err := b.writeObject(target, input); err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	return gofakes3.PutObjectResult{}, nil
}

func (b *Backend) DeleteMulti(bucket string, objects ...string) (gofakes3.MultiDeleteResult, error) {
	if _, err := b.ensureBucket(bucket); err != nil {
		return gofakes3.MultiDeleteResult{}, err
	}
	var res gofakes3.MultiDeleteResult
	for _, key := range objects {
		if _, err := b.DeleteObject(bucket, key); err != nil {
			res.Error = append(res.Error, gofakes3.ErrorResultFromError(err))
		} else {
			res.Deleted = append(res.Deleted, gofakes3.ObjectID{Key: key})
		}
	}
	return res, res.AsError()
}

// CopyObject copies through the manager, so buckets on different schemes
// stream through the catch-all handler.
func (b *Backend) CopyObject(srcBucket, srcKey, dstBucket, dstKey string, _ map[string]string) (gofakes3.CopyObjectResult, error) {
	src, _, err := b.stat(srcBucket, srcKey)
	if err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	dst, err := b.objectURL(dstBucket, dstKey)
	if err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	if err := b.ensureParent(dst); err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	res := b.m.Copy(b.ctx, uri.FromURL(src), uri.FromURL(dst), fs.CopyParams{})
	if err := res.FirstError(); err != nil {
		return gofakes3.CopyObjectResult{}, translate(srcKey, err)
	}
	info, err := b.info(dst)
	if err != nil || info == nil {
		return gofakes3.CopyObjectResult{}, errors.Errorf("copied object %s vanished: %w", dst.Redacted(), err)
	}
	return gofakes3.CopyObjectResult{
		ETag:         gofakes3.FormatETag(etag(info)),
		LastModified: gofakes3.NewContentTime(lastModified(info)),
	}, nil
}

func (b *Backend) CreateMultipartUpload(bucket, object string, meta map[string]string) (gofakes3.UploadID, error) {
	if _, err := b.objectURL(bucket, object); err != nil {
		return "", err
	}
	id := gofakes3.UploadID(fmt.Sprintf("%d-%d", time.Now().UnixNano(), atomic.AddUint64(&b.uploadSeq, 1)))
	b.mu.Lock()
	b.uploads[id] = &upload{
		bucket:    bucket,
		object:    object,
		meta:      meta,
		initiated: time.Now().UTC(),
		parts:     make(map[int]uploadPart),
	}
	b.mu.Unlock()
	return id, nil
}

func (b *Backend) UploadPart(bucket, object string, id gofakes3.UploadID, partNumber int, contentLength int64, input io.Reader) (string, error) {
	if partNumber <= 0 || partNumber > gofakes3.MaxUploadPartNumber {
		return "", gofakes3.ErrInvalidPart
	}
	if _, err := b.lookupUpload(bucket, object, id); err != nil {
		return "", err
	}
	target := uri.Child(uri.ChildDir(b.staging, string(id)), fmt.Sprintf(partFilePattern, partNumber))
	hasher := md5.New()
	counter := &countingReader{r: io.TeeReader(input, hasher)}
	if err := b.writeObject(target, counter); err != nil {
		return "", err
	}
	if contentLength >= 0 && counter.n != contentLength {
		return "", gofakes3.ErrIncompleteBody
	}
	tag := `"` + hex.EncodeToString(hasher.Sum(nil)) + `"`
	b.mu.Lock()
	defer b.mu.Unlock()
	up, ok := b.uploads[id]
	if !ok {
		return "", gofakes3.ErrNoSuchUpload
	}
	up.parts[partNumber] = uploadPart{uri: target, size: counter.n, etag: tag, lastModified: time.Now().UTC()}
	return tag, nil
}

func (b *Backend) ListMultipartUploads(bucket string, marker *gofakes3.UploadListMarker, prefix gofakes3.Prefix, limit int64) (*gofakes3.ListMultipartUploadsResult, error) {
	if _, err := b.ensureBucket(bucket); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	type summary struct {
		key       string
		id        gofakes3.UploadID
		initiated time.Time
	}
	b.mu.Lock()
	var summaries []summary
	for id, up := range b.uploads {
		if up.bucket == bucket {
			summaries = append(summaries, summary{key: up.object, id: id, initiated: up.initiated})
		}
	}
	b.mu.Unlock()
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].key == summaries[j].key {
			return summaries[i].initiated.Before(summaries[j].initiated)
		}
		return summaries[i].key < summaries[j].key
	})
	start := 0
	if marker != nil {
		for idx, sum := range summaries {
			if sum.key < marker.Object || (sum.key == marker.Object && sum.id <= marker.UploadID) {
				start = idx + 1
				continue
			}
			break
		}
	}
	res := &gofakes3.ListMultipartUploadsResult{
		Bucket:     bucket,
		Delimiter:  prefix.Delimiter,
		Prefix:     prefix.Prefix,
		MaxUploads: limit,
	}
	var match gofakes3.PrefixMatch
	seenPrefixes := make(map[string]bool)
	var count int64
	for idx := start; idx < len(summaries); idx++ {
		sum := summaries[idx]
		if prefix.HasPrefix || prefix.HasDelimiter {
			if !prefix.Match(sum.key, &match) {
				continue
			}
			if match.CommonPrefix {
				if !seenPrefixes[match.MatchedPart] {
					res.CommonPrefixes = append(res.CommonPrefixes, match.AsCommonPrefix())
					seenPrefixes[match.MatchedPart] = true
				}
				continue
			}
		}
		res.Uploads = append(res.Uploads, gofakes3.ListMultipartUploadItem{
			Key:          sum.key,
			UploadID:     sum.id,
			StorageClass: "STANDARD",
			Initiated:    gofakes3.NewContentTime(sum.initiated),
		})
		count++
		if count >= limit {
			if idx+1 < len(summaries) {
				res.IsTruncated = true
				res.NextKeyMarker = summaries[idx+1].key
				res.NextUploadIDMarker = summaries[idx+1].id
			}
			break
		}
	}
	return res, nil
}

func (b *Backend) ListParts(bucket, object string, uploadID gofakes3.UploadID, marker int, limit int64) (*gofakes3.ListMultipartUploadPartsResult, error) {
	up, err := b.lookupUpload(bucket, object, uploadID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	res := &gofakes3.ListMultipartUploadPartsResult{
		Bucket:           bucket,
		Key:              object,
		UploadID:         uploadID,
		MaxParts:         limit,
		PartNumberMarker: marker,
		StorageClass:     "STANDARD",
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	numbers := make([]int, 0, len(up.parts))
	for num := range up.parts {
		numbers = append(numbers, num)
	}
	sort.Ints(numbers)
	var count int64
	for _, num := range numbers {
		if num <= marker {
			continue
		}
		if count >= limit {
			res.IsTruncated = true
			res.NextPartNumberMarker = num
			break
		}
		part := up.parts[num]
		res.Parts = append(res.Parts, gofakes3.ListMultipartUploadPartItem{
			PartNumber:   num,
			ETag:         part.etag,
			Size:         part.size,
			LastModified: gofakes3.NewContentTime(part.lastModified),
		})
		count++
	}
	return res, nil
}

func (b *Backend) AbortMultipartUpload(bucket, object string, id gofakes3.UploadID) error {
	if _, err := b.lookupUpload(bucket, object, id); err != nil {
		return err
	}
	b.removeUpload(id)
	return nil
}

// CompleteMultipartUpload concatenates the staged parts into the object and
// drops the staging directory.
func (b *Backend) CompleteMultipartUpload(bucket, object string, id gofakes3.UploadID, input *gofakes3.CompleteMultipartUploadRequest) (gofakes3.VersionID, string, error) {
	if input == nil || len(input.Parts) == 0 {
		return "", "", gofakes3.ErrInvalidPart
	}
	up, err := b.lookupUpload(bucket, object, id)
	if err != nil {
		return "", "", err
	}
	b.mu.Lock()
	parts := make([]uploadPart, 0, len(input.Parts))
	for _, p := range input.Parts {
		part, ok := up.parts[p.PartNumber]
		if !ok || strings.Trim(p.ETag, `"`) != strings.Trim(part.etag, `"`) {
			b.mu.Unlock()
			return "", "", gofakes3.ErrInvalidPart
		}
		parts = append(parts, part)
	}
	b.mu.Unlock()

	finalHash := md5.New()
	for _, part := range parts {
		raw, err := hex.DecodeString(strings.Trim(part.etag, `"`))
		if err != nil {
			return "", "", gofakes3.ErrInvalidPart
		}
		finalHash.Write(raw)
	}
	dest, err := b.objectURL(bucket, object)
	if err != nil {
		return "", "", err
	}
	r := &partsReader{b: b, parts: parts}
	defer r.Close()
	if err := b.writeObject(dest, r); err != nil {
		return "", "", err
	}
	b.removeUpload(id)
	return "", fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(finalHash.Sum(nil)), len(parts)), nil
}

func (b *Backend) lookupUpload(bucket, object string, id gofakes3.UploadID) (*upload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	up, ok := b.uploads[id]
	if !ok || up.bucket != bucket || up.object != object {
		return nil, gofakes3.ErrNoSuchUpload
	}
	return up, nil
}

func (b *Backend) removeUpload(id gofakes3.UploadID) {
	b.mu.Lock()
	delete(b.uploads, id)
	b.mu.Unlock()
	dir := uri.ChildDir(b.staging, string(id))
	if err := b.m.Delete(b.ctx, uri.FromURL(dir), fs.DeleteParams{Recursive: true}).FirstError(); err != nil && !xerrors.Is(err, xerrors.KindNotFound) {
		logging.FromContext(b.ctx).Debug().Err(err).Str("upload", string(id)).Msg("staged parts not removed")
	}
}

func (b *Backend) ensureBucket(name string) (*url.URL, error) {
	root, ok := b.buckets[name]
	if !ok {
		return nil, gofakes3.BucketNotFound(name)
	}
	info, err := b.info(root)
	if err != nil {
		return nil, err
	}
	if info == nil || !info.IsDirectory() {
		return nil, gofakes3.BucketNotFound(name)
	}
	return root, nil
}

// objectURL maps a key below the bucket root. Keys that would climb out of
// the root are rejected.
func (b *Backend) objectURL(bucket, key string) (*url.URL, error) {
	root, err := b.ensureBucket(bucket)
	if err != nil {
		return nil, err
	}
	clean := path.Clean("/" + key)
	if key == "" || strings.HasSuffix(key, "/") || clean != "/"+key {
		return nil, gofakes3.ErrorMessagef(gofakes3.ErrInvalidArgument, "invalid object key %q", key)
	}
	return uri.Child(root, key), nil
}

func (b *Backend) info(u *url.URL) (*fs.Info, error) {
	res := b.m.Info(b.ctx, uri.FromURL(u), fs.InfoParams{})
	if err := res.FirstError(); err != nil {
		return nil, err
	}
	return res.Values()[0], nil
}

// stat returns the URI and Info of an existing file object.
func (b *Backend) stat(bucket, object string) (*url.URL, *fs.Info, error) {
	target, err := b.objectURL(bucket, object)
	if err != nil {
		return nil, nil, err
	}
	info, err := b.info(target)
	if err != nil {
		return nil, nil, err
	}
	if info == nil || !info.IsFile() {
		return nil, nil, gofakes3.KeyNotFound(object)
	}
	return target, info, nil
}

func (b *Backend) ensureParent(target *url.URL) error {
	parent := uri.Parent(target)
	if parent == nil {
		return nil
	}
	return b.m.Create(b.ctx, uri.FromURL(parent), fs.CreateParams{Dir: fs.Bool(true), MakeParents: true}).FirstError()
}

func (b *Backend) writeObject(target *url.URL, input io.Reader) error {
	if err := b.ensureParent(target); err != nil {
		return err
	}
	res := b.m.Write(b.ctx, uri.FromURL(target), fs.WriteParams{})
	if err := res.FirstError(); err != nil {
		return err
	}
	w, err := res.Values()[0].Create(b.ctx)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, input); err != nil {
		w.Close()
		return errors.Errorf("writing %s: %w", target.Redacted(), err)
	}
	return w.Close()
}

type listedObject = gofakes3.Content

func (b *Backend) listObjects(root *url.URL) ([]*listedObject, error) {
	res := b.m.List(b.ctx, uri.FromURL(root), fs.ListParams{Recursive: true})
	if err := res.FirstError(); err != nil {
		return nil, err
	}
	var out []*listedObject
	for _, infos := range res.Values() {
		for i := range infos {
			info := &infos[i]
			if !info.IsFile() || info.URI == nil {
				continue
			}
			key := strings.TrimPrefix(info.URI.Path, root.Path)
			if key == "" || key == info.URI.Path {
				continue
			}
			out = append(out, &gofakes3.Content{
				Key:          key,
				LastModified: gofakes3.NewContentTime(lastModified(info)),
				Size:         info.Size,
				ETag:         gofakes3.FormatETag(etag(info)),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *Backend) objectResponse(key string, info *fs.Info, body io.ReadCloser, rng *gofakes3.ObjectRange) *gofakes3.Object {
	return &gofakes3.Object{
		Name:     key,
		Metadata: map[string]string{"Last-Modified": lastModified(info).UTC().Format(http.TimeFormat)},
		Size:     info.Size,
		Contents: body,
		Hash:     etag(info),
		Range:    rng,
	}
}

func lastModified(info *fs.Info) time.Time {
	if info.LastModified.IsZero() {
		return time.Now()
	}
	return info.LastModified
}

// etag derives a stable tag from location, size and modification time;
// backends do not keep content hashes.
func etag(info *fs.Info) []byte {
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%d|%d", uri.Key(info.URI), info.Size, info.LastModified.UnixNano())))
	return sum[:]
}

func translate(key string, err error) error {
	if xerrors.Is(err, xerrors.KindNotFound) {
		return gofakes3.KeyNotFound(key)
	}
	return err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// partsReader streams staged parts one after another, opening each lazily.
type partsReader struct {
	b     *Backend
	parts []uploadPart
	cur   io.ReadCloser
}

func (r *partsReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if len(r.parts) == 0 {
				return 0, io.EOF
			}
			in := r.b.m.Read(r.b.ctx, uri.FromURL(r.parts[0].uri), fs.ReadParams{})
			if err := in.FirstError(); err != nil {
				return 0, err
			}
			rc, err := in.Values()[0].Open(r.b.ctx)
			if err != nil {
				return 0, err
			}
			r.cur = rc
			r.parts = r.parts[1:]
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *partsReader) Close() error {
	if r.cur != nil {
		return r.cur.Close()
	}
	return nil
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}

// sliceReader skips start bytes of rc and limits it to length.
func sliceReader(rc io.ReadCloser, start, length int64) (io.ReadCloser, error) {
	if _, err := io.CopyN(io.Discard, rc, start); err != nil {
		rc.Close()
		return nil, errors.Errorf("seeking to byte %d: %w", start, err)
	}
	return limitedReadCloser{Reader: io.LimitReader(rc, length), Closer: rc}, nil
}
