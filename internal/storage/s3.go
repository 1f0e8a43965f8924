package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

const (
	defaultS3Region = "us-east-1"
	s3MetaSha1      = "content-sha1"
	s3MetaModified  = "src-last-modified-millis"
	s3FileIDSep     = "#"
)

// S3 talks to an S3-compatible service, B2's included. SDK retries are off:
// the shared upload state machine decides when to retry. Objects larger than
// one part go through the SDK's multipart uploader.
type S3 struct {
	accountID int64
	region    string
	endpoint  string
	accessKey string
	pageSize  int
	partSize  int64

	client   *s3.Client
	uploader *manager.Uploader
	creds    freeze.CredentialStore
	recorder freeze.Recorder
	logger   freeze.Logger
	sleep    freeze.Sleeper
	clock    freeze.Clock

	workers atomic.Int64
}

// NewS3 creates an S3 adapter from
// "access_key=..;secret_key=..[;region=..][;endpoint=..][;path_style=true][;part_size=..]".
func NewS3(opts Options) (*S3, error) {
	cs, err := ParseConnString(opts.ConnString, "access_key", "secret_key")
	if err != nil {
		return nil, err
	}
	vals, err := cs.Require("access_key", "secret_key")
	if err != nil {
		return nil, err
	}
	pageSize, err := pageSizeOf(cs)
	if err != nil {
		return nil, err
	}
	partSize := manager.DefaultUploadPartSize
	if raw := cs.Get("part_size", ""); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < manager.MinUploadPartSize {
			return nil, fmt.Errorf("%w: invalid part_size %q", freeze.ErrArgument, raw)
		}
		partSize = n
	}
	opts = opts.withDefaults()
	region := cs.Get("region", defaultS3Region)
	endpoint := cs.Get("endpoint", "")
	pathStyle := cs.Get("path_style", "") == "true"

	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(vals[0], vals[1], "")),
		config.WithHTTPClient(opts.HTTPClient),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		return nil, fmt.Errorf("loading s3 config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = 1
	})

	return &S3{
		accountID: opts.AccountID,
		region:    region,
		endpoint:  endpoint,
		accessKey: vals[0],
		pageSize:  pageSize,
		partSize:  partSize,
		client:    client,
		uploader:  uploader,
		creds:     opts.Credentials,
		recorder:  opts.Recorder,
		logger:    opts.Logger,
		sleep:     opts.Sleep,
		clock:     opts.Clock,
	}, nil
}

func (s *S3) Kind() freeze.StorageKind { return freeze.KindS3 }

func (s *S3) HashAlgorithm() string { return freeze.AlgSHA1 }

// s3Error converts an SDK error into a *freeze.RemoteError. 403 counts as an
// auth failure outside uploads.
func s3Error(ctx context.Context, op, path string, err error, fatalKind error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	var code, message string
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code, message = apiErr.ErrorCode(), apiErr.ErrorMessage()
	}
	if fatalKind == nil {
		switch {
		case status == http.StatusForbidden:
			fatalKind = freeze.ErrAuth
		case status >= 500:
			fatalKind = freeze.ErrTransient
		default:
			fatalKind = freeze.ErrArgument
		}
	}
	return freeze.NewRemoteError(op, path, status, code, message, err, fatalKind)
}

// Authorize probes the credentials with ListBuckets and records the session.
func (s *S3) Authorize(ctx context.Context) error {
	if _, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{}); err != nil {
		return s3Error(ctx, "ListBuckets", "", err, freeze.ErrAuth)
	}
	s.creds.SetCredentials(freeze.Credentials{
		Version:            freeze.CredentialsVersion,
		AuthorizationToken: "sigv4",
		APIURL:             s.endpoint,
		DownloadURL:        s.endpoint,
		AccountID:          s.accessKey,
		Extra:              map[string]string{"region": s.region},
	})
	return nil
}

func (s *S3) container(name string) *freeze.Container {
	return &freeze.Container{ID: name, AccountID: s.accountID, Name: name, Type: b2BucketPrivate}
}

func (s *S3) Containers(ctx context.Context) ([]*freeze.Container, error) {
	out, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, s3Error(ctx, "ListBuckets", "", err, nil)
	}
	cs := make([]*freeze.Container, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		cs = append(cs, s.container(aws.ToString(b.Name)))
	}
	return cs, nil
}

func (s *S3) CreateContainer(ctx context.Context, name string) (*freeze.Container, error) {
	in := &s3.CreateBucketInput{Bucket: aws.String(name)}
	if s.region != defaultS3Region {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, in); err != nil {
		return nil, s3Error(ctx, "CreateBucket", "", err, nil)
	}
	return s.container(name), nil
}

// Files lists current objects with ListObjectsV2, following continuation
// tokens. Listings carry no SHA1, so StoredHash is an unknown SHA1.
func (s *S3) Files(ctx context.Context, c *freeze.Container) ([]*freeze.FreezeFile, error) {
	return collectPages(ctx, func(ctx context.Context, from cursor) ([]*freeze.FreezeFile, cursor, error) {
		in := &s3.ListObjectsV2Input{
			Bucket:  aws.String(c.Name),
			MaxKeys: aws.Int32(int32(s.pageSize)),
		}
		if from.Name != "" {
			in.ContinuationToken = aws.String(from.Name)
		}
		out, err := s.client.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, cursor{}, s3Error(ctx, "ListObjectsV2", "", err, nil)
		}
		page := make([]*freeze.FreezeFile, 0, len(out.Contents))
		for _, o := range out.Contents {
			key := aws.ToString(o.Key)
			page = append(page, &freeze.FreezeFile{
				Path:        key,
				StoredHash:  freeze.NewHash(freeze.AlgSHA1, nil),
				FileID:      key + s3FileIDSep,
				Uploaded:    aws.ToTime(o.LastModified).Local(),
				Size:        aws.ToInt64(o.Size),
				Container:   c,
				ServiceInfo: freeze.ActionUpload,
			})
		}
		var next cursor
		if aws.ToBool(out.IsTruncated) {
			next.Name = aws.ToString(out.NextContinuationToken)
		}
		return page, next, nil
	})
}

// Versions lists object versions and delete markers, following key and
// version markers. Delete markers are reported as hide actions.
func (s *S3) Versions(ctx context.Context, c *freeze.Container) ([]*freeze.FreezeFile, error) {
	return collectPages(ctx, func(ctx context.Context, from cursor) ([]*freeze.FreezeFile, cursor, error) {
		in := &s3.ListObjectVersionsInput{
			Bucket:  aws.String(c.Name),
			MaxKeys: aws.Int32(int32(s.pageSize)),
		}
		if from.Name != "" {
			in.KeyMarker = aws.String(from.Name)
		}
		if from.ID != "" {
			in.VersionIdMarker = aws.String(from.ID)
		}
		out, err := s.client.ListObjectVersions(ctx, in)
		if err != nil {
			return nil, cursor{}, s3Error(ctx, "ListObjectVersions", "", err, nil)
		}
		page := make([]*freeze.FreezeFile, 0, len(out.Versions)+len(out.DeleteMarkers))
		for _, v := range out.Versions {
			key := aws.ToString(v.Key)
			page = append(page, &freeze.FreezeFile{
				Path:        key,
				StoredHash:  freeze.NewHash(freeze.AlgSHA1, nil),
				FileID:      key + s3FileIDSep + aws.ToString(v.VersionId),
				Uploaded:    aws.ToTime(v.LastModified).Local(),
				Size:        aws.ToInt64(v.Size),
				Container:   c,
				ServiceInfo: freeze.ActionUpload,
			})
		}
		for _, m := range out.DeleteMarkers {
			key := aws.ToString(m.Key)
			page = append(page, &freeze.FreezeFile{
				Path:        key,
				StoredHash:  freeze.NewHash(freeze.AlgSHA1, nil),
				FileID:      key + s3FileIDSep + aws.ToString(m.VersionId),
				Uploaded:    aws.ToTime(m.LastModified).Local(),
				Container:   c,
				ServiceInfo: freeze.ActionHide,
			})
		}
		// Versions and markers arrive in separate lists; merge them back
		// into key order, newest first.
		slices.SortStableFunc(page, func(a, b *freeze.FreezeFile) int {
			if a.Path != b.Path {
				return strings.Compare(a.Path, b.Path)
			}
			return b.Uploaded.Compare(a.Uploaded)
		})
		var next cursor
		if aws.ToBool(out.IsTruncated) {
			next.Name = aws.ToString(out.NextKeyMarker)
			next.ID = aws.ToString(out.NextVersionIdMarker)
		}
		return page, next, nil
	})
}

func (s *S3) StartWorker() *freeze.Worker {
	return freeze.NewWorker(int(s.workers.Add(1)))
}

func (s *S3) StopWorker(w *freeze.Worker) { w.Invalidate() }

func (s *S3) Upload(ctx context.Context, w *freeze.Worker, c *freeze.Container, f *freeze.FreezeFile, content *freeze.Content) (*freeze.FreezeFile, error) {
	if content.Hash.Algorithm() != freeze.AlgSHA1 || content.Hash.IsZero() {
		return nil, fmt.Errorf("%w: s3 uploads need a SHA1 digest, got %q", freeze.ErrArgument, content.Hash.Algorithm())
	}
	return runUpload(ctx, s, w, c, f, content, s.sleep, s.logger)
}

// uploadAuth has nothing to fetch: requests are signed per call.
func (s *S3) uploadAuth(ctx context.Context, w *freeze.Worker, c *freeze.Container) error {
	w.SetUploadAuth(c.ID, s.endpoint, "sigv4")
	return nil
}

func (s *S3) put(ctx context.Context, w *freeze.Worker, c *freeze.Container, f *freeze.FreezeFile, content *freeze.Content) (*freeze.FreezeFile, error) {
	meta := map[string]string{s3MetaSha1: content.Hash.Hex()}
	if !f.Modified.IsZero() {
		meta[s3MetaModified] = strconv.FormatInt(freeze.TimeToMillis(f.Modified), 10)
	}
	contentType := f.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	in := &s3.PutObjectInput{
		Bucket:            aws.String(c.Name),
		Key:               aws.String(f.Path),
		Body:              content.Reader,
		ContentType:       aws.String(contentType),
		Metadata:          meta,
		ChecksumAlgorithm: types.ChecksumAlgorithmSha1,
	}
	if content.Size <= s.partSize {
		in.ContentLength = aws.Int64(content.Size)
		in.ChecksumSHA1 = aws.String(base64.StdEncoding.EncodeToString(content.Hash.Digest()))
	}
	out, err := s.uploader.Upload(ctx, in)
	if err != nil {
		return nil, s3Error(ctx, "PutObject", f.Path, err, freeze.ErrUpload)
	}
	return &freeze.FreezeFile{
		Path:        f.Path,
		StoredHash:  content.Hash,
		FileID:      f.Path + s3FileIDSep + aws.ToString(out.VersionID),
		Modified:    f.Modified,
		Uploaded:    s.clock.Now(),
		MimeType:    contentType,
		Size:        content.Size,
		Container:   c,
		ServiceInfo: freeze.ActionUpload,
	}, nil
}

func splitS3FileID(id string) (key, version string) {
	i := strings.LastIndex(id, s3FileIDSep)
	if i < 0 {
		return id, ""
	}
	return id[:i], id[i+len(s3FileIDSep):]
}

// Download fetches the object version named by f.FileID and verifies it
// against the SHA1 recorded in its metadata at upload time.
func (s *S3) Download(ctx context.Context, f *freeze.FreezeFile) (io.ReadCloser, error) {
	if f.FileID == "" {
		return nil, fmt.Errorf("%w: download of %q needs a file id", freeze.ErrArgument, f.Path)
	}
	if f.Container == nil {
		return nil, fmt.Errorf("%w: download of %q needs a container", freeze.ErrArgument, f.Path)
	}
	key, version := splitS3FileID(f.FileID)
	in := &s3.GetObjectInput{Bucket: aws.String(f.Container.Name), Key: aws.String(key)}
	if version != "" {
		in.VersionId = aws.String(version)
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		return nil, s3Error(ctx, "GetObject", f.Path, err, nil)
	}

	f.Path = key
	if sha := out.Metadata[s3MetaSha1]; sha != "" {
		if h, err := freeze.NewHashHex(freeze.AlgSHA1, sha); err == nil {
			f.StoredHash = h
		}
	}
	f.MimeType = aws.ToString(out.ContentType)
	f.Size = aws.ToInt64(out.ContentLength)
	if out.LastModified != nil {
		f.Uploaded = out.LastModified.Local()
	}
	if m := modifiedFromInfo(out.Metadata[s3MetaModified]); !m.IsZero() {
		f.Modified = m
	}
	return newVerifyingReader(out.Body, f, freeze.AlgSHA1, s.recorder)
}

// Delete adds a delete marker. S3 accepts deleting an already deleted key.
func (s *S3) Delete(ctx context.Context, f *freeze.FreezeFile) (string, error) {
	if f.Container == nil {
		return "", fmt.Errorf("%w: hiding %q needs a container", freeze.ErrArgument, f.Path)
	}
	out, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(f.Container.Name),
		Key:    aws.String(f.Path),
	})
	if err != nil {
		return "", s3Error(ctx, "DeleteObject", f.Path, err, nil)
	}
	return f.Path + s3FileIDSep + aws.ToString(out.VersionId), nil
}

var _ freeze.Storage = (*S3)(nil)
