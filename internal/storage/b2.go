package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

const (
	defaultB2Endpoint = "https://api.backblazeb2.com"
	b2APIPrefix       = "/b2api/v2/"
	b2BucketPrivate   = "allPrivate"
	b2AutoContentType = "b2/x-auto"
	b2InfoHeader      = "X-Bz-Info-"
)

// B2 talks to the Backblaze B2 native API. The account session (token and
// base URLs) lives in the account's CredentialStore and is refreshed at most
// once per observed token when calls start returning 401. Upload URLs are
// per worker.
type B2 struct {
	accountID int64
	keyID     string
	appKey    string
	endpoint  string
	pageSize  int

	creds    freeze.CredentialStore
	recorder freeze.Recorder
	client   *http.Client
	logger   freeze.Logger
	sleep    freeze.Sleeper
	clock    freeze.Clock

	authMu  sync.Mutex
	workers atomic.Int64
}

// NewB2 creates a B2 adapter from a connection string of the form
// "account=<keyID>;key=<applicationKey>[;endpoint=<url>][;page_size=<n>]".
func NewB2(opts Options) (*B2, error) {
	cs, err := ParseConnString(opts.ConnString, "account", "key")
	if err != nil {
		return nil, err
	}
	vals, err := cs.Require("account", "key")
	if err != nil {
		return nil, err
	}
	pageSize, err := pageSizeOf(cs)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &B2{
		accountID: opts.AccountID,
		keyID:     vals[0],
		appKey:    vals[1],
		endpoint:  strings.TrimRight(cs.Get("endpoint", defaultB2Endpoint), "/"),
		pageSize:  pageSize,
		creds:     opts.Credentials,
		recorder:  opts.Recorder,
		client:    opts.HTTPClient,
		logger:    opts.Logger,
		sleep:     opts.Sleep,
		clock:     opts.Clock,
	}, nil
}

func (b *B2) Kind() freeze.StorageKind { return freeze.KindB2 }

func (b *B2) HashAlgorithm() string { return freeze.AlgSHA1 }

type b2AuthResponse struct {
	AccountID               string `json:"accountId"`
	AuthorizationToken      string `json:"authorizationToken"`
	APIURL                  string `json:"apiUrl"`
	DownloadURL             string `json:"downloadUrl"`
	RecommendedPartSize     int64  `json:"recommendedPartSize"`
	AbsoluteMinimumPartSize int64  `json:"absoluteMinimumPartSize"`
}

// Authorize calls b2_authorize_account and stores the new session.
func (b *B2) Authorize(ctx context.Context) error {
	b.authMu.Lock()
	defer b.authMu.Unlock()
	return b.authorizeLocked(ctx)
}

func (b *B2) authorizeLocked(ctx context.Context) error {
	const op = "b2_authorize_account"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+b2APIPrefix+op, nil)
	if err != nil {
		return fmt.Errorf("building %s request: %w", op, err)
	}
	req.SetBasicAuth(b.keyID, b.appKey)

	var resp b2AuthResponse
	if err := b.do(req, op, "", freeze.ErrAuth, &resp); err != nil {
		return err
	}

	creds := freeze.Credentials{
		Version:            freeze.CredentialsVersion,
		AuthorizationToken: resp.AuthorizationToken,
		APIURL:             resp.APIURL,
		DownloadURL:        resp.DownloadURL,
		AccountID:          resp.AccountID,
	}
	if resp.RecommendedPartSize > 0 {
		creds.Extra = map[string]string{
			"recommended_part_size": strconv.FormatInt(resp.RecommendedPartSize, 10),
		}
	}
	b.creds.SetCredentials(creds)
	b.logger.Info("b2 account authorized", "api_url", resp.APIURL)
	return nil
}

// session returns the cached session, authorizing first when none exists.
func (b *B2) session(ctx context.Context) (freeze.Credentials, error) {
	if creds := b.creds.Credentials(); !creds.Empty() {
		return creds, nil
	}
	b.authMu.Lock()
	defer b.authMu.Unlock()
	if creds := b.creds.Credentials(); !creds.Empty() {
		return creds, nil
	}
	if err := b.authorizeLocked(ctx); err != nil {
		return freeze.Credentials{}, err
	}
	return b.creds.Credentials(), nil
}

// refresh re-authorizes unless another goroutine already replaced stale.
func (b *B2) refresh(ctx context.Context, stale string) error {
	b.authMu.Lock()
	defer b.authMu.Unlock()
	if b.creds.Credentials().AuthorizationToken != stale {
		return nil
	}
	b.logger.Debug("b2 session expired, re-authorizing")
	return b.authorizeLocked(ctx)
}

// call POSTs a JSON API request, re-authorizing once on 401.
func (b *B2) call(ctx context.Context, op string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", op, err)
	}
	for try := 0; ; try++ {
		creds, err := b.session(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.APIURL+b2APIPrefix+op, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building %s request: %w", op, err)
		}
		req.Header.Set("Authorization", creds.AuthorizationToken)
		req.Header.Set("Content-Type", "application/json")

		err = b.do(req, op, "", nil, out)
		if err == nil {
			return nil
		}
		if freeze.StatusOf(err) == http.StatusUnauthorized && try == 0 {
			if rerr := b.refresh(ctx, creds.AuthorizationToken); rerr != nil {
				return rerr
			}
			continue
		}
		return err
	}
}

type b2Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do sends req and decodes a JSON response into out. Failures come back as
// *freeze.RemoteError. A nil fatalKind picks ErrTransient for 5xx and
// ErrArgument otherwise.
func (b *B2) do(req *http.Request, op, path string, fatalKind error, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return freeze.NewRemoteError(op, path, 0, "", "", err, freeze.ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return b2ResponseError(resp, op, path, fatalKind)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return freeze.NewRemoteError(op, path, 0, "", "decoding response", err, freeze.ErrTransient)
	}
	return nil
}

func b2ResponseError(resp *http.Response, op, path string, fatalKind error) error {
	var e b2Error
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &e); err != nil || e.Message == "" {
		e.Message = strings.TrimSpace(string(data))
	}
	if fatalKind == nil {
		fatalKind = freeze.ErrArgument
		if resp.StatusCode >= 500 {
			fatalKind = freeze.ErrTransient
		}
	}
	return freeze.NewRemoteError(op, path, resp.StatusCode, e.Code, e.Message, nil, fatalKind)
}

type b2Bucket struct {
	AccountID  string `json:"accountId"`
	BucketID   string `json:"bucketId"`
	BucketName string `json:"bucketName"`
	BucketType string `json:"bucketType"`
}

func (b *B2) container(bk b2Bucket) *freeze.Container {
	return &freeze.Container{ID: bk.BucketID, AccountID: b.accountID, Name: bk.BucketName, Type: bk.BucketType}
}

// Containers calls b2_list_buckets.
func (b *B2) Containers(ctx context.Context) ([]*freeze.Container, error) {
	creds, err := b.session(ctx)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Buckets []b2Bucket `json:"buckets"`
	}
	if err := b.call(ctx, "b2_list_buckets", map[string]string{"accountId": creds.AccountID}, &resp); err != nil {
		return nil, err
	}
	out := make([]*freeze.Container, 0, len(resp.Buckets))
	for _, bk := range resp.Buckets {
		out = append(out, b.container(bk))
	}
	return out, nil
}

// CreateContainer calls b2_create_bucket with a private bucket type.
func (b *B2) CreateContainer(ctx context.Context, name string) (*freeze.Container, error) {
	creds, err := b.session(ctx)
	if err != nil {
		return nil, err
	}
	req := map[string]string{
		"accountId":  creds.AccountID,
		"bucketName": name,
		"bucketType": b2BucketPrivate,
	}
	var bk b2Bucket
	if err := b.call(ctx, "b2_create_bucket", req, &bk); err != nil {
		return nil, err
	}
	return b.container(bk), nil
}

type b2File struct {
	AccountID       string            `json:"accountId"`
	Action          string            `json:"action"`
	BucketID        string            `json:"bucketId"`
	ContentLength   int64             `json:"contentLength"`
	ContentSha1     string            `json:"contentSha1"`
	ContentType     string            `json:"contentType"`
	FileID          string            `json:"fileId"`
	FileInfo        map[string]string `json:"fileInfo"`
	FileName        string            `json:"fileName"`
	UploadTimestamp int64             `json:"uploadTimestamp"`
}

func (f b2File) freezeFile(c *freeze.Container) *freeze.FreezeFile {
	sha := f.ContentSha1
	if sha == "none" || sha == "" {
		sha = f.FileInfo["large_file_sha1"]
	}
	out := &freeze.FreezeFile{
		Path:        f.FileName,
		StoredHash:  parseB2Sha1(sha),
		FileID:      f.FileID,
		MimeType:    f.ContentType,
		Size:        f.ContentLength,
		Container:   c,
		ServiceInfo: f.Action,
	}
	if f.UploadTimestamp > 0 {
		out.Uploaded = freeze.MillisToTime(f.UploadTimestamp)
	}
	out.Modified = modifiedFromInfo(f.FileInfo[freeze.MetaLastModified])
	return out
}

// parseB2Sha1 accepts the "unverified:" prefix B2 uses for client-supplied
// digests. Anything unparseable is an unknown SHA1.
func parseB2Sha1(s string) freeze.Hash {
	s = strings.TrimPrefix(s, "unverified:")
	h, err := freeze.NewHashHex(freeze.AlgSHA1, s)
	if err != nil || s == "none" {
		return freeze.NewHash(freeze.AlgSHA1, nil)
	}
	return h
}

// Files calls b2_list_file_names until nextFileName is null.
func (b *B2) Files(ctx context.Context, c *freeze.Container) ([]*freeze.FreezeFile, error) {
	return collectPages(ctx, func(ctx context.Context, from cursor) ([]*freeze.FreezeFile, cursor, error) {
		req := map[string]any{"bucketId": c.ID, "maxFileCount": b.pageSize}
		if from.Name != "" {
			req["startFileName"] = from.Name
		}
		var resp struct {
			Files        []b2File `json:"files"`
			NextFileName *string  `json:"nextFileName"`
		}
		if err := b.call(ctx, "b2_list_file_names", req, &resp); err != nil {
			return nil, cursor{}, err
		}
		page := make([]*freeze.FreezeFile, 0, len(resp.Files))
		for _, f := range resp.Files {
			page = append(page, f.freezeFile(c))
		}
		var next cursor
		if resp.NextFileName != nil {
			next.Name = *resp.NextFileName
		}
		return page, next, nil
	})
}

// Versions calls b2_list_file_versions until nextFileName is null.
func (b *B2) Versions(ctx context.Context, c *freeze.Container) ([]*freeze.FreezeFile, error) {
	return collectPages(ctx, func(ctx context.Context, from cursor) ([]*freeze.FreezeFile, cursor, error) {
		req := map[string]any{"bucketId": c.ID, "maxFileCount": b.pageSize}
		if from.Name != "" {
			req["startFileName"] = from.Name
		}
		if from.ID != "" {
			req["startFileId"] = from.ID
		}
		var resp struct {
			Files        []b2File `json:"files"`
			NextFileName *string  `json:"nextFileName"`
			NextFileID   *string  `json:"nextFileId"`
		}
		if err := b.call(ctx, "b2_list_file_versions", req, &resp); err != nil {
			return nil, cursor{}, err
		}
		page := make([]*freeze.FreezeFile, 0, len(resp.Files))
		for _, f := range resp.Files {
			page = append(page, f.freezeFile(c))
		}
		var next cursor
		if resp.NextFileName != nil {
			next.Name = *resp.NextFileName
			if resp.NextFileID != nil {
				next.ID = *resp.NextFileID
			}
		}
		return page, next, nil
	})
}

// StartWorker returns a worker with no upload URL yet; one is fetched on the
// worker's first upload.
func (b *B2) StartWorker() *freeze.Worker {
	return freeze.NewWorker(int(b.workers.Add(1)))
}

func (b *B2) StopWorker(w *freeze.Worker) { w.Invalidate() }

// Upload sends content through the shared retry state machine.
func (b *B2) Upload(ctx context.Context, w *freeze.Worker, c *freeze.Container, f *freeze.FreezeFile, content *freeze.Content) (*freeze.FreezeFile, error) {
	if content.Hash.Algorithm() != freeze.AlgSHA1 || content.Hash.IsZero() {
		return nil, fmt.Errorf("%w: b2 uploads need a SHA1 digest, got %q", freeze.ErrArgument, content.Hash.Algorithm())
	}
	return runUpload(ctx, b, w, c, f, content, b.sleep, b.logger)
}

func (b *B2) uploadAuth(ctx context.Context, w *freeze.Worker, c *freeze.Container) error {
	var resp struct {
		UploadURL          string `json:"uploadUrl"`
		AuthorizationToken string `json:"authorizationToken"`
	}
	if err := b.call(ctx, "b2_get_upload_url", map[string]string{"bucketId": c.ID}, &resp); err != nil {
		return err
	}
	w.SetUploadAuth(c.ID, resp.UploadURL, resp.AuthorizationToken)
	return nil
}

func (b *B2) put(ctx context.Context, w *freeze.Worker, c *freeze.Container, f *freeze.FreezeFile, content *freeze.Content) (*freeze.FreezeFile, error) {
	const op = "b2_upload_file"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.UploadURL, io.NopCloser(content.Reader))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", op, err)
	}
	req.ContentLength = content.Size
	contentType := f.MimeType
	if contentType == "" {
		contentType = b2AutoContentType
	}
	req.Header.Set("Authorization", w.Token)
	req.Header.Set("X-Bz-File-Name", encodeB2Name(f.Path))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Bz-Content-Sha1", content.Hash.Hex())
	if !f.Modified.IsZero() {
		req.Header.Set(b2InfoHeader+freeze.MetaLastModified, strconv.FormatInt(freeze.TimeToMillis(f.Modified), 10))
	}

	var resp b2File
	if err := b.do(req, op, f.Path, freeze.ErrUpload, &resp); err != nil {
		return nil, err
	}
	stored := resp.freezeFile(c)
	stored.Path = f.Path
	stored.Modified = f.Modified
	if stored.Uploaded.IsZero() {
		stored.Uploaded = b.clock.Now()
	}
	if stored.StoredHash.IsZero() {
		stored.StoredHash = content.Hash
	}
	return stored, nil
}

// Download calls b2_download_file_by_id and returns a reader that verifies
// the SHA1 at EOF.
func (b *B2) Download(ctx context.Context, f *freeze.FreezeFile) (io.ReadCloser, error) {
	const op = "b2_download_file_by_id"
	if f.FileID == "" {
		return nil, fmt.Errorf("%w: download of %q needs a file id", freeze.ErrArgument, f.Path)
	}
	for try := 0; ; try++ {
		creds, err := b.session(ctx)
		if err != nil {
			return nil, err
		}
		u := creds.DownloadURL + b2APIPrefix + op + "?fileId=" + url.QueryEscape(f.FileID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("building %s request: %w", op, err)
		}
		req.Header.Set("Authorization", creds.AuthorizationToken)

		resp, err := b.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, freeze.NewRemoteError(op, f.Path, 0, "", "", err, freeze.ErrTransient)
		}
		if resp.StatusCode == http.StatusOK {
			b.applyDownloadHeaders(f, resp.Header)
			return newVerifyingReader(resp.Body, f, freeze.AlgSHA1, b.recorder)
		}
		rerr := b2ResponseError(resp, op, f.Path, nil)
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized && try == 0 {
			if err := b.refresh(ctx, creds.AuthorizationToken); err != nil {
				return nil, err
			}
			continue
		}
		return nil, rerr
	}
}

func (b *B2) applyDownloadHeaders(f *freeze.FreezeFile, h http.Header) {
	if name := h.Get("X-Bz-File-Name"); name != "" {
		if decoded, err := url.QueryUnescape(name); err == nil {
			f.Path = decoded
		}
	}
	sha := h.Get("X-Bz-Content-Sha1")
	if sha == "none" || sha == "" {
		sha = h.Get(b2InfoHeader + "large_file_sha1")
	}
	f.StoredHash = parseB2Sha1(sha)
	f.MimeType = h.Get("Content-Type")
	if n, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64); err == nil {
		f.Size = n
	}
	if ts, err := strconv.ParseInt(h.Get("X-Bz-Upload-Timestamp"), 10, 64); err == nil {
		f.Uploaded = freeze.MillisToTime(ts)
	}
	if m := modifiedFromInfo(h.Get(b2InfoHeader + freeze.MetaLastModified)); !m.IsZero() {
		f.Modified = m
	}
}

// Delete calls b2_hide_file. Hiding an already hidden file succeeds and
// returns the file's own id.
func (b *B2) Delete(ctx context.Context, f *freeze.FreezeFile) (string, error) {
	if f.Container == nil {
		return "", fmt.Errorf("%w: hiding %q needs a container", freeze.ErrArgument, f.Path)
	}
	req := map[string]string{"bucketId": f.Container.ID, "fileName": f.Path}
	var resp b2File
	err := b.call(ctx, "b2_hide_file", req, &resp)
	var re *freeze.RemoteError
	if errors.As(err, &re) && re.Status == http.StatusBadRequest && re.Code == "already_hidden" {
		return f.FileID, nil
	}
	if err != nil {
		return "", err
	}
	return resp.FileID, nil
}

// encodeB2Name percent-encodes each segment of a file name, keeping '/'.
// B2 reads '+' as a space, so segments use query escaping.
func encodeB2Name(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.QueryEscape(p)
	}
	return strings.Join(parts, "/")
}

var _ freeze.Storage = (*B2)(nil)
