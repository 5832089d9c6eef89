package objectcopy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Scheme is the URI scheme served by the MinIO copier: object://bucket/key.
const Scheme = "object"

// Config holds object-store connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Validate checks that the config names a reachable endpoint.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	return nil
}

// MinioCopier implements Copier against an S3-compatible object store.
type MinioCopier struct {
	client *minio.Client
}

var _ Copier = (*MinioCopier)(nil)

// NewMinioCopier connects to the object store described by cfg.
func NewMinioCopier(cfg Config) (*MinioCopier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}
	return &MinioCopier{client: client}, nil
}

// NewMinioCopierWithClient wraps an existing client, for tests.
func NewMinioCopierWithClient(client *minio.Client) *MinioCopier {
	return &MinioCopier{client: client}
}

// splitURI parses object://bucket/key into its bucket and key.
func splitURI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse %q: %w", uri, err)
	}
	if u.Scheme != Scheme {
		return "", "", fmt.Errorf("unsupported scheme %q in %q", u.Scheme, uri)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("missing bucket in %q", uri)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func (m *MinioCopier) Copy(ctx context.Context, src, dst string) error {
	switch {
	case IsRemote(src) && IsRemote(dst):
		return m.copyObject(ctx, src, dst)
	case IsRemote(src):
		bucket, key, err := splitURI(src)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(localPath(dst)), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(localPath(dst)), err)
		}
		if err := m.client.FGetObject(ctx, bucket, key, localPath(dst), minio.GetObjectOptions{}); err != nil {
			return fmt.Errorf("get %s: %w", src, err)
		}
		return nil
	case IsRemote(dst):
		bucket, key, err := splitURI(dst)
		if err != nil {
			return err
		}
		if _, err := m.client.FPutObject(ctx, bucket, key, localPath(src), minio.PutObjectOptions{}); err != nil {
			return fmt.Errorf("put %s: %w", dst, err)
		}
		return nil
	default:
		return fmt.Errorf("object copier called with two local paths: %q, %q", src, dst)
	}
}

func (m *MinioCopier) copyObject(ctx context.Context, src, dst string) error {
	srcBucket, srcKey, err := splitURI(src)
	if err != nil {
		return err
	}
	dstBucket, dstKey, err := splitURI(dst)
	if err != nil {
		return err
	}
	_, err = m.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dstBucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: srcBucket, Object: srcKey},
	)
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}

func (m *MinioCopier) CopyTree(ctx context.Context, src, dst string) error {
	switch {
	case IsRemote(src):
		return m.downloadTree(ctx, src, dst)
	case IsRemote(dst):
		return m.uploadTree(ctx, src, dst)
	default:
		return fmt.Errorf("object copier called with two local paths: %q, %q", src, dst)
	}
}

// downloadTree copies every object under the src prefix to the dst directory,
// preserving key paths relative to the prefix.
func (m *MinioCopier) downloadTree(ctx context.Context, src, dst string) error {
	bucket, prefix, err := splitURI(src)
	if err != nil {
		return err
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	found := false
	for obj := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list %s: %w", src, obj.Err)
		}
		found = true
		rel := strings.TrimPrefix(obj.Key, prefix)
		target := filepath.Join(localPath(dst), filepath.FromSlash(rel))
		if err := m.Copy(ctx, fmt.Sprintf("%s://%s/%s", Scheme, bucket, obj.Key), target); err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("no objects under %s: %w", src, fs.ErrNotExist)
	}
	return nil
}

func (m *MinioCopier) uploadTree(ctx context.Context, src, dst string) error {
	bucket, prefix, err := splitURI(dst)
	if err != nil {
		return err
	}
	root := localPath(src)

	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk %s: %w", root, err)
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := path.Join(prefix, filepath.ToSlash(rel))
		if _, err := m.client.FPutObject(ctx, bucket, key, p, minio.PutObjectOptions{}); err != nil {
			return fmt.Errorf("put object://%s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

func (m *MinioCopier) Exists(ctx context.Context, loc string) (bool, error) {
	if !IsRemote(loc) {
		return FileCopier{}.Exists(ctx, loc)
	}
	bucket, key, err := splitURI(loc)
	if err != nil {
		return false, err
	}
	_, err = m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", loc, err)
	}
	return true, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
