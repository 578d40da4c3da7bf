package ingest

import (
	"archive/zip"
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/network-metrics/internal/config"
)

// ObjectGetter is the slice of the S3 client a Resolver needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client builds an S3 client from the ingest settings. Credentials come
// from the default AWS chain.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, eris.Wrap(err, "ingest: load aws config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// shapefileSiblings are fetched next to a remote .shp so go-shp can open it.
var shapefileSiblings = []string{".dbf", ".shx"}

// Resolver turns a source URI into a readable local file. Local paths pass
// through; s3:// and http(s):// sources are downloaded into tempDir; .zip
// archives are extracted and the single dataset file inside is returned.
type Resolver struct {
	tempDir string
	s3      ObjectGetter
	http    *http.Client
	log     *zap.Logger
}

// NewResolver creates a Resolver. s3c may be nil when no s3:// source is used.
func NewResolver(tempDir string, s3c ObjectGetter) *Resolver {
	return &Resolver{
		tempDir: tempDir,
		s3:      s3c,
		http:    &http.Client{Timeout: 30 * time.Minute},
		log:     zap.L().With(zap.String("component", "ingest.source")),
	}
}

// Resolve returns a local path for uri.
func (r *Resolver) Resolve(ctx context.Context, uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", eris.Wrapf(err, "ingest: parse source %q", uri)
	}

	var path string
	switch u.Scheme {
	case "", "file":
		path = uri
		if u.Scheme == "file" {
			path = u.Path
		}
		if _, err := os.Stat(path); err != nil {
			return "", eris.Wrapf(err, "ingest: source %s", path)
		}
	case "s3":
		if path, err = r.fetchS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/")); err != nil {
			return "", err
		}
	case "http", "https":
		if path, err = r.fetchHTTP(ctx, uri, filepath.Join(r.tempDir, u.Host, filepath.FromSlash(u.Path))); err != nil {
			return "", err
		}
	default:
		return "", eris.Errorf("ingest: unsupported source scheme %q", u.Scheme)
	}

	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return r.unzip(path)
	}
	return path, nil
}

func (r *Resolver) fetchS3(ctx context.Context, bucket, key string) (string, error) {
	if r.s3 == nil {
		return "", eris.Errorf("ingest: no s3 client configured for s3://%s/%s", bucket, key)
	}
	dest := filepath.Join(r.tempDir, bucket, filepath.FromSlash(key))
	if err := r.getObject(ctx, bucket, key, dest); err != nil {
		return "", err
	}
	if strings.EqualFold(filepath.Ext(key), ".shp") {
		stem := strings.TrimSuffix(key, filepath.Ext(key))
		for _, ext := range shapefileSiblings {
			if err := r.getObject(ctx, bucket, stem+ext, strings.TrimSuffix(dest, filepath.Ext(dest))+ext); err != nil {
				return "", err
			}
		}
	}
	return dest, nil
}

func (r *Resolver) getObject(ctx context.Context, bucket, key, dest string) error {
	if cached(dest) {
		r.log.Debug("object already downloaded", zap.String("path", dest))
		return nil
	}
	r.log.Info("downloading source object", zap.String("bucket", bucket), zap.String("key", key))
	out, err := r.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return eris.Wrapf(err, "ingest: get s3://%s/%s", bucket, key)
	}
	defer out.Body.Close() //nolint:errcheck
	return writeFile(dest, out.Body)
}

func (r *Resolver) fetchHTTP(ctx context.Context, uri, dest string) (string, error) {
	if cached(dest) {
		r.log.Debug("file already downloaded", zap.String("path", dest))
		return dest, nil
	}
	r.log.Info("downloading source", zap.String("url", uri))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", eris.Wrap(err, "ingest: build request")
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", eris.Wrapf(err, "ingest: download %s", uri)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("ingest: download %s returned status %d", uri, resp.StatusCode)
	}
	return dest, writeFile(dest, resp.Body)
}

// unzip extracts an archive next to itself and returns the one dataset file
// (.shp, .geojson or .json) it contains.
func (r *Resolver) unzip(zipPath string) (string, error) {
	destDir := strings.TrimSuffix(zipPath, filepath.Ext(zipPath))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", eris.Wrap(err, "ingest: create extract dir")
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", eris.Wrapf(err, "ingest: open zip %s", zipPath)
	}
	defer zr.Close() //nolint:errcheck

	var found []string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		dest := filepath.Join(destDir, filepath.Base(f.Name))
		rc, err := f.Open()
		if err != nil {
			return "", eris.Wrapf(err, "ingest: open zip entry %s", f.Name)
		}
		err = writeFile(dest, rc)
		_ = rc.Close()
		if err != nil {
			return "", err
		}
		switch strings.ToLower(filepath.Ext(dest)) {
		case ".shp", ".geojson", ".json":
			found = append(found, dest)
		}
	}

	if len(found) != 1 {
		return "", eris.Errorf("ingest: zip %s holds %d dataset files, want 1", zipPath, len(found))
	}
	return found[0], nil
}

func cached(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// writeFile streams src into path via a .part file renamed on success.
func writeFile(path string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "ingest: create download dir")
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return eris.Wrapf(err, "ingest: create %s", tmp)
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		return eris.Wrapf(err, "ingest: write %s", tmp)
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "ingest: close %s", tmp)
	}
	return eris.Wrapf(os.Rename(tmp, path), "ingest: move %s into place", path)
}
