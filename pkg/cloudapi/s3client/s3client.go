// Package s3client implements the object-store operations of spec.md
// §4.B, grounded on the teacher's pkg/initial/aws/s3.go (same narrow api
// interface, same GetObject/ListObjects calls), extended with a recursive
// get-prefix that fans downloads out with bounded concurrency per spec.md
// §5.
package s3client

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

type s3API interface {
	GetObject(context.Context, *s3.GetObjectInput,
		...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(context.Context, *s3.ListObjectsV2Input,
		...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type Client struct {
	api s3API
}

func New(cfg aws.Config) *Client {
	return &Client{api: s3.NewFromConfig(cfg)}
}

// Object is one entry returned by ListObjects.
type Object struct {
	Key  string
	Size int64
}

// GetObject downloads a single object's full body.
func (c *Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to get object at s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// ListObjects lists every object under prefix, paging through the result.
func (c *Client) ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var (
		objects           []Object
		continuationToken *string
	)
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to list objects at s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, o := range out.Contents {
			if strings.HasSuffix(aws.ToString(o.Key), "/") {
				continue
			}
			objects = append(objects, Object{Key: aws.ToString(o.Key), Size: derefSize(o)})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}
	return objects, nil
}

func derefSize(o types.Object) int64 {
	if o.Size == nil {
		return 0
	}
	return *o.Size
}

// concurrency bounds the simultaneous in-flight downloads for GetPrefix, per
// spec.md §5's "small fan-outs... bounded concurrency" note.
const concurrency = 4

// GetPrefix downloads every object under prefix into destDir, preserving
// each key's path suffix relative to prefix, writing atomically via a
// sibling temp file then rename.
func (c *Client) GetPrefix(ctx context.Context, fs afero.Fs, bucket, prefix, destDir string) error {
	objects, err := c.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("unable to create destination directory %s: %w", destDir, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, obj := range objects {
		obj := obj
		rel := strings.TrimPrefix(obj.Key, prefix)
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			rel = filepath.Base(obj.Key)
		}
		dest := filepath.Join(destDir, rel)
		g.Go(func() error {
			body, err := c.GetObject(ctx, bucket, obj.Key)
			if err != nil {
				return err
			}
			return writeAtomic(fs, dest, body, 0644)
		})
	}
	return g.Wait()
}

func writeAtomic(fs afero.Fs, dest string, body []byte, mode os.FileMode) error {
	if err := fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("unable to create directory for %s: %w", dest, err)
	}
	tmp := dest + ".tmp"
	if err := afero.WriteFile(fs, tmp, body, mode); err != nil {
		return fmt.Errorf("unable to write temp file %s: %w", tmp, err)
	}
	if err := fs.Rename(tmp, dest); err != nil {
		return fmt.Errorf("unable to rename %s to %s: %w", tmp, dest, err)
	}
	return nil
}
