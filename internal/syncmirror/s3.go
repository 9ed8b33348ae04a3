package syncmirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Provider mirrors into an S3 (or S3-compatible) bucket. Keys are the
// archive-relative paths under the configured prefix; folders are
// implicit, so EnsureFolder is a no-op.
type S3Provider struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Provider builds a provider from the ambient AWS credential
// chain. endpoint overrides the API host for S3-compatible stores;
// empty means AWS proper.
func NewS3Provider(ctx context.Context, bucket, prefix, region, endpoint string) (*S3Provider, error) {
	if bucket == "" {
		return nil, errors.New("s3 mirror requires a bucket")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Provider{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (p *S3Provider) Name() string { return "s3" }

func (p *S3Provider) key(path string) string {
	path = strings.TrimPrefix(path, "/")
	if p.prefix == "" {
		return path
	}
	return p.prefix + "/" + path
}

func (p *S3Provider) EnsureFolder(ctx context.Context, path string) error {
	return nil
}

func (p *S3Provider) Upload(ctx context.Context, path string, data []byte) error {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(path)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

func (p *S3Provider) Stat(ctx context.Context, path string) (RemoteInfo, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(path)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return RemoteInfo{}, ErrNotFound
		}
		return RemoteInfo{}, fmt.Errorf("head %s: %w", path, err)
	}
	info := RemoteInfo{Path: path, Size: aws.ToInt64(out.ContentLength)}
	if out.LastModified != nil {
		info.ModTime = *out.LastModified
	}
	return info, nil
}

func (p *S3Provider) List(ctx context.Context, prefix string) ([]RemoteInfo, error) {
	var out []RemoteInfo
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(p.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if p.prefix != "" {
				key = strings.TrimPrefix(key, p.prefix+"/")
			}
			info := RemoteInfo{Path: key, Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				info.ModTime = *obj.LastModified
			}
			out = append(out, info)
		}
	}
	return out, nil
}

func (p *S3Provider) Delete(ctx context.Context, path string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(path)),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}
