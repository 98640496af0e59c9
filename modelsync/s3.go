package modelsync

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the S3 model source. Credentials come from the
// default AWS chain (environment, shared config, instance profile).
type S3Config struct {
	Region       string
	Endpoint     string // For S3-compatible services (MinIO, etc.)
	UsePathStyle bool
}

// S3Downloader fetches model objects addressed as s3://bucket/key.
type S3Downloader struct {
	client *s3.Client
}

// NewS3Downloader builds the client from the default credential chain.
func NewS3Downloader(ctx context.Context, cfg S3Config) (*S3Downloader, error) {
	var opts []func(*awsConfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsConfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3Downloader{client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

// parseS3URL splits s3://bucket/key into its parts.
func parseS3URL(raw string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(raw, "s3://")
	if trimmed == raw {
		return "", "", fmt.Errorf("not an s3 url: %s", raw)
	}
	bucket, key, ok := strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 url: %s", raw)
	}
	return bucket, key, nil
}

// Download streams the object at url into w.
func (d *S3Downloader) Download(ctx context.Context, url string, w io.Writer) error {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return err
	}

	resp, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get s3 object %s/%s: %w", bucket, key, err)
	}
	defer resp.Body.Close()

	_, err = io.Copy(w, resp.Body)
	return err
}
