package mapping

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/config"
)

// Open returns a reader for a mapping source, which is either a local file
// path or an s3://bucket/key URL. The caller closes the returned reader.
func Open(ctx context.Context, source string, cfg config.MappingConfig) (io.ReadCloser, error) {
	if strings.HasPrefix(source, "s3://") {
		return openS3(ctx, source, cfg)
	}
	return os.Open(source)
}

func openS3(ctx context.Context, url string, cfg config.MappingConfig) (io.ReadCloser, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.AWSProfile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	result, err := s3.NewFromConfig(awsCfg).GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}
	return result.Body, nil
}

func parseS3URL(url string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(url, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed S3 URL %q, want s3://bucket/key", url)
	}
	return bucket, key, nil
}
