package snapshot

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dumontcloud/control-plane/internal/errs"
)

// ObjectStoreConfig addresses the S3-compatible bucket backing the restic
// repository (§6).
type ObjectStoreConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// PreflightCheck verifies the configured bucket is reachable and the
// credentials are valid before the Snapshot Engine is allowed to start
// accepting work. Grounded in restic_provider.py's startup check that the
// repository backend responds before any backup/restore is attempted.
func PreflightCheck(ctx context.Context, cfg ObjectStoreConfig) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return errs.Wrap(errs.KindServiceUnavailable, "load object store credentials", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)})
	if err != nil {
		return errs.Wrap(errs.KindServiceUnavailable, "object store bucket unreachable: "+cfg.Bucket, err)
	}
	return nil
}
