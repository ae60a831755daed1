package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/intel"
	awsmodels "github.com/xkilldash9x/cartography/internal/models/aws"
)

// GetBuckets lists the buckets owned by the account.
func GetBuckets(ctx context.Context, api S3API) ([]s3types.Bucket, error) {
	var buckets []s3types.Bucket
	p := s3.NewListBucketsPaginator(api, &s3.ListBucketsInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list S3 buckets: %w", err)
		}
		buckets = append(buckets, page.Buckets...)
	}
	return buckets, nil
}

// TransformBuckets flattens buckets into S3Bucket records.
func TransformBuckets(buckets []s3types.Bucket) []map[string]any {
	out := make([]map[string]any, 0, len(buckets))
	for _, b := range buckets {
		if b.Name == nil {
			continue
		}
		out = append(out, map[string]any{
			"name":         *b.Name,
			"arn":          "arn:aws:s3:::" + *b.Name,
			"region":       deref(b.BucketRegion),
			"creationdate": formatTime(b.CreationDate),
		})
	}
	return out
}

// SyncS3 loads the account's buckets and removes stale ones.
func SyncS3(ctx context.Context, session client.Session, api S3API, accountID string, params intel.Params, logger *zap.Logger) error {
	buckets, err := GetBuckets(ctx, api)
	if err != nil {
		return err
	}
	scope := map[string]any{awsmodels.AccountIDKwarg: accountID}
	if err := client.Load(ctx, session, awsmodels.S3BucketSchema(), TransformBuckets(buckets), params.LoadKwargs(scope)); err != nil {
		return err
	}
	logger.Info("Loaded S3 buckets.", zap.String("account", accountID), zap.Int("count", len(buckets)))
	return cleanupSchemas(ctx, session, params.JobParameters(scope), params.IterationSize, logger, awsmodels.S3BucketSchema())
}
