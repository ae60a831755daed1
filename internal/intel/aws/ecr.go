package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/intel"
	awsmodels "github.com/xkilldash9x/cartography/internal/models/aws"
)

// DefaultImageConcurrency bounds concurrent ListImages calls per region.
const DefaultImageConcurrency = 8

// RepositoryImages pairs a repository with the images it holds.
type RepositoryImages struct {
	Repository ecrtypes.Repository
	Images     []ecrtypes.ImageIdentifier
}

// GetRepositories lists the ECR repositories in the client's region.
func GetRepositories(ctx context.Context, api ecr.DescribeRepositoriesAPIClient) ([]ecrtypes.Repository, error) {
	var repos []ecrtypes.Repository
	p := ecr.NewDescribeRepositoriesPaginator(api, &ecr.DescribeRepositoriesInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe ECR repositories: %w", err)
		}
		repos = append(repos, page.Repositories...)
	}
	return repos, nil
}

// GetRepositoryImages lists one repository's images.
func GetRepositoryImages(ctx context.Context, api ecr.ListImagesAPIClient, repo ecrtypes.Repository) ([]ecrtypes.ImageIdentifier, error) {
	var ids []ecrtypes.ImageIdentifier
	p := ecr.NewListImagesPaginator(api, &ecr.ListImagesInput{
		RepositoryName: repo.RepositoryName,
		RegistryId:     repo.RegistryId,
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list images of %s: %w", deref(repo.RepositoryName), err)
		}
		ids = append(ids, page.ImageIds...)
	}
	return ids, nil
}

// GetAllRepositoryImages lists images for every repository concurrently.
// Results keep the order of repos; each goroutine writes only its own slot.
func GetAllRepositoryImages(ctx context.Context, api ecr.ListImagesAPIClient, repos []ecrtypes.Repository, concurrency int) ([]RepositoryImages, error) {
	if concurrency <= 0 {
		concurrency = DefaultImageConcurrency
	}
	out := make([]RepositoryImages, len(repos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, repo := range repos {
		g.Go(func() error {
			ids, err := GetRepositoryImages(gctx, api, repo)
			if err != nil {
				return err
			}
			out[i] = RepositoryImages{Repository: repo, Images: ids}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// TransformRepositories flattens repositories into ECRRepository records.
func TransformRepositories(repos []ecrtypes.Repository) []map[string]any {
	out := make([]map[string]any, 0, len(repos))
	for _, r := range repos {
		out = append(out, map[string]any{
			"arn":        deref(r.RepositoryArn),
			"name":       deref(r.RepositoryName),
			"uri":        deref(r.RepositoryUri),
			"created_at": formatTime(r.CreatedAt),
		})
	}
	return out
}

// TransformImages returns the ECRRepositoryImage records and the distinct
// ECRImage records they point at. Identifiers without a digest are dropped.
func TransformImages(repoImages []RepositoryImages) (repoImageRecords, imageRecords []map[string]any) {
	seenDigests := map[string]struct{}{}
	for _, ri := range repoImages {
		repoURI, _ := deref(ri.Repository.RepositoryUri).(string)
		for _, img := range ri.Images {
			if img.ImageDigest == nil {
				continue
			}
			digest := *img.ImageDigest
			tag, _ := deref(img.ImageTag).(string)

			uri := repoURI + "@" + digest
			if tag != "" {
				uri = repoURI + ":" + tag
			}
			repoImageRecords = append(repoImageRecords, map[string]any{
				"id":       uri,
				"uri":      uri,
				"tag":      deref(img.ImageTag),
				"repo_uri": repoURI,
				"digest":   digest,
			})

			if _, ok := seenDigests[digest]; !ok {
				seenDigests[digest] = struct{}{}
				imageRecords = append(imageRecords, map[string]any{"digest": digest})
			}
		}
	}
	return repoImageRecords, imageRecords
}

// SyncECRRegion loads one region's repositories and images. Cleanup is left to
// the caller because it must wait for every region.
func SyncECRRegion(ctx context.Context, session client.Session, api ECRAPI, accountID, region string, concurrency int, params intel.Params, logger *zap.Logger) error {
	repos, err := GetRepositories(ctx, api)
	if err != nil {
		return err
	}
	repoImages, err := GetAllRepositoryImages(ctx, api, repos, concurrency)
	if err != nil {
		return err
	}

	kwargs := params.LoadKwargs(map[string]any{awsmodels.AccountIDKwarg: accountID, awsmodels.RegionKwarg: region})
	if err := client.Load(ctx, session, awsmodels.ECRRepositorySchema(), TransformRepositories(repos), kwargs); err != nil {
		return err
	}
	repoImageRecords, imageRecords := TransformImages(repoImages)
	imageKwargs := params.LoadKwargs(map[string]any{awsmodels.AccountIDKwarg: accountID})
	if err := client.Load(ctx, session, awsmodels.ECRImageSchema(), imageRecords, imageKwargs); err != nil {
		return err
	}
	if err := client.Load(ctx, session, awsmodels.ECRRepositoryImageSchema(), repoImageRecords, kwargs); err != nil {
		return err
	}
	logger.Info("Loaded ECR repositories.",
		zap.String("account", accountID), zap.String("region", region),
		zap.Int("repositories", len(repos)), zap.Int("images", len(imageRecords)))
	return nil
}

// CleanupECR removes stale ECR data for the account.
func CleanupECR(ctx context.Context, session client.Session, accountID string, params intel.Params, logger *zap.Logger) error {
	return cleanupSchemas(ctx, session,
		params.JobParameters(map[string]any{awsmodels.AccountIDKwarg: accountID}),
		params.IterationSize, logger,
		awsmodels.ECRRepositoryImageSchema(), awsmodels.ECRImageSchema(), awsmodels.ECRRepositorySchema(),
	)
}
