package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/config"
	"github.com/xkilldash9x/cartography/internal/graph/model"
	"github.com/xkilldash9x/cartography/internal/intel"
	"github.com/xkilldash9x/cartography/internal/intel/analysis"
	"github.com/xkilldash9x/cartography/internal/intel/aws"
	"github.com/xkilldash9x/cartography/internal/intel/cloudflare"
	"github.com/xkilldash9x/cartography/internal/intel/github"
	"github.com/xkilldash9x/cartography/internal/intel/openai"
	awsmodels "github.com/xkilldash9x/cartography/internal/models/aws"
	cfmodels "github.com/xkilldash9x/cartography/internal/models/cloudflare"
	ghmodels "github.com/xkilldash9x/cartography/internal/models/github"
	oaimodels "github.com/xkilldash9x/cartography/internal/models/openai"
)

// Stage names accepted by --selected-modules.
const (
	StageCreateIndexes = "create-indexes"
	StageAWS           = "aws"
	StageGitHub        = "github"
	StageCloudflare    = "cloudflare"
	StageOpenAI        = "openai"
	StageAnalysis      = "analysis"
)

// DefaultStages is the full sync in run order. analysis is last so its jobs
// see every provider's data.
func DefaultStages() []Stage {
	return []Stage{
		{StageCreateIndexes, createIndexes},
		{StageAWS, aws.StartIngestion},
		{StageGitHub, github.StartIngestion},
		{StageCloudflare, cloudflare.StartIngestion},
		{StageOpenAI, openai.StartIngestion},
		{StageAnalysis, analysis.StartIngestion},
	}
}

// AllSchemas lists every node schema the providers write.
func AllSchemas() []model.NodeSchema {
	return []model.NodeSchema{
		awsmodels.AccountSchema(),
		awsmodels.UserSchema(),
		awsmodels.RoleSchema(),
		awsmodels.S3BucketSchema(),
		awsmodels.ECRRepositorySchema(),
		awsmodels.ECRImageSchema(),
		awsmodels.ECRRepositoryImageSchema(),
		ghmodels.OrganizationSchema(),
		ghmodels.MemberSchema(),
		ghmodels.RepositorySchema(),
		cfmodels.AccountSchema(),
		cfmodels.ZoneSchema(),
		cfmodels.DNSRecordSchema(),
		oaimodels.OrganizationSchema(),
		oaimodels.ProjectSchema(),
		oaimodels.UserSchema(),
		oaimodels.APIKeySchema(),
	}
}

// AllMatchLinks lists every matchlink the providers write.
func AllMatchLinks() []model.MatchLinkSchema {
	return []model.MatchLinkSchema{
		awsmodels.AssumedRoleMatchLink(),
		awsmodels.AssumedRoleWithSAMLMatchLink(),
		awsmodels.GitHubRepoAssumedRoleMatchLink(),
	}
}

func createIndexes(ctx context.Context, session client.Session, _ *config.Config, _ intel.Params, logger *zap.Logger) error {
	schemas := AllSchemas()
	if err := client.EnsureIndexes(ctx, session, schemas...); err != nil {
		return err
	}
	links := AllMatchLinks()
	if err := client.EnsureMatchLinkIndexes(ctx, session, links...); err != nil {
		return err
	}
	logger.Info("Ensured indexes.", zap.Int("schemas", len(schemas)), zap.Int("matchlinks", len(links)))
	return nil
}
