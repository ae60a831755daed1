package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/graph/job"
	"github.com/xkilldash9x/cartography/internal/graph/model"
	"github.com/xkilldash9x/cartography/internal/intel"
	awsmodels "github.com/xkilldash9x/cartography/internal/models/aws"
)

// GetUsers lists every IAM user in the account.
func GetUsers(ctx context.Context, api iam.ListUsersAPIClient) ([]iamtypes.User, error) {
	var users []iamtypes.User
	p := iam.NewListUsersPaginator(api, &iam.ListUsersInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list IAM users: %w", err)
		}
		users = append(users, page.Users...)
	}
	return users, nil
}

// GetRoles lists every IAM role in the account.
func GetRoles(ctx context.Context, api iam.ListRolesAPIClient) ([]iamtypes.Role, error) {
	var roles []iamtypes.Role
	p := iam.NewListRolesPaginator(api, &iam.ListRolesInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list IAM roles: %w", err)
		}
		roles = append(roles, page.Roles...)
	}
	return roles, nil
}

// TransformUsers flattens SDK users into AWSUser records.
func TransformUsers(users []iamtypes.User) []map[string]any {
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		out = append(out, map[string]any{
			"arn":              deref(u.Arn),
			"userid":           deref(u.UserId),
			"name":             deref(u.UserName),
			"path":             deref(u.Path),
			"createdate":       formatTime(u.CreateDate),
			"passwordlastused": formatTime(u.PasswordLastUsed),
		})
	}
	return out
}

// TransformRoles flattens SDK roles into AWSRole records.
func TransformRoles(roles []iamtypes.Role) []map[string]any {
	out := make([]map[string]any, 0, len(roles))
	for _, r := range roles {
		out = append(out, map[string]any{
			"arn":        deref(r.Arn),
			"roleid":     deref(r.RoleId),
			"name":       deref(r.RoleName),
			"path":       deref(r.Path),
			"createdate": formatTime(r.CreateDate),
		})
	}
	return out
}

// SyncIAM loads users and roles for one account and removes stale ones.
func SyncIAM(ctx context.Context, session client.Session, api IAMAPI, accountID string, params intel.Params, logger *zap.Logger) error {
	users, err := GetUsers(ctx, api)
	if err != nil {
		return err
	}
	roles, err := GetRoles(ctx, api)
	if err != nil {
		return err
	}

	scope := map[string]any{awsmodels.AccountIDKwarg: accountID}
	if err := client.Load(ctx, session, awsmodels.UserSchema(), TransformUsers(users), params.LoadKwargs(scope)); err != nil {
		return err
	}
	if err := client.Load(ctx, session, awsmodels.RoleSchema(), TransformRoles(roles), params.LoadKwargs(scope)); err != nil {
		return err
	}
	logger.Info("Loaded IAM principals.", zap.String("account", accountID), zap.Int("users", len(users)), zap.Int("roles", len(roles)))

	return cleanupSchemas(ctx, session, params.JobParameters(scope), params.IterationSize, logger, awsmodels.UserSchema(), awsmodels.RoleSchema())
}

func deref(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func cleanupSchemas(ctx context.Context, session client.Session, jobParams map[string]any, iterationSize int, logger *zap.Logger, schemas ...model.NodeSchema) error {
	for _, s := range schemas {
		j, err := job.FromNodeSchema(s, jobParams, iterationSize)
		if err != nil {
			return err
		}
		if err := j.Run(ctx, session, logger); err != nil {
			return err
		}
	}
	return nil
}
