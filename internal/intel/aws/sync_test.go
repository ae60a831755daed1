package aws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/config"
	"github.com/xkilldash9x/cartography/internal/intel"
	"github.com/xkilldash9x/cartography/internal/mocks"
)

func healthyClients(account string) fakeClients {
	return fakeClients{
		sts: fakeSTS{account: account},
		ec2: fakeEC2{regions: []string{"us-west-2", "us-east-1"}},
		iam: &fakeIAM{roles: []iamtypes.Role{{Arn: awssdk.String("arn:aws:iam::" + account + ":role/R")}}},
		ecr: map[string]*fakeECR{},
	}
}

func newTestSyncer(t *testing.T, session client.Session, cfg config.AWSConfig, profiles map[string]Clients) *Syncer {
	t.Helper()
	s := NewSyncer(session, cfg, intel.Params{UpdateTag: 42, IterationSize: 100}, zaptest.NewLogger(t))
	s.listProfiles = func() ([]string, error) {
		names := make([]string, 0, len(profiles))
		for _, n := range []string{"default", "dev", "prod", "broken"} {
			if _, ok := profiles[n]; ok {
				names = append(names, n)
			}
		}
		return names, nil
	}
	s.loadClients = func(_ context.Context, profile string) (Clients, error) {
		if profile == "" {
			profile = "default"
		}
		c, ok := profiles[profile]
		if !ok || c == nil {
			return nil, fmt.Errorf("no credentials for %q", profile)
		}
		return c, nil
	}
	s.now = func() time.Time { return time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC) }
	return s
}

func permissiveSession() *mocks.MockSession {
	session := new(mocks.MockSession)
	session.On("Write", mock.Anything, mock.Anything, mock.Anything).Return(client.Summary{}, nil)
	return session
}

func accountIDs(session *mocks.MockSession) []string {
	var ids []string
	for _, call := range session.Calls {
		p, _ := call.Arguments.Get(2).(map[string]any)
		rows, _ := p["DictList"].([]any)
		for _, r := range rows {
			rec, _ := r.(map[string]any)
			if _, isAccount := rec["inscope"]; isAccount {
				ids = append(ids, rec["id"].(string))
			}
		}
	}
	return ids
}

func TestSyncer_NoCredentialsSkips(t *testing.T) {
	session := new(mocks.MockSession)
	s := newTestSyncer(t, session, config.AWSConfig{}, map[string]Clients{})

	require.NoError(t, s.Run(context.Background()))
	session.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything)
}

func TestSyncer_AllProfilesDeduplicatesAccounts(t *testing.T) {
	session := permissiveSession()
	s := newTestSyncer(t, session, config.AWSConfig{SyncAllProfiles: true}, map[string]Clients{
		"default": healthyClients("111111111111"),
		"dev":     healthyClients("111111111111"),
		"prod":    healthyClients("222222222222"),
		"broken":  nil,
	})

	require.NoError(t, s.Run(context.Background()))
	assert.ElementsMatch(t, []string{"111111111111", "222222222222"}, accountIDs(session))
}

func TestSyncer_BestEffortWrapsVendorErrors(t *testing.T) {
	failing := healthyClients("222222222222")
	failing.iam = &fakeIAM{err: &smithy.GenericAPIError{Code: "Throttling", Message: "slow down"}}

	s := newTestSyncer(t, permissiveSession(), config.AWSConfig{SyncAllProfiles: true, BestEffortMode: true},
		map[string]Clients{"dev": failing, "prod": healthyClients("111111111111")})
	err := s.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "222222222222")
	assert.NotContains(t, err.Error(), "account 111111111111")
	var apiErr smithy.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Throttling", apiErr.ErrorCode())
}

func TestSyncer_BestEffortSyncsHealthyAccount(t *testing.T) {
	failing := healthyClients("222222222222")
	failing.iam = &fakeIAM{err: assert.AnError}
	healthy := healthyClients("111111111111")
	healthy.iam = &fakeIAM{userPages: [][]iamtypes.User{{{Arn: awssdk.String(testUserARN)}}}}

	var userLoads int
	session := new(mocks.MockSession)
	session.On("Write", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			p, _ := args.Get(2).(map[string]any)
			if rows, ok := p["DictList"].([]any); ok {
				if _, user := rows[0].(map[string]any)["passwordlastused"]; user {
					userLoads++
				}
			}
		}).
		Return(client.Summary{}, nil)

	s := newTestSyncer(t, session, config.AWSConfig{SyncAllProfiles: true, BestEffortMode: true},
		map[string]Clients{"dev": failing, "prod": healthy})

	err := s.Run(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, userLoads)
}

func TestSyncer_StrictModeStopsAtFirstFailure(t *testing.T) {
	failing := healthyClients("111111111111")
	failing.iam = &fakeIAM{err: assert.AnError}
	second := healthyClients("222222222222")
	second.iam = &fakeIAM{userPages: [][]iamtypes.User{{{Arn: awssdk.String(testUserARN)}}}}

	var userLoads int
	session := new(mocks.MockSession)
	session.On("Write", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			p, _ := args.Get(2).(map[string]any)
			if rows, ok := p["DictList"].([]any); ok {
				if _, user := rows[0].(map[string]any)["passwordlastused"]; user {
					userLoads++
				}
			}
		}).
		Return(client.Summary{}, nil)

	s := newTestSyncer(t, session, config.AWSConfig{SyncAllProfiles: true},
		map[string]Clients{"dev": failing, "prod": second})

	err := s.Run(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "111111111111")
	assert.Zero(t, userLoads)
}

func TestSyncer_SkipsRegionsWithoutAccess(t *testing.T) {
	c := healthyClients("111111111111")
	c.ecr = map[string]*fakeECR{
		"us-west-2": {err: &smithy.GenericAPIError{Code: "UnrecognizedClientException"}},
		"us-east-1": {
			repos:  []ecrtypes.Repository{testRepo("api")},
			images: map[string][]ecrtypes.ImageIdentifier{},
		},
	}
	session := permissiveSession()
	s := newTestSyncer(t, session, config.AWSConfig{CloudTrailLookbackHours: 24}, map[string]Clients{"default": c})

	require.NoError(t, s.Run(context.Background()))

	var repoLoaded bool
	for _, call := range session.Calls {
		p, _ := call.Arguments.Get(2).(map[string]any)
		if rows, ok := p["DictList"].([]any); ok && p["Region"] == "us-east-1" {
			if _, ok := rows[0].(map[string]any)["uri"]; ok {
				repoLoaded = true
			}
		}
	}
	assert.True(t, repoLoaded)
}

func TestSyncer_CloudTrailCountsEveryRegionOnce(t *testing.T) {
	at := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	event := func() []cttypes.Event {
		return []cttypes.Event{trailEvent(t, at, map[string]string{"arn": testUserARN}, testRoleARN)}
	}
	c := healthyClients("111111111111")
	c.trails = map[string]fakeTrail{
		"us-west-2": {byName: map[string][]cttypes.Event{EventAssumeRole: event()}},
		"us-east-1": {byName: map[string][]cttypes.Event{EventAssumeRole: event()}},
	}
	session := new(mocks.MockSession)
	batches := assumeRoleWrites(session)
	s := newTestSyncer(t, session, config.AWSConfig{CloudTrailLookbackHours: 48}, map[string]Clients{"default": c})
	s.now = func() time.Time { return at.Add(time.Hour) }

	require.NoError(t, s.Run(context.Background()))

	require.Len(t, *batches, 1)
	rows := (*batches)[0]["DictList"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].(map[string]any)["times_used"])
}

func TestSyncer_RegionFailureAborts(t *testing.T) {
	c := healthyClients("111111111111")
	c.ecr = map[string]*fakeECR{"us-east-1": {err: &smithy.GenericAPIError{Code: "InternalFailure"}}}
	s := newTestSyncer(t, permissiveSession(), config.AWSConfig{Regions: []string{"us-east-1"}}, map[string]Clients{"default": c})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "region us-east-1")
}

func TestIsRegionAccessError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, true},
		{"opt in", fmt.Errorf("wrapped: %w", &smithy.GenericAPIError{Code: "OptInRequired"}), true},
		{"auth failure", &smithy.GenericAPIError{Code: "AuthFailure"}, true},
		{"throttling", &smithy.GenericAPIError{Code: "Throttling"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRegionAccessError(tt.err))
		})
	}
}

func TestGetRegions_Sorted(t *testing.T) {
	regions, err := GetRegions(context.Background(), fakeEC2{regions: []string{"us-west-2", "eu-west-1", "us-east-1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"eu-west-1", "us-east-1", "us-west-2"}, regions)
}

func TestGetAccountID(t *testing.T) {
	id, err := GetAccountID(context.Background(), fakeSTS{account: "111111111111"})
	require.NoError(t, err)
	assert.Equal(t, "111111111111", id)

	_, err = GetAccountID(context.Background(), fakeSTS{err: assert.AnError})
	require.ErrorIs(t, err, assert.AnError)
}

func TestNewClients_DefaultsRegion(t *testing.T) {
	cfg := awssdk.Config{Credentials: credentials.NewStaticCredentialsProvider("AKID", "SECRET", "")}
	c := NewClients(cfg)

	sc, ok := c.(sdkClients)
	require.True(t, ok)
	assert.Equal(t, DefaultRegion, sc.cfg.Region)
	assert.NotNil(t, c.STS())
	assert.NotNil(t, c.ECR("eu-west-1"))
}

func TestListProfiles_ReadsSharedFiles(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config")
	credsFile := filepath.Join(dir, "credentials")
	require.NoError(t, os.WriteFile(configFile, []byte(`
[default]
region = us-east-1

[profile dev]
region = us-west-2

[sso-session corp]
sso_start_url = https://example.awsapps.com/start
`), 0o600))
	require.NoError(t, os.WriteFile(credsFile, []byte(`
[default]
aws_access_key_id = AKID
[prod]
aws_access_key_id = AKID2
`), 0o600))
	t.Setenv("AWS_CONFIG_FILE", configFile)
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", credsFile)
	t.Setenv("HOME", dir)

	profiles, err := ListProfiles()
	require.NoError(t, err)
	assert.Subset(t, profiles, []string{"default", "dev", "prod"})
	assert.NotContains(t, profiles, "corp")
	assert.NotContains(t, profiles, "sso-session corp")
}
