// Package aws syncs AWS accounts into the graph: IAM principals, S3 buckets,
// ECR repositories and images, and CloudTrail role assumptions.
package aws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// DefaultRegion is used for global services and region discovery.
const DefaultRegion = "us-east-1"

// -- Service interfaces --
// Each is the subset of the SDK client the sync uses, so tests can fake it.

type STSAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type EC2API interface {
	DescribeRegions(ctx context.Context, in *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

type IAMAPI interface {
	iam.ListUsersAPIClient
	iam.ListRolesAPIClient
}

type S3API interface {
	s3.ListBucketsAPIClient
}

type ECRAPI interface {
	ecr.DescribeRepositoriesAPIClient
	ecr.ListImagesAPIClient
}

type CloudTrailAPI interface {
	cloudtrail.LookupEventsAPIClient
}

// Clients hands out service clients for one set of credentials.
type Clients interface {
	STS() STSAPI
	EC2(region string) EC2API
	IAM() IAMAPI
	S3() S3API
	ECR(region string) ECRAPI
	CloudTrail(region string) CloudTrailAPI
}

type sdkClients struct {
	cfg awssdk.Config
}

// NewClients wraps an SDK config.
func NewClients(cfg awssdk.Config) Clients {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	return sdkClients{cfg: cfg}
}

func (c sdkClients) STS() STSAPI { return sts.NewFromConfig(c.cfg) }
func (c sdkClients) IAM() IAMAPI { return iam.NewFromConfig(c.cfg) }
func (c sdkClients) S3() S3API   { return s3.NewFromConfig(c.cfg) }

func (c sdkClients) EC2(region string) EC2API {
	return ec2.NewFromConfig(c.cfg, func(o *ec2.Options) { o.Region = region })
}

func (c sdkClients) ECR(region string) ECRAPI {
	return ecr.NewFromConfig(c.cfg, func(o *ecr.Options) { o.Region = region })
}

func (c sdkClients) CloudTrail(region string) CloudTrailAPI {
	return cloudtrail.NewFromConfig(c.cfg, func(o *cloudtrail.Options) { o.Region = region })
}

// LoadClients resolves credentials for profile ("" is the default chain).
func LoadClients(ctx context.Context, profile string) (Clients, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for profile %q: %w", profile, err)
	}
	return NewClients(cfg), nil
}

// GetAccountID returns the account the credentials belong to.
func GetAccountID(ctx context.Context, client STSAPI) (string, error) {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", err
	}
	if out.Account == nil {
		return "", errors.New("GetCallerIdentity returned no account")
	}
	return *out.Account, nil
}

// GetRegions returns the regions enabled for the account, sorted.
func GetRegions(ctx context.Context, client EC2API) ([]string, error) {
	out, err := client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to describe regions: %w", err)
	}
	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		if r.RegionName != nil {
			regions = append(regions, *r.RegionName)
		}
	}
	sort.Strings(regions)
	return regions, nil
}

// ListProfiles returns the profile names declared in the shared config and
// credentials files.
func ListProfiles() ([]string, error) {
	files := append([]string{}, awsconfig.DefaultSharedConfigFiles...)
	files = append(files, awsconfig.DefaultSharedCredentialsFiles...)
	if f := os.Getenv("AWS_CONFIG_FILE"); f != "" {
		files = append(files, f)
	}
	if f := os.Getenv("AWS_SHARED_CREDENTIALS_FILE"); f != "" {
		files = append(files, f)
	}

	seen := map[string]struct{}{}
	for _, path := range files {
		names, err := profilesInFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, n := range names {
			seen[n] = struct{}{}
		}
	}
	profiles := make([]string, 0, len(seen))
	for n := range seen {
		profiles = append(profiles, n)
	}
	sort.Strings(profiles)
	return profiles, nil
}

func profilesInFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
			continue
		}
		section := strings.TrimSpace(line[1 : len(line)-1])
		switch {
		case strings.HasPrefix(section, "profile "):
			names = append(names, strings.TrimSpace(strings.TrimPrefix(section, "profile ")))
		case strings.HasPrefix(section, "sso-session ") || strings.HasPrefix(section, "services "):
		default:
			names = append(names, section)
		}
	}
	return names, sc.Err()
}

var accessDeniedCodes = map[string]struct{}{
	"AccessDenied":                {},
	"AccessDeniedException":       {},
	"UnauthorizedOperation":       {},
	"UnrecognizedClientException": {},
	"InvalidClientTokenId":        {},
	"AuthFailure":                 {},
	"OptInRequired":               {},
}

// IsRegionAccessError reports errors that mean "this region is not usable
// with these credentials" rather than a real failure.
func IsRegionAccessError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	_, ok := accessDeniedCodes[apiErr.ErrorCode()]
	return ok
}
