package aws

import (
	"context"
	"sync/atomic"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// -- Fake SDK clients --

type fakeSTS struct {
	account string
	err     error
}

func (f fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Account: awssdk.String(f.account)}, nil
}

type fakeEC2 struct{ regions []string }

func (f fakeEC2) DescribeRegions(context.Context, *ec2.DescribeRegionsInput, ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error) {
	out := &ec2.DescribeRegionsOutput{}
	for _, r := range f.regions {
		out.Regions = append(out.Regions, ec2types.Region{RegionName: awssdk.String(r)})
	}
	return out, nil
}

type fakeIAM struct {
	userPages [][]iamtypes.User
	roles     []iamtypes.Role
	err       error
}

func (f *fakeIAM) ListUsers(_ context.Context, in *iam.ListUsersInput, _ ...func(*iam.Options)) (*iam.ListUsersOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.userPages) == 0 {
		return &iam.ListUsersOutput{}, nil
	}
	page := 0
	if in.Marker != nil {
		page = int((*in.Marker)[0] - '0')
	}
	out := &iam.ListUsersOutput{Users: f.userPages[page]}
	if page+1 < len(f.userPages) {
		out.IsTruncated = true
		out.Marker = awssdk.String(string(rune('0' + page + 1)))
	}
	return out, nil
}

func (f *fakeIAM) ListRoles(context.Context, *iam.ListRolesInput, ...func(*iam.Options)) (*iam.ListRolesOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &iam.ListRolesOutput{Roles: f.roles}, nil
}

type fakeS3 struct{ buckets []s3types.Bucket }

func (f fakeS3) ListBuckets(context.Context, *s3.ListBucketsInput, ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	return &s3.ListBucketsOutput{Buckets: f.buckets}, nil
}

type fakeECR struct {
	repos  []ecrtypes.Repository
	images map[string][]ecrtypes.ImageIdentifier
	err    error

	inFlight    int32
	maxInFlight int32
}

func (f *fakeECR) DescribeRepositories(context.Context, *ecr.DescribeRepositoriesInput, ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ecr.DescribeRepositoriesOutput{Repositories: f.repos}, nil
}

func (f *fakeECR) ListImages(_ context.Context, in *ecr.ListImagesInput, _ ...func(*ecr.Options)) (*ecr.ListImagesOutput, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		cur := atomic.LoadInt32(&f.maxInFlight)
		if n <= cur || atomic.CompareAndSwapInt32(&f.maxInFlight, cur, n) {
			break
		}
	}
	return &ecr.ListImagesOutput{ImageIds: f.images[*in.RepositoryName]}, nil
}

type fakeTrail struct {
	byName map[string][]cttypes.Event
	err    error
}

func (f fakeTrail) LookupEvents(_ context.Context, in *cloudtrail.LookupEventsInput, _ ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	name := *in.LookupAttributes[0].AttributeValue
	return &cloudtrail.LookupEventsOutput{Events: f.byName[name]}, nil
}

type fakeClients struct {
	sts   fakeSTS
	ec2   fakeEC2
	iam   *fakeIAM
	s3    fakeS3
	ecr   map[string]*fakeECR
	trail fakeTrail
	// trails overrides trail per region.
	trails map[string]fakeTrail
}

func (f fakeClients) STS() STSAPI                     { return f.sts }
func (f fakeClients) EC2(string) EC2API               { return f.ec2 }
func (f fakeClients) IAM() IAMAPI                     { return f.iam }
func (f fakeClients) S3() S3API                       { return f.s3 }

func (f fakeClients) CloudTrail(region string) CloudTrailAPI {
	if t, ok := f.trails[region]; ok {
		return t
	}
	return f.trail
}

func (f fakeClients) ECR(region string) ECRAPI {
	if e, ok := f.ecr[region]; ok {
		return e
	}
	return &fakeECR{}
}
