package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/graph/job"
	"github.com/xkilldash9x/cartography/internal/graph/model"
	"github.com/xkilldash9x/cartography/internal/intel"
	awsmodels "github.com/xkilldash9x/cartography/internal/models/aws"
)

// Management event names the CloudTrail sync looks up.
const (
	EventAssumeRole                = "AssumeRole"
	EventAssumeRoleWithSAML        = "AssumeRoleWithSAML"
	EventAssumeRoleWithWebIdentity = "AssumeRoleWithWebIdentity"
)

// TimeWindowFormat renders first_seen_in_time_window and last_used.
const TimeWindowFormat = "2006-01-02T15:04:05.000000"

// GitHubActionsProvider identifies GitHub Actions OIDC web identities.
const GitHubActionsProvider = "token.actions.githubusercontent.com"

// LookupEvents is throttled by AWS to two calls per second per region.
const lookupEventsPerSecond = 2

// RoleAssumption is the aggregate of every event with the same source and destination.
type RoleAssumption struct {
	Source      string
	Destination string
	TimesUsed   int
	FirstSeen   time.Time
	LastUsed    time.Time
}

type trailRecord struct {
	EventTime    time.Time `json:"eventTime"`
	UserIdentity struct {
		Type             string `json:"type"`
		ARN              string `json:"arn"`
		UserName         string `json:"userName"`
		IdentityProvider string `json:"identityProvider"`
	} `json:"userIdentity"`
	RequestParameters struct {
		RoleArn string `json:"roleArn"`
	} `json:"requestParameters"`
}

// GetEvents fetches events named eventName in [start, end).
func GetEvents(ctx context.Context, api cloudtrail.LookupEventsAPIClient, eventName string, start, end time.Time, limiter *rate.Limiter) ([]cttypes.Event, error) {
	if limiter == nil {
		limiter = rate.NewLimiter(lookupEventsPerSecond, 1)
	}
	var events []cttypes.Event
	p := cloudtrail.NewLookupEventsPaginator(api, &cloudtrail.LookupEventsInput{
		LookupAttributes: []cttypes.LookupAttribute{{
			AttributeKey:   cttypes.LookupAttributeKeyEventName,
			AttributeValue: awssdk.String(eventName),
		}},
		StartTime: awssdk.Time(start),
		EndTime:   awssdk.Time(end),
	})
	for p.HasMorePages() {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to look up %s events: %w", eventName, err)
		}
		events = append(events, page.Events...)
	}
	return events, nil
}

// NormalizePrincipalARN maps an STS assumed-role session ARN
// (arn:aws:sts::111:assumed-role/Role/session) to the role's IAM ARN
// (arn:aws:iam::111:role/Role). Other ARNs are returned unchanged.
func NormalizePrincipalARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 6 || !strings.HasPrefix(parts[5], "assumed-role/") {
		return arn
	}
	segments := strings.Split(parts[5], "/")
	if len(segments) < 2 || segments[1] == "" {
		return arn
	}
	return fmt.Sprintf("arn:%s:iam::%s:role/%s", parts[1], parts[4], segments[1])
}

// TransformAssumeRoleEventsToRoleAssumptions aggregates AssumeRole events by
// (source principal, destination role).
func TransformAssumeRoleEventsToRoleAssumptions(events []cttypes.Event, logger *zap.Logger) []map[string]any {
	assumptions := aggregate(events, logger, func(r trailRecord) string {
		return NormalizePrincipalARN(r.UserIdentity.ARN)
	})
	return toRecords(assumptions, "source_principal_arn")
}

// TransformSAMLEventsToRoleAssumptions aggregates AssumeRoleWithSAML events by
// (SAML user name, destination role).
func TransformSAMLEventsToRoleAssumptions(events []cttypes.Event, logger *zap.Logger) []map[string]any {
	assumptions := aggregate(events, logger, func(r trailRecord) string {
		return r.UserIdentity.UserName
	})
	return toRecords(assumptions, "source_user_name")
}

// TransformWebIdentityEventsToRoleAssumptions keeps only GitHub Actions
// identities and aggregates them by (repository full name, destination role).
func TransformWebIdentityEventsToRoleAssumptions(events []cttypes.Event, logger *zap.Logger) []map[string]any {
	assumptions := aggregate(events, logger, func(r trailRecord) string {
		if !strings.Contains(r.UserIdentity.IdentityProvider, GitHubActionsProvider) {
			return ""
		}
		return githubRepoFromSubject(r.UserIdentity.UserName)
	})
	return toRecords(assumptions, "source_repo_fullname")
}

// githubRepoFromSubject extracts "org/repo" from an OIDC subject such as
// "repo:org/repo:ref:refs/heads/main".
func githubRepoFromSubject(sub string) string {
	parts := strings.Split(sub, ":")
	if len(parts) < 2 || parts[0] != "repo" || !strings.Contains(parts[1], "/") {
		return ""
	}
	return parts[1]
}

func aggregate(events []cttypes.Event, logger *zap.Logger, source func(trailRecord) string) []*RoleAssumption {
	if logger == nil {
		logger = zap.NewNop()
	}
	type key struct{ source, destination string }
	index := map[key]*RoleAssumption{}
	var ordered []*RoleAssumption

	for _, ev := range events {
		var rec trailRecord
		if ev.CloudTrailEvent == nil || json.Unmarshal([]byte(*ev.CloudTrailEvent), &rec) != nil {
			logger.Debug("Skipping CloudTrail event with unreadable payload.", zap.String("event_id", derefString(ev.EventId)))
			continue
		}
		src := source(rec)
		dst := rec.RequestParameters.RoleArn
		if src == "" || dst == "" {
			logger.Debug("Skipping CloudTrail event without a resolvable source or destination.", zap.String("event_id", derefString(ev.EventId)))
			continue
		}

		at := rec.EventTime
		if ev.EventTime != nil {
			at = *ev.EventTime
		}
		at = at.UTC()

		k := key{src, dst}
		agg, ok := index[k]
		if !ok {
			agg = &RoleAssumption{Source: src, Destination: dst, FirstSeen: at, LastUsed: at}
			index[k] = agg
			ordered = append(ordered, agg)
		}
		agg.TimesUsed++
		if at.Before(agg.FirstSeen) {
			agg.FirstSeen = at
		}
		if at.After(agg.LastUsed) {
			agg.LastUsed = at
		}
	}
	return ordered
}

func toRecords(assumptions []*RoleAssumption, sourceKey string) []map[string]any {
	out := make([]map[string]any, 0, len(assumptions))
	for _, a := range assumptions {
		out = append(out, map[string]any{
			sourceKey:                   a.Source,
			"destination_principal_arn": a.Destination,
			"times_used":                a.TimesUsed,
			"first_seen_in_time_window": a.FirstSeen.Format(TimeWindowFormat),
			"last_used":                 a.LastUsed.Format(TimeWindowFormat),
		})
	}
	return out
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type trailLink struct {
	eventName string
	schema    model.MatchLinkSchema
	transform func([]cttypes.Event, *zap.Logger) []map[string]any
}

func trailLinks() []trailLink {
	return []trailLink{
		{EventAssumeRole, awsmodels.AssumedRoleMatchLink(), TransformAssumeRoleEventsToRoleAssumptions},
		{EventAssumeRoleWithSAML, awsmodels.AssumedRoleWithSAMLMatchLink(), TransformSAMLEventsToRoleAssumptions},
		{EventAssumeRoleWithWebIdentity, awsmodels.GitHubRepoAssumedRoleMatchLink(), TransformWebIdentityEventsToRoleAssumptions},
	}
}

// SyncCloudTrail loads role assumptions seen across every region of the
// account over the lookback window ending at end. Events are aggregated
// account-wide so each (source, destination) pair is written once per run.
// Regions the credentials cannot use are skipped.
func SyncCloudTrail(ctx context.Context, session client.Session, apiFor func(region string) CloudTrailAPI, accountID string, regions []string, lookback time.Duration, end time.Time, params intel.Params, logger *zap.Logger) error {
	start := end.Add(-lookback)
	links := trailLinks()
	events := make([][]cttypes.Event, len(links))

	for _, region := range regions {
		api := apiFor(region)
		limiter := rate.NewLimiter(lookupEventsPerSecond, 1)
		regional := make([][]cttypes.Event, len(links))
		var skip bool
		for i, link := range links {
			found, err := GetEvents(ctx, api, link.eventName, start, end, limiter)
			if err != nil {
				if IsRegionAccessError(err) {
					logger.Warn("Skipping region without access.", zap.String("region", region), zap.Error(err))
					skip = true
					break
				}
				return fmt.Errorf("region %s: %w", region, err)
			}
			regional[i] = found
		}
		if skip {
			continue
		}
		for i := range links {
			events[i] = append(events[i], regional[i]...)
		}
	}

	kwargs := params.LoadKwargs(map[string]any{
		model.PropSubResourceLabel: awsmodels.AccountLabel,
		model.PropSubResourceID:    accountID,
	})
	for i, link := range links {
		records := link.transform(events[i], logger)
		if err := client.LoadMatchLinks(ctx, session, link.schema, records, kwargs); err != nil {
			return err
		}
		logger.Info("Loaded role assumptions.",
			zap.String("account", accountID), zap.String("event", link.eventName),
			zap.Int("events", len(events[i])), zap.Int("assumptions", len(records)))
	}
	return nil
}

// CleanupCloudTrail removes role assumptions for the account not seen this run.
func CleanupCloudTrail(ctx context.Context, session client.Session, accountID string, params intel.Params, logger *zap.Logger) error {
	for _, link := range trailLinks() {
		j, err := job.FromMatchLink(link.schema, awsmodels.AccountLabel, accountID, params.JobParameters(nil), params.IterationSize)
		if err != nil {
			return err
		}
		if err := j.Run(ctx, session, logger); err != nil {
			return err
		}
	}
	return nil
}
