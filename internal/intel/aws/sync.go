package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/config"
	"github.com/xkilldash9x/cartography/internal/intel"
	awsmodels "github.com/xkilldash9x/cartography/internal/models/aws"
)

// Account is one AWS account reached through a profile.
type Account struct {
	ID      string
	Profile string
	Clients Clients
}

// Syncer runs the AWS module for every configured account.
type Syncer struct {
	cfg     config.AWSConfig
	session client.Session
	params  intel.Params
	log     *zap.Logger

	loadClients  func(ctx context.Context, profile string) (Clients, error)
	listProfiles func() ([]string, error)
	now          func() time.Time
}

// NewSyncer creates a Syncer that resolves credentials through the SDK.
func NewSyncer(session client.Session, cfg config.AWSConfig, params intel.Params, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		cfg:          cfg,
		session:      session,
		params:       params,
		log:          logger.Named("aws"),
		loadClients:  LoadClients,
		listProfiles: ListProfiles,
		now:          time.Now,
	}
}

// StartIngestion is the engine entrypoint for the AWS module.
func StartIngestion(ctx context.Context, session client.Session, cfg *config.Config, params intel.Params, logger *zap.Logger) error {
	return NewSyncer(session, cfg.AWS, params, logger).Run(ctx)
}

// Run discovers accounts, loads them, then syncs each one. In best-effort
// mode a failing account is logged and the error returned only after every
// account was attempted.
func (s *Syncer) Run(ctx context.Context) error {
	accounts, err := s.discoverAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		s.log.Info("No valid AWS credentials could be found. Skipping AWS sync.")
		return nil
	}

	if err := s.loadAccounts(ctx, accounts); err != nil {
		return err
	}

	var errs []error
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := s.log.With(zap.String("account", acct.ID), zap.String("profile", acct.Profile))
		log.Info("Syncing AWS account.")
		if err := s.syncAccount(ctx, acct, log); err != nil {
			if !s.cfg.BestEffortMode {
				return fmt.Errorf("failed to sync AWS account %s: %w", acct.ID, err)
			}
			log.Error("AWS account sync failed; continuing in best-effort mode.", zap.Error(err))
			errs = append(errs, fmt.Errorf("account %s: %w", acct.ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("AWS sync failed for %d account(s): %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func (s *Syncer) discoverAccounts(ctx context.Context) ([]Account, error) {
	profiles := []string{""}
	if s.cfg.SyncAllProfiles {
		listed, err := s.listProfiles()
		if err != nil {
			return nil, fmt.Errorf("failed to list AWS profiles: %w", err)
		}
		profiles = listed
	}

	seen := map[string]struct{}{}
	var accounts []Account
	for _, profile := range profiles {
		clients, err := s.loadClients(ctx, profile)
		if err != nil {
			s.log.Warn("Skipping AWS profile.", zap.String("profile", profile), zap.Error(err))
			continue
		}
		id, err := GetAccountID(ctx, clients.STS())
		if err != nil {
			s.log.Warn("Unable to resolve AWS account for profile.", zap.String("profile", profile), zap.Error(err))
			continue
		}
		if _, dup := seen[id]; dup {
			s.log.Debug("Profile points at an account already discovered.", zap.String("profile", profile), zap.String("account", id))
			continue
		}
		seen[id] = struct{}{}
		accounts = append(accounts, Account{ID: id, Profile: profile, Clients: clients})
	}
	return accounts, nil
}

func (s *Syncer) loadAccounts(ctx context.Context, accounts []Account) error {
	records := make([]map[string]any, 0, len(accounts))
	for _, a := range accounts {
		name := a.Profile
		if name == "" {
			name = a.ID
		}
		records = append(records, map[string]any{"id": a.ID, "name": name, "inscope": true, "foreign": false})
	}
	return client.Load(ctx, s.session, awsmodels.AccountSchema(), records, s.params.LoadKwargs(nil))
}

func (s *Syncer) regions(ctx context.Context, acct Account) ([]string, error) {
	if len(s.cfg.Regions) > 0 {
		return s.cfg.Regions, nil
	}
	return GetRegions(ctx, acct.Clients.EC2(DefaultRegion))
}

func (s *Syncer) syncAccount(ctx context.Context, acct Account, log *zap.Logger) error {
	regions, err := s.regions(ctx, acct)
	if err != nil {
		return err
	}

	if err := SyncIAM(ctx, s.session, acct.Clients.IAM(), acct.ID, s.params, log.Named("iam")); err != nil {
		return err
	}
	if err := SyncS3(ctx, s.session, acct.Clients.S3(), acct.ID, s.params, log.Named("s3")); err != nil {
		return err
	}

	ecrLog := log.Named("ecr")
	err = s.forEachRegion(regions, ecrLog, func(region string) error {
		return SyncECRRegion(ctx, s.session, acct.Clients.ECR(region), acct.ID, region, s.cfg.ECRImageConcurrency, s.params, ecrLog)
	})
	if err != nil {
		return err
	}
	if err := CleanupECR(ctx, s.session, acct.ID, s.params, ecrLog); err != nil {
		return err
	}

	if s.cfg.CloudTrailLookbackHours <= 0 {
		return nil
	}
	trailLog := log.Named("cloudtrail")
	lookback := time.Duration(s.cfg.CloudTrailLookbackHours) * time.Hour
	if err := SyncCloudTrail(ctx, s.session, acct.Clients.CloudTrail, acct.ID, regions, lookback, s.now(), s.params, trailLog); err != nil {
		return err
	}
	return CleanupCloudTrail(ctx, s.session, acct.ID, s.params, trailLog)
}

// forEachRegion runs fn per region, skipping regions the credentials cannot use.
func (s *Syncer) forEachRegion(regions []string, log *zap.Logger, fn func(region string) error) error {
	for _, region := range regions {
		if err := fn(region); err != nil {
			if IsRegionAccessError(err) {
				log.Warn("Access denied in region; skipping.", zap.String("region", region), zap.Error(err))
				continue
			}
			return fmt.Errorf("region %s: %w", region, err)
		}
	}
	return nil
}
