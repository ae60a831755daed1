// Package cloudflare syncs the accounts, zones and DNS records visible to a
// Cloudflare API token.
package cloudflare

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/config"
	"github.com/xkilldash9x/cartography/internal/graph/job"
	"github.com/xkilldash9x/cartography/internal/graph/model"
	"github.com/xkilldash9x/cartography/internal/intel"
	cfmodels "github.com/xkilldash9x/cartography/internal/models/cloudflare"
	"github.com/xkilldash9x/cartography/internal/network"
)

const perPage = 50

// Account is a Cloudflare account.
type Account struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	CreatedOn string `json:"created_on"`
	Settings  struct {
		EnforceTwoFactor bool `json:"enforce_twofactor"`
	} `json:"settings"`
}

// Zone is a DNS zone.
type Zone struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	Paused      bool     `json:"paused"`
	Type        string   `json:"type"`
	NameServers []string `json:"name_servers"`
	CreatedOn   string   `json:"created_on"`
	ModifiedOn  string   `json:"modified_on"`
}

// DNSRecord is one record in a zone.
type DNSRecord struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Content    string `json:"content"`
	Proxied    bool   `json:"proxied"`
	TTL        int    `json:"ttl"`
	Comment    string `json:"comment"`
	CreatedOn  string `json:"created_on"`
	ModifiedOn string `json:"modified_on"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope[T any] struct {
	Success    bool       `json:"success"`
	Errors     []apiError `json:"errors"`
	Result     []T        `json:"result"`
	ResultInfo struct {
		Page       int `json:"page"`
		TotalPages int `json:"total_pages"`
	} `json:"result_info"`
}

// Client reads the Cloudflare v4 API.
type Client struct {
	api *network.APIClient
	log *zap.Logger
}

// NewClient wraps an API client rooted at the v4 endpoint.
func NewClient(api *network.APIClient, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{api: api, log: logger}
}

// getPages requests page 1, 2, ... until result_info.total_pages is reached.
func getPages[T any](ctx context.Context, api *network.APIClient, path string, query url.Values) ([]T, error) {
	var all []T
	for page := 1; ; page++ {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(perPage))

		var env envelope[T]
		if _, err := api.GetJSON(ctx, path, q, &env); err != nil {
			return nil, err
		}
		if !env.Success {
			if len(env.Errors) > 0 {
				return nil, fmt.Errorf("cloudflare %s: %d %s", path, env.Errors[0].Code, env.Errors[0].Message)
			}
			return nil, fmt.Errorf("cloudflare %s: request was not successful", path)
		}
		all = append(all, env.Result...)
		if page >= env.ResultInfo.TotalPages || len(env.Result) == 0 {
			return all, nil
		}
	}
}

// GetAccounts lists the accounts the token can read.
func (c *Client) GetAccounts(ctx context.Context) ([]Account, error) {
	accounts, err := getPages[Account](ctx, c.api, "/accounts", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list Cloudflare accounts: %w", err)
	}
	return accounts, nil
}

// GetZones lists an account's zones.
func (c *Client) GetZones(ctx context.Context, accountID string) ([]Zone, error) {
	zones, err := getPages[Zone](ctx, c.api, "/zones", url.Values{"account.id": {accountID}})
	if err != nil {
		return nil, fmt.Errorf("failed to list zones of account %s: %w", accountID, err)
	}
	return zones, nil
}

// GetDNSRecords lists a zone's records.
func (c *Client) GetDNSRecords(ctx context.Context, zoneID string) ([]DNSRecord, error) {
	records, err := getPages[DNSRecord](ctx, c.api, "/zones/"+url.PathEscape(zoneID)+"/dns_records", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list DNS records of zone %s: %w", zoneID, err)
	}
	return records, nil
}

func transformAccounts(accounts []Account) []map[string]any {
	out := make([]map[string]any, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, map[string]any{
			"id":                a.ID,
			"name":              a.Name,
			"type":              a.Type,
			"created_on":        a.CreatedOn,
			"enforce_twofactor": a.Settings.EnforceTwoFactor,
		})
	}
	return out
}

func transformZones(zones []Zone) []map[string]any {
	out := make([]map[string]any, 0, len(zones))
	for _, z := range zones {
		out = append(out, map[string]any{
			"id":           z.ID,
			"name":         z.Name,
			"status":       z.Status,
			"paused":       z.Paused,
			"type":         z.Type,
			"name_servers": z.NameServers,
			"created_on":   z.CreatedOn,
			"modified_on":  z.ModifiedOn,
		})
	}
	return out
}

func transformDNSRecords(records []DNSRecord) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		rec := map[string]any{
			"id":          r.ID,
			"name":        r.Name,
			"type":        r.Type,
			"content":     r.Content,
			"proxied":     r.Proxied,
			"ttl":         r.TTL,
			"created_on":  r.CreatedOn,
			"modified_on": r.ModifiedOn,
		}
		if r.Comment != "" {
			rec["comment"] = r.Comment
		}
		out = append(out, rec)
	}
	return out
}

func cleanup(ctx context.Context, session client.Session, schema model.NodeSchema, scope map[string]any, params intel.Params, logger *zap.Logger) error {
	j, err := job.FromNodeSchema(schema, params.JobParameters(scope), params.IterationSize)
	if err != nil {
		return err
	}
	return j.Run(ctx, session, logger)
}

// Sync walks accounts, then each account's zones, then each zone's records.
// Every scope is cleaned up once its children are loaded.
func (c *Client) Sync(ctx context.Context, session client.Session, params intel.Params) error {
	accounts, err := c.GetAccounts(ctx)
	if err != nil {
		return err
	}
	if err := client.Load(ctx, session, cfmodels.AccountSchema(), transformAccounts(accounts), params.LoadKwargs(nil)); err != nil {
		return err
	}

	for _, a := range accounts {
		acctScope := map[string]any{cfmodels.AccountIDKwarg: a.ID}
		zones, err := c.GetZones(ctx, a.ID)
		if err != nil {
			return err
		}
		if err := client.Load(ctx, session, cfmodels.ZoneSchema(), transformZones(zones), params.LoadKwargs(acctScope)); err != nil {
			return err
		}

		for _, z := range zones {
			zoneScope := map[string]any{cfmodels.ZoneIDKwarg: z.ID}
			records, err := c.GetDNSRecords(ctx, z.ID)
			if err != nil {
				return err
			}
			if err := client.Load(ctx, session, cfmodels.DNSRecordSchema(), transformDNSRecords(records), params.LoadKwargs(zoneScope)); err != nil {
				return err
			}
			if err := cleanup(ctx, session, cfmodels.DNSRecordSchema(), zoneScope, params, c.log); err != nil {
				return err
			}
			c.log.Debug("Loaded DNS records.", zap.String("zone", z.Name), zap.Int("count", len(records)))
		}

		if err := cleanup(ctx, session, cfmodels.ZoneSchema(), acctScope, params, c.log); err != nil {
			return err
		}
		c.log.Info("Loaded Cloudflare account.", zap.String("account", a.ID), zap.Int("zones", len(zones)))
	}

	return cleanup(ctx, session, cfmodels.AccountSchema(), nil, params, c.log)
}

// StartIngestion is the engine entrypoint for the Cloudflare module. It is a
// no-op when no token is configured.
func StartIngestion(ctx context.Context, session client.Session, cfg *config.Config, params intel.Params, logger *zap.Logger) error {
	log := logger.Named("cloudflare")
	token := intel.SecretFromEnv(cfg.Cloudflare.TokenEnvVar)
	if token == "" {
		log.Info("Cloudflare token not configured. Skipping Cloudflare sync.")
		return nil
	}
	api, err := intel.NewAPIClient(cfg.Cloudflare.APIURL, token, cfg.Network, log)
	if err != nil {
		return err
	}
	return NewClient(api, log).Sync(ctx, session, params)
}
