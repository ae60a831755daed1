// Package openai syncs an OpenAI organization through the admin API:
// projects, users with their project memberships, and project API keys.
package openai

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/config"
	"github.com/xkilldash9x/cartography/internal/graph/job"
	"github.com/xkilldash9x/cartography/internal/graph/model"
	"github.com/xkilldash9x/cartography/internal/intel"
	oaimodels "github.com/xkilldash9x/cartography/internal/models/openai"
	"github.com/xkilldash9x/cartography/internal/network"
)

const pageLimit = 100

// Project is an organization project.
type Project struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	CreatedAt  int64  `json:"created_at"`
	ArchivedAt *int64 `json:"archived_at"`
}

// User is an organization or project user.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	AddedAt int64  `json:"added_at"`
}

// APIKey is a project API key.
type APIKey struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	RedactedValue string `json:"redacted_value"`
	CreatedAt     int64  `json:"created_at"`
	LastUsedAt    *int64 `json:"last_used_at"`
	Owner         struct {
		Type string `json:"type"`
		User *struct {
			ID string `json:"id"`
		} `json:"user"`
	} `json:"owner"`
}

type listPage[T any] struct {
	Data    []T    `json:"data"`
	HasMore bool   `json:"has_more"`
	LastID  string `json:"last_id"`
}

// Client reads the OpenAI admin API.
type Client struct {
	api *network.APIClient
	log *zap.Logger
}

// NewClient wraps an API client rooted at the v1 endpoint.
func NewClient(api *network.APIClient, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{api: api, log: logger}
}

// getAll follows the after/has_more/last_id cursor.
func getAll[T any](ctx context.Context, api *network.APIClient, path string, query url.Values) ([]T, error) {
	var all []T
	after := ""
	for {
		q := url.Values{"limit": {strconv.Itoa(pageLimit)}}
		for k, v := range query {
			q[k] = v
		}
		if after != "" {
			q.Set("after", after)
		}
		var page listPage[T]
		if _, err := api.GetJSON(ctx, path, q, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Data...)
		if !page.HasMore || page.LastID == "" || page.LastID == after {
			return all, nil
		}
		after = page.LastID
	}
}

// GetProjects lists the organization's projects, archived ones included.
func (c *Client) GetProjects(ctx context.Context) ([]Project, error) {
	projects, err := getAll[Project](ctx, c.api, "/organization/projects", url.Values{"include_archived": {"true"}})
	if err != nil {
		return nil, fmt.Errorf("failed to list OpenAI projects: %w", err)
	}
	return projects, nil
}

// GetUsers lists the organization's users.
func (c *Client) GetUsers(ctx context.Context) ([]User, error) {
	users, err := getAll[User](ctx, c.api, "/organization/users", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list OpenAI users: %w", err)
	}
	return users, nil
}

// GetProjectUsers lists the members of a project with their project role.
func (c *Client) GetProjectUsers(ctx context.Context, projectID string) ([]User, error) {
	users, err := getAll[User](ctx, c.api, "/organization/projects/"+url.PathEscape(projectID)+"/users", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list users of project %s: %w", projectID, err)
	}
	return users, nil
}

// GetProjectAPIKeys lists a project's API keys.
func (c *Client) GetProjectAPIKeys(ctx context.Context, projectID string) ([]APIKey, error) {
	keys, err := getAll[APIKey](ctx, c.api, "/organization/projects/"+url.PathEscape(projectID)+"/api_keys", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list API keys of project %s: %w", projectID, err)
	}
	return keys, nil
}

func unixTime(sec int64) any {
	if sec == 0 {
		return nil
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func unixTimePtr(sec *int64) any {
	if sec == nil {
		return nil
	}
	return unixTime(*sec)
}

// TransformProjects turns projects into OpenAIProject records.
func TransformProjects(projects []Project) []map[string]any {
	out := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		out = append(out, map[string]any{
			"id":          p.ID,
			"name":        p.Name,
			"status":      p.Status,
			"created_at":  unixTime(p.CreatedAt),
			"archived_at": unixTimePtr(p.ArchivedAt),
		})
	}
	return out
}

// TransformUsers turns users into OpenAIUser records. memberships maps a
// project id to its members; a project "owner" role also yields ADMIN_OF.
func TransformUsers(users []User, memberships map[string][]User) []map[string]any {
	memberOf := map[string][]string{}
	adminOf := map[string][]string{}
	for projectID, members := range memberships {
		for _, m := range members {
			memberOf[m.ID] = append(memberOf[m.ID], projectID)
			if m.Role == "owner" {
				adminOf[m.ID] = append(adminOf[m.ID], projectID)
			}
		}
	}

	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		projects := append([]string{}, memberOf[u.ID]...)
		admin := append([]string{}, adminOf[u.ID]...)
		sort.Strings(projects)
		sort.Strings(admin)
		out = append(out, map[string]any{
			"id":                u.ID,
			"name":              u.Name,
			"email":             u.Email,
			"role":              u.Role,
			"added_at":          unixTime(u.AddedAt),
			"project_ids":       projects,
			"admin_project_ids": admin,
		})
	}
	return out
}

// TransformAPIKeys turns API keys into OpenAIProjectAPIKey records. Keys owned
// by a service account have no owner_user_id.
func TransformAPIKeys(keys []APIKey) []map[string]any {
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		rec := map[string]any{
			"id":             k.ID,
			"name":           k.Name,
			"redacted_value": k.RedactedValue,
			"created_at":     unixTime(k.CreatedAt),
			"last_used_at":   unixTimePtr(k.LastUsedAt),
			"owner_user_id":  nil,
		}
		if k.Owner.User != nil {
			rec["owner_user_id"] = k.Owner.User.ID
		}
		out = append(out, rec)
	}
	return out
}

func (c *Client) cleanup(ctx context.Context, session client.Session, schema model.NodeSchema, scope map[string]any, params intel.Params) error {
	j, err := job.FromNodeSchema(schema, params.JobParameters(scope), params.IterationSize)
	if err != nil {
		return err
	}
	return j.Run(ctx, session, c.log)
}

// Sync loads the organization orgID and everything under it.
func (c *Client) Sync(ctx context.Context, session client.Session, orgID string, params intel.Params) error {
	projects, err := c.GetProjects(ctx)
	if err != nil {
		return err
	}
	users, err := c.GetUsers(ctx)
	if err != nil {
		return err
	}
	memberships := make(map[string][]User, len(projects))
	keys := make(map[string][]APIKey, len(projects))
	for _, p := range projects {
		if memberships[p.ID], err = c.GetProjectUsers(ctx, p.ID); err != nil {
			return err
		}
		if keys[p.ID], err = c.GetProjectAPIKeys(ctx, p.ID); err != nil {
			return err
		}
	}

	orgScope := map[string]any{oaimodels.OrgIDKwarg: orgID}
	if err := client.Load(ctx, session, oaimodels.OrganizationSchema(), []map[string]any{{"id": orgID}}, params.LoadKwargs(nil)); err != nil {
		return err
	}
	if err := client.Load(ctx, session, oaimodels.ProjectSchema(), TransformProjects(projects), params.LoadKwargs(orgScope)); err != nil {
		return err
	}
	if err := client.Load(ctx, session, oaimodels.UserSchema(), TransformUsers(users, memberships), params.LoadKwargs(orgScope)); err != nil {
		return err
	}

	keyCount := 0
	for _, p := range projects {
		projectScope := map[string]any{oaimodels.ProjectIDKwarg: p.ID}
		if err := client.Load(ctx, session, oaimodels.APIKeySchema(), TransformAPIKeys(keys[p.ID]), params.LoadKwargs(projectScope)); err != nil {
			return err
		}
		if err := c.cleanup(ctx, session, oaimodels.APIKeySchema(), projectScope, params); err != nil {
			return err
		}
		keyCount += len(keys[p.ID])
	}
	c.log.Info("Loaded OpenAI organization.", zap.String("org", orgID),
		zap.Int("projects", len(projects)), zap.Int("users", len(users)), zap.Int("api_keys", keyCount))

	if err := c.cleanup(ctx, session, oaimodels.UserSchema(), orgScope, params); err != nil {
		return err
	}
	return c.cleanup(ctx, session, oaimodels.ProjectSchema(), orgScope, params)
}

// StartIngestion is the engine entrypoint for the OpenAI module. It is a no-op
// without an admin key and organization id.
func StartIngestion(ctx context.Context, session client.Session, cfg *config.Config, params intel.Params, logger *zap.Logger) error {
	log := logger.Named("openai")
	key := intel.SecretFromEnv(cfg.OpenAI.APIKeyEnvVar)
	if key == "" || cfg.OpenAI.OrgID == "" {
		log.Info("OpenAI admin key or organization id not configured. Skipping OpenAI sync.")
		return nil
	}
	api, err := intel.NewAPIClient(cfg.OpenAI.APIURL, key, cfg.Network, log)
	if err != nil {
		return err
	}
	return NewClient(api, log).Sync(ctx, session, cfg.OpenAI.OrgID, params)
}
