// Package github syncs GitHub organizations: members, repositories and the
// direct collaborators of each repository.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/config"
	"github.com/xkilldash9x/cartography/internal/graph/job"
	"github.com/xkilldash9x/cartography/internal/graph/model"
	"github.com/xkilldash9x/cartography/internal/intel"
	ghmodels "github.com/xkilldash9x/cartography/internal/models/github"
	"github.com/xkilldash9x/cartography/internal/network"
)

const (
	perPage = "100"

	collaboratorAttempts = 5
	collaboratorBackoff  = 2 * time.Second
)

// Organization is the subset of GET /orgs/{org} the sync keeps.
type Organization struct {
	Login   string `json:"login"`
	HTMLURL string `json:"html_url"`
}

// User is an organization member or repository collaborator.
type User struct {
	Login     string `json:"login"`
	HTMLURL   string `json:"html_url"`
	Name      string `json:"name"`
	SiteAdmin bool   `json:"site_admin"`
	RoleName  string `json:"role_name"`
	// Permissions is only set on collaborator listings.
	Permissions map[string]bool `json:"permissions"`
}

// Repository is the subset of an org repository listing the sync keeps.
type Repository struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	HTMLURL       string `json:"html_url"`
	Description   string `json:"description"`
	Private       bool   `json:"private"`
	Archived      bool   `json:"archived"`
	DefaultBranch string `json:"default_branch"`
	Language      string `json:"language"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// Client reads the GitHub REST API.
type Client struct {
	api *network.APIClient
	log *zap.Logger

	// collaboratorBackoff is shortened by tests.
	collaboratorBackoff time.Duration
}

// NewClient wraps an API client rooted at the GitHub REST endpoint.
func NewClient(api *network.APIClient, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{api: api, log: logger, collaboratorBackoff: collaboratorBackoff}
}

// getPaginated follows Link rel="next" until the last page, decoding each page
// as a JSON array of T.
func getPaginated[T any](ctx context.Context, api *network.APIClient, path string, query url.Values) ([]T, error) {
	var all []T
	next := path
	for next != "" {
		var page []T
		h, err := api.GetJSON(ctx, next, query, &page)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		next = network.NextLink(h)
		// The next link already carries the query.
		query = nil
	}
	return all, nil
}

// GetOrganization fetches one organization.
func (c *Client) GetOrganization(ctx context.Context, org string) (Organization, error) {
	var o Organization
	if _, err := c.api.GetJSON(ctx, "/orgs/"+url.PathEscape(org), nil, &o); err != nil {
		return Organization{}, fmt.Errorf("failed to get organization %s: %w", org, err)
	}
	return o, nil
}

// GetMembers lists the organization's members with their org role.
func (c *Client) GetMembers(ctx context.Context, org string) ([]User, error) {
	var members []User
	for _, role := range []string{"admin", "member"} {
		users, err := getPaginated[User](ctx, c.api, "/orgs/"+url.PathEscape(org)+"/members",
			url.Values{"per_page": {perPage}, "role": {role}})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s members of %s: %w", role, org, err)
		}
		for i := range users {
			users[i].RoleName = strings.ToUpper(role)
		}
		members = append(members, users...)
	}
	return members, nil
}

// GetRepositories lists every repository the organization owns.
func (c *Client) GetRepositories(ctx context.Context, org string) ([]Repository, error) {
	repos, err := getPaginated[Repository](ctx, c.api, "/orgs/"+url.PathEscape(org)+"/repos",
		url.Values{"per_page": {perPage}, "type": {"all"}})
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories of %s: %w", org, err)
	}
	return repos, nil
}

// GetDirectCollaborators lists a repository's direct collaborators, retrying
// transient failures up to five times.
func (c *Client) GetDirectCollaborators(ctx context.Context, fullName string) ([]User, error) {
	var users []User
	err := network.RetryWithBackoff(ctx, collaboratorAttempts, c.collaboratorBackoff, func(ctx context.Context) error {
		var err error
		users, err = getPaginated[User](ctx, c.api, "/repos/"+fullName+"/collaborators",
			url.Values{"per_page": {perPage}, "affiliation": {"direct"}})
		if err != nil {
			c.log.Debug("Collaborator listing failed.", zap.String("repo", fullName), zap.Error(err))
		}
		return err
	}, network.IsRetryableStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to list collaborators of %s: %w", fullName, err)
	}
	return users, nil
}

// Permission returns the highest permission a collaborator holds, as one of
// ghmodels.Permissions, or "" when nothing is granted.
func Permission(u User) string {
	switch strings.ToLower(u.RoleName) {
	case "admin":
		return "ADMIN"
	case "maintain":
		return "MAINTAIN"
	case "write", "push":
		return "WRITE"
	case "triage":
		return "TRIAGE"
	case "read", "pull":
		return "READ"
	}
	for _, p := range []struct{ key, perm string }{
		{"admin", "ADMIN"}, {"maintain", "MAINTAIN"}, {"push", "WRITE"}, {"triage", "TRIAGE"}, {"pull", "READ"},
	} {
		if u.Permissions[p.key] {
			return p.perm
		}
	}
	return ""
}

// TransformUsers turns API users into GitHubUser records.
func TransformUsers(users []User) []map[string]any {
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		rec := map[string]any{
			"url":        u.HTMLURL,
			"login":      u.Login,
			"name":       nilIfEmpty(u.Name),
			"site_admin": u.SiteAdmin,
		}
		if u.RoleName != "" {
			rec["role"] = u.RoleName
		}
		out = append(out, rec)
	}
	return out
}

// TransformRepositories turns repositories into GitHubRepository records. The
// collaborators map is keyed by repository full name.
func TransformRepositories(repos []Repository, collaborators map[string][]User) []map[string]any {
	out := make([]map[string]any, 0, len(repos))
	for _, r := range repos {
		rec := map[string]any{
			"url":            r.HTMLURL,
			"name":           r.Name,
			"fullname":       r.FullName,
			"description":    nilIfEmpty(r.Description),
			"private":        r.Private,
			"archived":       r.Archived,
			"default_branch": nilIfEmpty(r.DefaultBranch),
			"language":       nilIfEmpty(r.Language),
			"created_at":     nilIfEmpty(r.CreatedAt),
			"updated_at":     nilIfEmpty(r.UpdatedAt),
		}
		byPerm := make(map[string][]string, len(ghmodels.Permissions))
		for _, u := range collaborators[r.FullName] {
			if p := Permission(u); p != "" {
				byPerm[p] = append(byPerm[p], u.HTMLURL)
			}
		}
		for _, p := range ghmodels.Permissions {
			urls := byPerm[p]
			if urls == nil {
				urls = []string{}
			}
			rec[ghmodels.CollaboratorListKey(p)] = urls
		}
		out = append(out, rec)
	}
	return out
}

// Unaffiliated returns the collaborators that are not organization members,
// each once.
func Unaffiliated(members []User, collaborators map[string][]User) []User {
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		seen[m.HTMLURL] = struct{}{}
	}
	var out []User
	for _, users := range collaborators {
		for _, u := range users {
			if _, ok := seen[u.HTMLURL]; ok {
				continue
			}
			seen[u.HTMLURL] = struct{}{}
			u.RoleName = ""
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HTMLURL < out[j].HTMLURL })
	return out
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SyncOrganization loads one organization, its members, its outside
// collaborators and its repositories, then cleans up what was not seen.
func (c *Client) SyncOrganization(ctx context.Context, session client.Session, org string, params intel.Params) error {
	log := c.log.With(zap.String("org", org))

	o, err := c.GetOrganization(ctx, org)
	if err != nil {
		return err
	}
	members, err := c.GetMembers(ctx, org)
	if err != nil {
		return err
	}
	repos, err := c.GetRepositories(ctx, org)
	if err != nil {
		return err
	}
	collaborators := make(map[string][]User, len(repos))
	for _, r := range repos {
		users, err := c.GetDirectCollaborators(ctx, r.FullName)
		if err != nil {
			if network.StatusCode(err) == http.StatusForbidden {
				log.Warn("No access to repository collaborators; skipping.", zap.String("repo", r.FullName))
				continue
			}
			return err
		}
		collaborators[r.FullName] = users
	}

	kwargs := params.LoadKwargs(map[string]any{ghmodels.OrgURLKwarg: o.HTMLURL})
	orgRecord := []map[string]any{{"url": o.HTMLURL, "login": o.Login}}
	if err := client.Load(ctx, session, ghmodels.OrganizationSchema(), orgRecord, kwargs); err != nil {
		return err
	}
	if err := client.Load(ctx, session, ghmodels.MemberSchema(), TransformUsers(members), kwargs); err != nil {
		return err
	}
	outside := Unaffiliated(members, collaborators)
	if err := client.Load(ctx, session, ghmodels.UnaffiliatedUserSchema(), TransformUsers(outside), kwargs); err != nil {
		return err
	}
	if err := client.Load(ctx, session, ghmodels.RepositorySchema(), TransformRepositories(repos, collaborators), kwargs); err != nil {
		return err
	}
	log.Info("Loaded GitHub organization.",
		zap.Int("members", len(members)), zap.Int("outside_collaborators", len(outside)), zap.Int("repositories", len(repos)))

	jobParams := params.JobParameters(map[string]any{ghmodels.OrgURLKwarg: o.HTMLURL})
	for _, s := range []model.NodeSchema{ghmodels.RepositorySchema(), ghmodels.MemberSchema(), ghmodels.UnaffiliatedUserSchema()} {
		j, err := job.FromNodeSchema(s, jobParams, params.IterationSize)
		if err != nil {
			return err
		}
		if err := j.Run(ctx, session, log); err != nil {
			return err
		}
	}
	return nil
}

// StartIngestion is the engine entrypoint for the GitHub module. It is a no-op
// when no token or organization is configured.
func StartIngestion(ctx context.Context, session client.Session, cfg *config.Config, params intel.Params, logger *zap.Logger) error {
	log := logger.Named("github")
	token := intel.SecretFromEnv(cfg.GitHub.TokenEnvVar)
	if token == "" || len(cfg.GitHub.Orgs) == 0 {
		log.Info("GitHub token or organizations not configured. Skipping GitHub sync.")
		return nil
	}
	api, err := intel.NewAPIClient(cfg.GitHub.APIURL, token, cfg.Network, log,
		network.WithHeader("Accept", "application/vnd.github+json"),
		network.WithHeader("X-GitHub-Api-Version", "2022-11-28"),
	)
	if err != nil {
		return err
	}
	c := NewClient(api, log)
	for _, org := range cfg.GitHub.Orgs {
		if err := c.SyncOrganization(ctx, session, org, params); err != nil {
			return err
		}
	}
	return nil
}
