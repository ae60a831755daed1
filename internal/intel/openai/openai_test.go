package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/config"
	"github.com/xkilldash9x/cartography/internal/intel"
	"github.com/xkilldash9x/cartography/internal/mocks"
	"github.com/xkilldash9x/cartography/internal/network"
)

func list(t *testing.T, w http.ResponseWriter, data any, hasMore bool, lastID string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"object":   "list",
		"data":     data,
		"has_more": hasMore,
		"last_id":  lastID,
	}))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	api, err := network.NewAPIClient(srv.URL, nil, network.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return NewClient(api, zaptest.NewLogger(t))
}

func TestGetUsers_FollowsCursor(t *testing.T) {
	var afters []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		after := r.URL.Query().Get("after")
		afters = append(afters, after)
		switch after {
		case "":
			list(t, w, []User{{ID: "user-1"}, {ID: "user-2"}}, true, "user-2")
		case "user-2":
			list(t, w, []User{{ID: "user-3"}}, false, "user-3")
		default:
			t.Errorf("unexpected cursor %q", after)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))

	users, err := c.GetUsers(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"", "user-2"}, afters)
	require.Len(t, users, 3)
	assert.Equal(t, "user-3", users[2].ID)
}

func TestGetProjects_IncludesArchived(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/organization/projects", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("include_archived"))
		list(t, w, []Project{{ID: "proj_1", Name: "Default"}}, false, "proj_1")
	}))

	projects, err := c.GetProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 1)
}

func TestTransformUsers_CollectsMemberships(t *testing.T) {
	users := []User{{ID: "u1", Email: "a@example.com", Role: "owner"}, {ID: "u2"}, {ID: "u3"}}
	memberships := map[string][]User{
		"proj_b": {{ID: "u1", Role: "member"}, {ID: "u2", Role: "owner"}},
		"proj_a": {{ID: "u1", Role: "owner"}},
	}

	got := TransformUsers(users, memberships)

	require.Len(t, got, 3)
	assert.Equal(t, []string{"proj_a", "proj_b"}, got[0]["project_ids"])
	assert.Equal(t, []string{"proj_a"}, got[0]["admin_project_ids"])
	assert.Equal(t, []string{"proj_b"}, got[1]["project_ids"])
	assert.Equal(t, []string{"proj_b"}, got[1]["admin_project_ids"])
	assert.Equal(t, []string{}, got[2]["project_ids"])
}

func TestTransformAPIKeys_OwnerOnlyForUserKeys(t *testing.T) {
	var keys []APIKey
	require.NoError(t, json.Unmarshal([]byte(`[
		{"id": "key_1", "name": "ci", "created_at": 1704067200, "owner": {"type": "user", "user": {"id": "u1"}}},
		{"id": "key_2", "name": "bot", "created_at": 1704067200, "last_used_at": 1704153600, "owner": {"type": "service_account", "service_account": {"id": "svc"}}}
	]`), &keys))

	got := TransformAPIKeys(keys)

	require.Len(t, got, 2)
	assert.Equal(t, "u1", got[0]["owner_user_id"])
	assert.Equal(t, "2024-01-01T00:00:00Z", got[0]["created_at"])
	assert.Nil(t, got[0]["last_used_at"])
	assert.Nil(t, got[1]["owner_user_id"])
	assert.Equal(t, "2024-01-02T00:00:00Z", got[1]["last_used_at"])
}

func TestSync_LoadsOrganizationTree(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/organization/projects", func(w http.ResponseWriter, r *http.Request) {
		list(t, w, []Project{{ID: "proj_1", Name: "Default", Status: "active"}}, false, "proj_1")
	})
	mux.HandleFunc("/organization/users", func(w http.ResponseWriter, r *http.Request) {
		list(t, w, []User{{ID: "u1", Email: "a@example.com", Role: "owner"}}, false, "u1")
	})
	mux.HandleFunc("/organization/projects/proj_1/users", func(w http.ResponseWriter, r *http.Request) {
		list(t, w, []User{{ID: "u1", Role: "owner"}}, false, "u1")
	})
	mux.HandleFunc("/organization/projects/proj_1/api_keys", func(w http.ResponseWriter, r *http.Request) {
		list(t, w, []map[string]any{{"id": "key_1", "owner": map[string]any{"type": "user", "user": map[string]any{"id": "u1"}}}}, false, "key_1")
	})
	c := newTestClient(t, mux)

	session := new(mocks.MockSession)
	var loads []map[string]any
	session.On("Write", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			if p, ok := args.Get(2).(map[string]any); ok && p["DictList"] != nil {
				loads = append(loads, p)
			}
		}).
		Return(client.Summary{}, nil)

	err := c.Sync(context.Background(), session, "org-123", intel.Params{UpdateTag: 8, IterationSize: 100})
	require.NoError(t, err)

	// organization, projects, users, proj_1 keys
	require.Len(t, loads, 4)
	assert.Equal(t, "org-123", loads[0]["DictList"].([]any)[0].(map[string]any)["id"])
	assert.Equal(t, "org-123", loads[1]["ORG_ID"])
	user := loads[2]["DictList"].([]any)[0].(map[string]any)
	assert.Equal(t, []string{"proj_1"}, user["project_ids"])
	assert.Equal(t, "proj_1", loads[3]["project_id"])
}

func TestSync_PropagatesHTTPErrors(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := c.Sync(context.Background(), new(mocks.MockSession), "org-123", intel.Params{UpdateTag: 8})
	require.ErrorIs(t, err, network.ErrUnexpectedStatus)
}

func TestStartIngestion_SkipsWithoutOrg(t *testing.T) {
	t.Setenv("CARTOGRAPHY_TEST_OPENAI_KEY", "sk-admin")
	session := new(mocks.MockSession)
	cfg := &config.Config{OpenAI: config.OpenAIConfig{APIKeyEnvVar: "CARTOGRAPHY_TEST_OPENAI_KEY"}}

	require.NoError(t, StartIngestion(context.Background(), session, cfg, intel.Params{UpdateTag: 1}, zaptest.NewLogger(t)))
	session.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything)
}
