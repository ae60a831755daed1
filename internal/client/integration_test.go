package client_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/config"
	"github.com/xkilldash9x/cartography/internal/graph/job"
	"github.com/xkilldash9x/cartography/internal/graph/model"
)

// These tests run against a live Neo4j. Set CARTOGRAPHY_TEST_NEO4J_URI (and
// optionally _USER and _PASSWORD) to enable them. They only touch nodes with
// the IT* labels below.

const (
	itAccountLabel = "ITAccount"
	itBucketLabel  = "ITBucket"
)

func itAccountSchema() model.NodeSchema {
	return model.NodeSchema{
		Label: itAccountLabel,
		Properties: model.Properties{
			"id":          model.Ref("id"),
			"lastupdated": model.KwargRef("lastupdated"),
		},
	}
}

func itBucketSchema() model.NodeSchema {
	return model.NodeSchema{
		Label: itBucketLabel,
		Properties: model.Properties{
			"id":          model.Ref("name"),
			"name":        model.Ref("name"),
			"lastupdated": model.KwargRef("lastupdated"),
		},
		SubResourceRelationship: &model.RelSchema{
			TargetNodeLabel:   itAccountLabel,
			TargetNodeMatcher: model.Properties{"id": model.KwargRef("ACCOUNT_ID")},
			Direction:         model.Inward,
			RelLabel:          "IT_RESOURCE",
			Properties:        model.Properties{"lastupdated": model.KwargRef("lastupdated")},
		},
	}
}

func itTrustLink() model.MatchLinkSchema {
	return model.MatchLinkSchema{
		SourceNodeLabel:   itAccountLabel,
		SourceNodeMatcher: model.Properties{"id": model.Ref("source")},
		TargetNodeLabel:   itAccountLabel,
		TargetNodeMatcher: model.Properties{"id": model.Ref("destination")},
		Direction:         model.Outward,
		RelLabel:          "IT_TRUSTS",
		Properties: model.Properties{
			"lastupdated":         model.KwargRef("lastupdated"),
			"_sub_resource_label": model.KwargRef("_sub_resource_label"),
			"_sub_resource_id":    model.KwargRef("_sub_resource_id"),
		},
	}
}

func liveSession(t *testing.T) *client.Neo4jSession {
	t.Helper()
	uri := os.Getenv("CARTOGRAPHY_TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("CARTOGRAPHY_TEST_NEO4J_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := config.Neo4jConfig{URI: uri, User: os.Getenv("CARTOGRAPHY_TEST_NEO4J_USER")}
	driver, err := client.Connect(ctx, cfg, os.Getenv("CARTOGRAPHY_TEST_NEO4J_PASSWORD"), zaptest.NewLogger(t))
	require.NoError(t, err)
	session := driver.NewSession(context.Background())

	wipe := func() {
		_, err := session.Write(context.Background(),
			"MATCH (n) WHERE n:ITAccount OR n:ITBucket DETACH DELETE n", nil)
		require.NoError(t, err)
	}
	wipe()
	t.Cleanup(func() {
		wipe()
		_ = session.Close(context.Background())
		_ = driver.Close(context.Background())
	})
	return session
}

func count(t *testing.T, session client.Session, query string, params map[string]any) int64 {
	t.Helper()
	v, err := client.ReadSingleValue(context.Background(), session, query, "n", params)
	require.NoError(t, err)
	n, ok := v.(int64)
	require.True(t, ok, "count should be an integer, got %T", v)
	return n
}

func bucketsIn(t *testing.T, session client.Session, account string) int64 {
	return count(t, session,
		"MATCH (:ITAccount{id: $id})-[:IT_RESOURCE]->(b:ITBucket) RETURN count(b) AS n",
		map[string]any{"id": account})
}

func TestIntegration_LoadAndCleanup(t *testing.T) {
	session := liveSession(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	const first, second = int64(100), int64(200)
	accounts := []map[string]any{{"id": "acct-a"}, {"id": "acct-b"}}
	require.NoError(t, client.Load(ctx, session, itAccountSchema(), accounts, map[string]any{"lastupdated": first}))

	bucketsA := []map[string]any{{"name": "a-keep"}, {"name": "a-stale"}}
	bucketsB := []map[string]any{{"name": "b-other"}}
	kwargsA := map[string]any{"lastupdated": first, "ACCOUNT_ID": "acct-a"}
	kwargsB := map[string]any{"lastupdated": first, "ACCOUNT_ID": "acct-b"}
	require.NoError(t, client.Load(ctx, session, itBucketSchema(), bucketsA, kwargsA))
	require.NoError(t, client.Load(ctx, session, itBucketSchema(), bucketsB, kwargsB))

	trustKwargs := func(tag int64) map[string]any {
		return map[string]any{"lastupdated": tag, "_sub_resource_label": itAccountLabel, "_sub_resource_id": "acct-a"}
	}
	trusts := []map[string]any{{"source": "acct-a", "destination": "acct-b"}}
	require.NoError(t, client.LoadMatchLinks(ctx, session, itTrustLink(), trusts, trustKwargs(first)))

	t.Run("should not duplicate on reload with the same tag", func(t *testing.T) {
		require.NoError(t, client.Load(ctx, session, itBucketSchema(), bucketsA, kwargsA))
		require.NoError(t, client.LoadMatchLinks(ctx, session, itTrustLink(), trusts, trustKwargs(first)))

		assert.Equal(t, int64(3), count(t, session, "MATCH (b:ITBucket) RETURN count(b) AS n", nil))
		assert.Equal(t, int64(2), bucketsIn(t, session, "acct-a"))
		assert.Equal(t, int64(1), count(t, session, "MATCH ()-[r:IT_TRUSTS]->() RETURN count(r) AS n", nil))
	})

	t.Run("should remove only stale data in scope", func(t *testing.T) {
		fresh := map[string]any{"lastupdated": second, "ACCOUNT_ID": "acct-a"}
		require.NoError(t, client.Load(ctx, session, itBucketSchema(), []map[string]any{{"name": "a-keep"}}, fresh))

		params := map[string]any{model.ParamUpdateTag: second, "ACCOUNT_ID": "acct-a"}
		cleanup, err := job.FromNodeSchema(itBucketSchema(), params, 100)
		require.NoError(t, err)
		require.NoError(t, cleanup.Run(ctx, session, logger))

		links, err := job.FromMatchLink(itTrustLink(), itAccountLabel, "acct-a", map[string]any{model.ParamUpdateTag: second}, 100)
		require.NoError(t, err)
		require.NoError(t, links.Run(ctx, session, logger))

		assert.Equal(t, int64(1), bucketsIn(t, session, "acct-a"))
		assert.Equal(t, int64(1), count(t, session, "MATCH (b:ITBucket{id: 'a-keep'}) RETURN count(b) AS n", nil))
		assert.Zero(t, count(t, session, "MATCH (b:ITBucket{id: 'a-stale'}) RETURN count(b) AS n", nil))
		assert.Zero(t, count(t, session, "MATCH ()-[r:IT_TRUSTS]->() RETURN count(r) AS n", nil))

		// acct-b was synced at the old tag and is out of scope for acct-a's cleanup.
		assert.Equal(t, int64(1), bucketsIn(t, session, "acct-b"))
		assert.Equal(t, int64(2), count(t, session, "MATCH (a:ITAccount) RETURN count(a) AS n", nil))
	})
}
