package querybuilder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/cartography/internal/graph/model"
)

func TestBuildCleanupQueries(t *testing.T) {
	t.Run("should scope cleanup to the sub resource", func(t *testing.T) {
		queries, err := BuildCleanupQueries(testNodeSchema())
		require.NoError(t, err)
		require.Len(t, queries, 3)

		assert.Equal(t, `MATCH (n:TestNode)<-[s:RESOURCE]-(:AWSAccount{id: $AWS_ID})
WHERE n.lastupdated <> $UPDATE_TAG
WITH n LIMIT $LIMIT_SIZE
DETACH DELETE n;`, queries[0])

		assert.Equal(t, `MATCH (n:TestNode)<-[s:RESOURCE]-(:AWSAccount{id: $AWS_ID})
WHERE s.lastupdated <> $UPDATE_TAG
WITH s LIMIT $LIMIT_SIZE
DELETE s;`, queries[1])

		assert.Equal(t, `MATCH (n:TestNode)<-[s:RESOURCE]-(:AWSAccount{id: $AWS_ID})
MATCH (n)-[r:USES]->(:OtherNode)
WHERE r.lastupdated <> $UPDATE_TAG
WITH r LIMIT $LIMIT_SIZE
DELETE r;`, queries[2])
	})

	t.Run("should clean up by label when unscoped", func(t *testing.T) {
		schema := testNodeSchema()
		schema.UnscopedCleanup = true
		queries, err := BuildCleanupQueries(schema)
		require.NoError(t, err)
		require.Len(t, queries, 3)

		assert.Equal(t, `MATCH (n:TestNode)
WHERE n.lastupdated <> $UPDATE_TAG
WITH n LIMIT $LIMIT_SIZE
DETACH DELETE n;`, queries[0])
		assert.Equal(t, `MATCH (n:TestNode)
MATCH (n)<-[r:RESOURCE]-(:AWSAccount)
WHERE r.lastupdated <> $UPDATE_TAG
WITH r LIMIT $LIMIT_SIZE
DELETE r;`, queries[1])
	})

	t.Run("should reject a sub resource matched from record data", func(t *testing.T) {
		schema := testNodeSchema()
		schema.SubResourceRelationship.TargetNodeMatcher = model.Properties{"id": model.Ref("account_id")}
		_, err := BuildCleanupQueries(schema)
		assert.ErrorIs(t, err, model.ErrInvalidSchema)
	})
}

func TestBuildMatchLinkCleanupQuery(t *testing.T) {
	query, err := BuildMatchLinkCleanupQuery(testMatchLink())
	require.NoError(t, err)
	assert.Equal(t, `MATCH (from:AWSPrincipal)-[r:ASSUMED_ROLE]->(to:AWSRole)
WHERE r.lastupdated <> $UPDATE_TAG
    AND r._sub_resource_label = $_sub_resource_label
    AND r._sub_resource_id = $_sub_resource_id
WITH r LIMIT $LIMIT_SIZE
DELETE r;`, query)
}
