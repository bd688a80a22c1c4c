package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	fact, err := svc.StoreMemory(ctx, StoreRequest{Content: "release train leaves monthly", Type: "semantic"})
	require.NoError(t, err)
	_, err = svc.StoreMemory(ctx, StoreRequest{Content: "debugged the flaky webhook", Type: "episodic", Group: "hooks"})
	require.NoError(t, err)

	personA, err := svc.StoreMemory(ctx, StoreRequest{Content: "Mia Chen runs QA", Type: "entity"})
	require.NoError(t, err)
	personB, err := svc.StoreMemory(ctx, StoreRequest{Content: "QA guild meets weekly", Type: "entity"})
	require.NoError(t, err)
	_, err = svc.StoreRelation(ctx, personA.ID, "member_of", personB.ID)
	require.NoError(t, err)

	// One superseded, one forgotten.
	replacement, err := svc.StoreMemory(ctx, StoreRequest{
		Content: "release train leaves twice a month", Type: "procedural", Supersedes: fact.ID})
	require.NoError(t, err)
	scratch, err := svc.StoreMemory(ctx, StoreRequest{Content: "scratch idea", Type: "semantic"})
	require.NoError(t, err)
	_, err = svc.Forget(ctx, scratch.ID, "", false)
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, "")
	require.NoError(t, err)

	assert.EqualValues(t, 6, stats.TotalMemories)
	assert.EqualValues(t, 4, stats.ActiveMemories)
	assert.EqualValues(t, 1, stats.SupersededMemories)
	assert.EqualValues(t, 1, stats.ForgottenMemories)
	assert.EqualValues(t, 2, stats.ByType["semantic"])
	assert.EqualValues(t, 1, stats.ByType["episodic"])
	assert.EqualValues(t, 1, stats.ByType["procedural"])
	assert.EqualValues(t, 2, stats.ByType["entity"])
	assert.EqualValues(t, 1, stats.EntityRelations)
	assert.Positive(t, stats.DBSizeBytes)
	require.NotNil(t, stats.OldestMemory)
	require.NotNil(t, stats.NewestMemory)
	assert.False(t, stats.NewestMemory.Before(*stats.OldestMemory))
	_ = replacement

	t.Run("group filter narrows row counts", func(t *testing.T) {
		grouped, err := svc.Stats(ctx, "hooks")
		require.NoError(t, err)
		assert.EqualValues(t, 1, grouped.TotalMemories)
		assert.EqualValues(t, 1, grouped.ByType["episodic"])
		assert.EqualValues(t, 0, grouped.ByType["semantic"])
		assert.EqualValues(t, 0, grouped.EntityRelations)
	})
}
