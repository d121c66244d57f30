package repo

import (
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/mediasync/internal/model"
)

const (
	testID1 = "6f1c2c1e-3a43-4d84-9b3e-0e0c1c7d9a01"
	testID2 = "6f1c2c1e-3a43-4d84-9b3e-0e0c1c7d9a02"
)

func TestBuildSelect_Filters(t *testing.T) {
	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	q, args, err := buildSelect(Filter{
		MediaGroupID: "g1",
		HasGroup:     true,
		States:       []model.ProcessingState{model.Pending, model.Error},
		UpdatedSince: &since,
		Limit:        10,
	})
	require.NoError(t, err)

	assert.Contains(t, q, "WHERE media_group_id = $1 AND media_group_id IS NOT NULL AND processing_state = ANY($2) AND updated_at >= $3")
	assert.True(t, strings.HasSuffix(q, "ORDER BY created_at ASC, id ASC LIMIT $4"), q)
	require.Len(t, args, 4)
	assert.Equal(t, "g1", args[0])
	assert.Equal(t, []string{"pending", "error"}, args[1])
	assert.Equal(t, since, args[2])
	assert.Equal(t, 10, args[3])
}

func TestBuildSelect_NoFilter(t *testing.T) {
	q, args, err := buildSelect(Filter{})
	require.NoError(t, err)
	assert.NotContains(t, q, "WHERE")
	assert.Empty(t, args)
}

func TestBuildSelect_InvalidID(t *testing.T) {
	_, _, err := buildSelect(Filter{IDs: []string{"not-a-uuid"}})
	require.Error(t, err)
}

func TestBuildUpdate_SetsColumnsAndBumpsUpdatedAt(t *testing.T) {
	state := model.Completed
	synced := true
	content := &model.AnalyzedContent{ProductName: "Widget", Parsing: model.ParsingMetadata{Method: model.MethodManual}}

	q, args, err := buildUpdate(
		Filter{MediaGroupID: "g1", IDs: []string{testID1, testID2}},
		Patch{AnalyzedContent: content, GroupCaptionSynced: &synced, ProcessingState: &state, ClearError: true},
	)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(q, "UPDATE messages SET analyzed_content = $1, group_caption_synced = $2, processing_state = $3, error_message = NULL, updated_at = now()"), q)
	assert.Contains(t, q, "WHERE id = ANY($4) AND media_group_id = $5")
	require.Len(t, args, 5)
	assert.JSONEq(t, `{"product_name":"Widget","parsing_metadata":{"method":"manual","confidence":0,"timestamp":"0001-01-01T00:00:00Z"}}`, string(args[0].([]byte)))
	assert.Equal(t, "completed", args[2])
}

func TestBuildUpdate_Guards(t *testing.T) {
	state := model.Completed

	_, _, err := buildUpdate(Filter{MediaGroupID: "g1"}, Patch{})
	assert.ErrorIs(t, err, errEmptyPatch)

	_, _, err = buildUpdate(Filter{}, Patch{ProcessingState: &state})
	assert.ErrorIs(t, err, errUnboundedUpdate)
}

func TestBuildUpdateOne(t *testing.T) {
	msg := "boom"
	retries := 2

	q, args, err := buildUpdateOne(testID1, Patch{ErrorMessage: &msg, RetryCount: &retries})
	require.NoError(t, err)
	assert.Contains(t, q, "SET error_message = $1, retry_count = $2, updated_at = now() WHERE id = $3 RETURNING")
	require.Len(t, args, 3)
	assert.Equal(t, testID1, fromUUID(mustUUID(t, args[2])))
}

func TestPatchApplyAndFilterMatches(t *testing.T) {
	group := "g1"
	now := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	errMsg := "old"
	m := model.Message{ID: testID1, MediaGroupID: &group, ProcessingState: model.Error, ErrorMessage: &errMsg, RetryCount: 2}

	state := model.Completed
	zero := 0
	content := &model.AnalyzedContent{ProductName: "Widget"}
	Patch{ProcessingState: &state, ClearError: true, RetryCount: &zero, AnalyzedContent: content}.Apply(&m, now)

	assert.Equal(t, model.Completed, m.ProcessingState)
	assert.Nil(t, m.ErrorMessage)
	assert.Equal(t, 0, m.RetryCount)
	assert.Equal(t, now, m.UpdatedAt)
	require.NotNil(t, m.AnalyzedContent)
	assert.NotSame(t, content, m.AnalyzedContent)

	assert.True(t, Filter{MediaGroupID: "g1", States: []model.ProcessingState{model.Completed}}.Matches(m))
	assert.False(t, Filter{States: []model.ProcessingState{model.Error}}.Matches(m))
	later := now.Add(time.Second)
	assert.False(t, Filter{UpdatedSince: &later}.Matches(m))
	assert.False(t, Filter{IDs: []string{testID2}}.Matches(m))
	assert.True(t, Patch{}.Empty())
}

func mustUUID(t *testing.T, v any) pgtype.UUID {
	t.Helper()
	u, ok := v.(pgtype.UUID)
	require.True(t, ok, "expected pgtype.UUID, got %T", v)
	return u
}
