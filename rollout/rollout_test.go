package rollout

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/turnkit/item"
)

func TestReplayHistory_NoCompaction(t *testing.T) {
	records := []Record{
		{Kind: RecordResponseItem, ResponseItem: item.UserMessage{ID: "u1", Content: []item.Chunk{{Type: item.ChunkInputText, Text: "hi"}}}},
		{Kind: RecordResponseItem, ResponseItem: item.AssistantMessage{ID: "a1", Content: []item.Chunk{{Type: item.ChunkOutputText, Text: "hello"}}}},
	}
	history := ReplayHistory(records)
	require.Len(t, history, 2)
	assert.Equal(t, item.KindUserMessage, history[0].Kind())
	assert.Equal(t, item.KindAssistantMessage, history[1].Kind())
}

func TestReplayHistory_Compaction(t *testing.T) {
	records := []Record{
		{Kind: RecordResponseItem, ResponseItem: item.UserMessage{ID: "u1"}},
		{Kind: RecordResponseItem, ResponseItem: item.AssistantMessage{ID: "a1"}},
		{Kind: RecordResponseItem, ResponseItem: item.UserMessage{ID: "u2"}},
		{Kind: RecordCompacted, Compacted: &Compacted{Message: "summary of above"}},
		{Kind: RecordResponseItem, ResponseItem: item.UserMessage{ID: "u3"}},
	}
	history := ReplayHistory(records)
	// Compaction keeps the initial context (u1, a1, u2), then the collected
	// user messages (u1, u2) and the summary; u3 is appended afterwards.
	var userCount, assistantCount int
	for _, it := range history {
		switch it.Kind() {
		case item.KindUserMessage:
			userCount++
		case item.KindAssistantMessage:
			assistantCount++
		}
	}
	assert.GreaterOrEqual(t, userCount, 2) // u1,u2 collected + u3 appended after
	assert.GreaterOrEqual(t, assistantCount, 1)
}

func TestReplayHistory_ExplicitReplacement(t *testing.T) {
	replacement := []item.Item{item.AssistantMessage{ID: "r1", Content: []item.Chunk{{Type: item.ChunkOutputText, Text: "reset"}}}}
	records := []Record{
		{Kind: RecordResponseItem, ResponseItem: item.UserMessage{ID: "u1"}},
		{Kind: RecordCompacted, Compacted: &Compacted{Message: "unused", ReplacementHistory: replacement}},
	}
	history := ReplayHistory(records)
	require.Len(t, history, 1)
	assert.Equal(t, "r1", history[0].ItemID())
}

func TestFileStore_RecordAndReplay(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rollout.jsonl")
	store, err := OpenFileStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Record(ctx, Record{Kind: RecordResponseItem, ResponseItem: item.UserMessage{ID: "u1", Content: []item.Chunk{{Type: item.ChunkInputText, Text: "hi"}}}}))
	require.NoError(t, store.Record(ctx, Record{Kind: RecordTurnContext, TurnContext: &TurnContextSnapshot{SubID: "t1", Model: "gpt-5"}}))
	require.NoError(t, store.Shutdown(ctx))

	records, err := ReplayFile(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, RecordResponseItem, records[0].Kind)
	assert.Equal(t, "u1", records[0].ResponseItem.ItemID())
	assert.Equal(t, RecordTurnContext, records[1].Kind)
	assert.Equal(t, "t1", records[1].TurnContext.SubID)
}

func TestMemoryStore_Fork(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryStore()
	require.NoError(t, src.Record(ctx, Record{Kind: RecordResponseItem, ResponseItem: item.UserMessage{ID: "u1"}}))

	dst, err := Fork(ctx, src)
	require.NoError(t, err)
	records, err := dst.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// Forked store is independent: appending to src must not affect dst.
	require.NoError(t, src.Record(ctx, Record{Kind: RecordResponseItem, ResponseItem: item.UserMessage{ID: "u2"}}))
	records, err = dst.Replay(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
