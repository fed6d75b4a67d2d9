package main

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/lessonforge/internal/storage"
	"github.com/michaelbrown/lessonforge/internal/storage/sqlite"
)

func newToolApp(t *testing.T) *app {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &app{store: store}
}

func callTool(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestCreateLessonTool(t *testing.T) {
	a := newToolApp(t)
	ctx := context.Background()

	res, err := a.handleCreateLessonTool(ctx, callTool(map[string]any{"outline": "Fractions with pizza slices"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "Status: generating")

	lessons, err := a.store.ListLessons(ctx, storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.Equal(t, "Fractions with pizza slices", lessons[0].Outline)
}

func TestCreateLessonToolRequiresOutline(t *testing.T) {
	a := newToolApp(t)

	res, err := a.handleCreateLessonTool(context.Background(), callTool(map[string]any{"outline": "   "}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = a.handleCreateLessonTool(context.Background(), callTool(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestGetLessonTool(t *testing.T) {
	a := newToolApp(t)
	ctx := context.Background()

	l := storage.NewLesson("Long division explanation")
	require.NoError(t, a.store.CreateLesson(ctx, l))
	_, err := a.store.UpdateLesson(ctx, l.ID, storage.LessonUpdate{
		Status:       storage.Ptr(storage.StatusFailed),
		ErrorMessage: storage.Ptr("Lesson generation failed: timeout."),
	})
	require.NoError(t, err)

	res, err := a.handleGetLessonTool(ctx, callTool(map[string]any{"id": l.ID[:8]}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, "status: failed")
	assert.Contains(t, text, "error: Lesson generation failed: timeout.")

	res, err = a.handleGetLessonTool(ctx, callTool(map[string]any{"id": "does-not-exist"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestListLessonsTool(t *testing.T) {
	a := newToolApp(t)
	ctx := context.Background()

	res, err := a.handleListLessonsTool(ctx, callTool(map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, "No lessons found.", resultText(t, res))

	for _, outline := range []string{"Photosynthesis basics", "The water cycle"} {
		require.NoError(t, a.store.CreateLesson(ctx, storage.NewLesson(outline)))
	}

	res, err = a.handleListLessonsTool(ctx, callTool(map[string]any{"limit": float64(1)}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "generating")

	res, err = a.handleListLessonsTool(ctx, callTool(map[string]any{"status": "sleeping"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
