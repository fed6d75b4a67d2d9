package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/lessonforge/internal/debounce"
	"github.com/michaelbrown/lessonforge/internal/jobs"
	"github.com/michaelbrown/lessonforge/internal/observability"
	"github.com/michaelbrown/lessonforge/internal/sanitize"
	"github.com/michaelbrown/lessonforge/internal/storage"
	"github.com/michaelbrown/lessonforge/internal/storage/sqlite"
)

type fakeQueue struct {
	mu     sync.Mutex
	events []jobs.Event
	err    error
}

func (q *fakeQueue) Enqueue(_ context.Context, ev jobs.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, ev)
	return nil
}

func (q *fakeQueue) Start(context.Context, jobs.Handler) error { return nil }
func (q *fakeQueue) Close() error                             { return nil }

func (q *fakeQueue) names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, ev := range q.events {
		out = append(out, ev.Name+" "+ev.LessonID)
	}
	return out
}

type testEnv struct {
	srv   *Server
	store storage.Store
	queue *fakeQueue
}

func newTestEnv(t *testing.T, cfg Config, debouncer debounce.Debouncer) *testEnv {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := &fakeQueue{}
	srv := New(cfg, store, q, Options{Debouncer: debouncer, Metrics: observability.NewMetrics()})
	return &testEnv{srv: srv, store: store, queue: q}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (e *testEnv) seed(t *testing.T, outline string, u storage.LessonUpdate) *storage.Lesson {
	t.Helper()
	ctx := context.Background()
	l := storage.NewLesson(outline)
	require.NoError(t, e.store.CreateLesson(ctx, l))
	got, err := e.store.UpdateLesson(ctx, l.ID, u)
	require.NoError(t, err)
	return got
}

func lessonField(t *testing.T, body map[string]any, key string) any {
	t.Helper()
	l, ok := body["lesson"].(map[string]any)
	require.True(t, ok, "response has no lesson: %v", body)
	return l[key]
}

func TestCreateLesson(t *testing.T) {
	env := newTestEnv(t, Config{AutoExecute: true}, nil)

	rec, body := env.do(t, http.MethodPost, "/lessons", map[string]string{"outline": "Long division explanation"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Long division explanation", lessonField(t, body, "title"))
	assert.Equal(t, "generating", lessonField(t, body, "status"))

	id := lessonField(t, body, "id").(string)
	assert.Equal(t, []string{jobs.EventExecute + " " + id}, env.queue.names())
}

func TestCreateLessonLongOutlineTitle(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	outline := "one two three four five six seven eight nine ten"
	rec, body := env.do(t, http.MethodPost, "/lessons", map[string]string{"outline": outline})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "one two three four five six...", lessonField(t, body, "title"))
	assert.Empty(t, env.queue.names())
}

func TestCreateLessonRejectsEmptyOutline(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	rec, body := env.do(t, http.MethodPost, "/lessons", map[string]string{"outline": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "outline is required", body["error"])

	rec, _ = env.do(t, http.MethodPost, "/lessons", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateLessonSurvivesQueueFailure(t *testing.T) {
	env := newTestEnv(t, Config{AutoExecute: true}, nil)
	env.queue.err = jobs.ErrQueueFull

	rec, _ := env.do(t, http.MethodPost, "/lessons", map[string]string{"outline": "Queue is full"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestListLessons(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	env.seed(t, "first", storage.LessonUpdate{})
	env.seed(t, "second", storage.LessonUpdate{Status: storage.Ptr(storage.StatusFailed)})

	rec, body := env.do(t, http.MethodGet, "/lessons", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lessons := body["lessons"].([]any)
	require.Len(t, lessons, 2)
	assert.Equal(t, "second", lessons[0].(map[string]any)["outline"])

	_, body = env.do(t, http.MethodGet, "/lessons?status=failed", nil)
	assert.Len(t, body["lessons"].([]any), 1)

	rec, _ = env.do(t, http.MethodGet, "/lessons?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListLessonsEmpty(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	rec, _ := env.do(t, http.MethodGet, "/lessons", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"lessons":[]}`, rec.Body.String())
}

func TestGetLesson(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	l := env.seed(t, "Fetch me", storage.LessonUpdate{})

	rec, body := env.do(t, http.MethodGet, "/lessons/"+l.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, l.ID, lessonField(t, body, "id"))

	rec, body = env.do(t, http.MethodGet, "/lessons/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "lesson not found", body["error"])
}

func TestUpdateLesson(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	l := env.seed(t, "Editable", storage.LessonUpdate{})

	rec, body := env.do(t, http.MethodPut, "/lessons/"+l.ID, map[string]string{
		"title":   "Better title",
		"content": "export default function A() { return null; }",
		"status":  "generated",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Better title", lessonField(t, body, "title"))
	assert.Equal(t, "generated", lessonField(t, body, "status"))
	assert.Equal(t, "Editable", lessonField(t, body, "outline"))
}

func TestUpdateLessonRejectsOutlineChange(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	l := env.seed(t, "Fixed outline", storage.LessonUpdate{})

	rec, _ := env.do(t, http.MethodPut, "/lessons/"+l.ID, map[string]string{"outline": "Another"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodPut, "/lessons/"+l.ID, map[string]string{"outline": "Fixed outline"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpdateLessonStatusTransitions(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	failed := env.seed(t, "Failed lesson", storage.LessonUpdate{Status: storage.Ptr(storage.StatusFailed)})
	generated := env.seed(t, "Done lesson", storage.LessonUpdate{
		Status:  storage.Ptr(storage.StatusGenerated),
		Content: storage.Ptr(sanitize.Sanitize("export default function D() { return null; }")),
	})

	rec, _ := env.do(t, http.MethodPut, "/lessons/"+failed.ID, map[string]string{"status": "generating"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = env.do(t, http.MethodPut, "/lessons/"+generated.ID, map[string]string{"status": "failed"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = env.do(t, http.MethodPut, "/lessons/"+generated.ID, map[string]string{"status": "generated"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodPut, "/lessons/"+generated.ID, map[string]string{"status": "archived"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	got, err := env.store.GetLesson(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
}

func TestUpdateLessonGeneratedNeedsContent(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	l := env.seed(t, "No content yet", storage.LessonUpdate{})

	rec, _ := env.do(t, http.MethodPut, "/lessons/"+l.ID, map[string]string{"status": "generated"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	done := env.seed(t, "Has content", storage.LessonUpdate{
		Status:  storage.Ptr(storage.StatusGenerated),
		Content: storage.Ptr(sanitize.Sanitize("export default function H() { return null; }")),
	})
	rec, _ = env.do(t, http.MethodPut, "/lessons/"+done.ID, map[string]string{"content": "   "})
	assert.Equal(t, http.StatusConflict, rec.Code)

	got, err := env.store.GetLesson(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusGenerating, got.Status)
	got, err = env.store.GetLesson(context.Background(), done.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.Content)
}

func TestUpdateLessonSanitizesContent(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	l := env.seed(t, "Raw content", storage.LessonUpdate{})

	raw := "```tsx\nexport default function Quiz() {\n  return <div>Quiz</div>;\n}\n```\nHere is your component."
	rec, body := env.do(t, http.MethodPut, "/lessons/"+l.ID, map[string]string{
		"content": raw,
		"status":  "generated",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	content, _ := lessonField(t, body, "content").(string)
	assert.Equal(t, sanitize.Sanitize(raw), content)
	assert.True(t, strings.HasPrefix(content, sanitize.Directive))
	assert.NotContains(t, content, "```")
	assert.NotContains(t, content, "Here is your component.")
}

func TestUpdateLessonSandboxFieldsTogether(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	l := env.seed(t, "Sandbox fields", storage.LessonUpdate{})

	rec, _ := env.do(t, http.MethodPut, "/lessons/"+l.ID, map[string]string{"sandbox_id": "sb-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodPut, "/lessons/missing", map[string]string{"title": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecute(t *testing.T) {
	env := newTestEnv(t, Config{}, debounce.NewMemory(time.Minute))
	l := env.seed(t, "Run me", storage.LessonUpdate{})

	rec, body := env.do(t, http.MethodPost, "/execute", map[string]string{"lessonId": l.ID})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, body["queued"])
	assert.Equal(t, l.ID, body["lessonId"])
	assert.Equal(t, jobs.EventExecute, body["event"])

	rec, _ = env.do(t, http.MethodPost, "/execute", map[string]string{"lessonId": l.ID})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, env.queue.names(), 1)

	rec, _ = env.do(t, http.MethodPost, "/execute", map[string]string{"lessonId": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/execute", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteQueueUnavailable(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	env.queue.err = jobs.ErrClosed
	l := env.seed(t, "Closed queue", storage.LessonUpdate{})

	rec, _ := env.do(t, http.MethodPost, "/execute", map[string]string{"lessonId": l.ID})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type brokenDebouncer struct{}

func (brokenDebouncer) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestExecuteFailsOpenWhenDebounceUnavailable(t *testing.T) {
	env := newTestEnv(t, Config{}, brokenDebouncer{})
	l := env.seed(t, "Redis down", storage.LessonUpdate{})

	rec, _ := env.do(t, http.MethodPost, "/execute", map[string]string{"lessonId": l.ID})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRecreate(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	empty := env.seed(t, "No content", storage.LessonUpdate{})
	ready := env.seed(t, "Has content", storage.LessonUpdate{
		Content: storage.Ptr("export default function R() { return null; }"),
		Status:  storage.Ptr(storage.StatusGenerated),
	})

	rec, _ := env.do(t, http.MethodPost, "/lessons/"+empty.ID+"/recreate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body := env.do(t, http.MethodPost, "/lessons/"+ready.ID+"/recreate", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, jobs.EventRecreate, body["event"])

	rec, _ = env.do(t, http.MethodPost, "/lessons/missing/recreate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, []string{jobs.EventRecreate + " " + ready.ID}, env.queue.names())
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	rec, body := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	env.do(t, http.MethodGet, "/lessons", nil)
	rec, _ = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `lessonforge_http_requests_total{method="GET",route="/lessons",status="200"} 1`)
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestWebSocketStreamsUntilTerminal(t *testing.T) {
	env := newTestEnv(t, Config{PollInterval: 20 * time.Millisecond}, nil)
	l := env.seed(t, "Streamed", storage.LessonUpdate{})

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/lessons/"+l.ID+"/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first wsOutgoing
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "lesson", first.Type)
	assert.Equal(t, storage.StatusGenerating, first.Lesson.Status)

	_, err = env.store.UpdateLesson(context.Background(), l.ID, storage.LessonUpdate{
		Status:     storage.Ptr(storage.StatusGenerated),
		Content:    storage.Ptr("export default function S() { return null; }"),
		SandboxID:  storage.Ptr("sb-1"),
		SandboxURL: storage.Ptr("https://3000-sb-1.example.test"),
	})
	require.NoError(t, err)

	var last wsOutgoing
	for {
		var msg wsOutgoing
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		last = msg
	}
	require.NotNil(t, last.Lesson)
	assert.Equal(t, storage.StatusGenerated, last.Lesson.Status)
	assert.Equal(t, "https://3000-sb-1.example.test", last.Lesson.SandboxURL)
}

func TestWebSocketUnknownLesson(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/lessons/missing/ws"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
