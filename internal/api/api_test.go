package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ordsvc/attendant/internal/assistant"
	"github.com/ordsvc/attendant/internal/models"
	"github.com/ordsvc/attendant/internal/registry"
)

type noopService struct{}

func (noopService) CreateThread(ctx context.Context, metadata map[string]string) (string, error) {
	return "thread_ref", nil
}
func (noopService) PostMessage(ctx context.Context, threadRef, content string) error { return nil }
func (noopService) CreateRun(ctx context.Context, threadRef string) (assistant.Run, error) {
	return assistant.Run{}, nil
}
func (noopService) GetRun(ctx context.Context, threadRef, runID string) (assistant.Run, error) {
	return assistant.Run{}, nil
}
func (noopService) ListRuns(ctx context.Context, threadRef string) ([]assistant.Run, error) {
	return nil, nil
}
func (noopService) SubmitToolOutputs(ctx context.Context, threadRef, runID string, outputs []assistant.ToolOutput) error {
	return nil
}
func (noopService) CancelRun(ctx context.Context, threadRef, runID string) error { return nil }
func (noopService) ListMessages(ctx context.Context, threadRef string) ([]assistant.ThreadMessage, error) {
	return nil, nil
}

type fakeClearer struct{ cleared int }

func (f *fakeClearer) ClearCache() { f.cleared++ }

func newTestRouter(t *testing.T) (*gorm.DB, *fakeClearer, http.Handler) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.ConversationThread{}, &models.Turn{}, &models.AuthorizedSender{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	reg, err := registry.New(registry.Opts{DB: db, Assistant: noopService{}, Medium: "test"})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	tools := &fakeClearer{}
	router := newRouter(StartOpts{DB: db, Registry: reg, Tools: tools})
	return db, tools, router
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func seedThread(t *testing.T, db *gorm.DB, identifier string, turns int) models.ConversationThread {
	t.Helper()
	thread := models.ConversationThread{
		Identifier: identifier,
		ThreadRef:  "ref_" + identifier,
		Medium:     "test",
	}
	if err := db.Create(&thread).Error; err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	for i := 0; i < turns; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		turn := models.Turn{ThreadID: thread.ID, Role: role, Content: "turn"}
		if err := db.Create(&turn).Error; err != nil {
			t.Fatalf("seed turn: %v", err)
		}
	}
	return thread
}

func TestHealth(t *testing.T) {
	_, _, router := newTestRouter(t)
	w := doRequest(t, router, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestConversationList(t *testing.T) {
	db, _, router := newTestRouter(t)
	seedThread(t, db, "user_1", 0)
	seedThread(t, db, "user_2", 0)
	seedThread(t, db, "other_9", 0)

	w := doRequest(t, router, http.MethodGet, "/api/conversations", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var resp struct {
		Conversations []models.ConversationThread `json:"conversations"`
		Total         int64                       `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 || len(resp.Conversations) != 3 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestConversationListSearch(t *testing.T) {
	db, _, router := newTestRouter(t)
	seedThread(t, db, "user_1", 0)
	seedThread(t, db, "other_9", 0)

	w := doRequest(t, router, http.MethodGet, "/api/conversations?q=user", "")
	var resp struct {
		Total int64 `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 {
		t.Fatalf("total = %d, want 1", resp.Total)
	}
}

func TestConversationCreate(t *testing.T) {
	db, _, router := newTestRouter(t)

	w := doRequest(t, router, http.MethodPost, "/api/conversations", `{"identifier":"user_1","name":"Ana"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var thread models.ConversationThread
	if err := json.Unmarshal(w.Body.Bytes(), &thread); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if thread.Identifier != "user_1" || thread.ThreadRef != "thread_ref" {
		t.Fatalf("thread = %+v", thread)
	}
	var count int64
	if err := db.Model(&models.ConversationThread{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	// Re-posting the same identifier resolves the existing thread.
	w = doRequest(t, router, http.MethodPost, "/api/conversations", `{"identifier":"user_1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("re-create status = %d", w.Code)
	}
	if err := db.Model(&models.ConversationThread{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count after re-create = %d, want 1", count)
	}
}

func TestConversationCreateValidation(t *testing.T) {
	_, _, router := newTestRouter(t)
	w := doRequest(t, router, http.MethodPost, "/api/conversations", `{"name":"no id"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestConversationDetail(t *testing.T) {
	db, _, router := newTestRouter(t)
	seedThread(t, db, "user_1", 4)

	w := doRequest(t, router, http.MethodGet, "/api/conversations/user_1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var thread models.ConversationThread
	if err := json.Unmarshal(w.Body.Bytes(), &thread); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if thread.Identifier != "user_1" || len(thread.Turns) != 4 {
		t.Fatalf("thread = %+v", thread)
	}
}

func TestConversationDetailNotFound(t *testing.T) {
	_, _, router := newTestRouter(t)
	w := doRequest(t, router, http.MethodGet, "/api/conversations/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestPauseAndResume(t *testing.T) {
	db, _, router := newTestRouter(t)
	seedThread(t, db, "user_1", 0)

	w := doRequest(t, router, http.MethodPost, "/api/conversations/user_1/pause", "")
	if w.Code != http.StatusOK {
		t.Fatalf("pause status = %d: %s", w.Code, w.Body)
	}
	var thread models.ConversationThread
	if err := db.Where("identifier = ?", "user_1").First(&thread).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if !thread.Paused {
		t.Fatal("thread not paused")
	}

	w = doRequest(t, router, http.MethodPost, "/api/conversations/user_1/resume", "")
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d", w.Code)
	}
	if err := db.Where("identifier = ?", "user_1").First(&thread).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if thread.Paused {
		t.Fatal("thread still paused")
	}
}

func TestPauseUnknownConversation(t *testing.T) {
	_, _, router := newTestRouter(t)
	w := doRequest(t, router, http.MethodPost, "/api/conversations/ghost/pause", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAllowlistCRUD(t *testing.T) {
	_, _, router := newTestRouter(t)

	w := doRequest(t, router, http.MethodPost, "/api/allowlist", `{"sender_id":"user_1","note":"vip"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add status = %d: %s", w.Code, w.Body)
	}

	// Duplicate is rejected.
	w = doRequest(t, router, http.MethodPost, "/api/allowlist", `{"sender_id":"user_1"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d", w.Code)
	}

	w = doRequest(t, router, http.MethodGet, "/api/allowlist", "")
	var resp struct {
		Senders []models.AuthorizedSender `json:"senders"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Senders) != 1 || resp.Senders[0].SenderID != "user_1" {
		t.Fatalf("senders = %+v", resp.Senders)
	}

	w = doRequest(t, router, http.MethodDelete, "/api/allowlist/user_1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("remove status = %d", w.Code)
	}
	w = doRequest(t, router, http.MethodDelete, "/api/allowlist/user_1", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("remove again status = %d", w.Code)
	}
}

func TestAllowlistAddValidation(t *testing.T) {
	_, _, router := newTestRouter(t)
	w := doRequest(t, router, http.MethodPost, "/api/allowlist", `{"note":"missing id"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCacheClear(t *testing.T) {
	_, tools, router := newTestRouter(t)
	w := doRequest(t, router, http.MethodPost, "/api/tools/cache/clear", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if tools.cleared != 1 {
		t.Fatalf("cleared = %d", tools.cleared)
	}
}

func TestStartValidation(t *testing.T) {
	if err := Start(context.Background(), StartOpts{}); err == nil {
		t.Fatal("expected error for missing db")
	}
}
