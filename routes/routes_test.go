package routes

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vnkhanh/recallai-backend/controllers"
	"github.com/vnkhanh/recallai-backend/logger"
	"github.com/vnkhanh/recallai-backend/models"
	"github.com/vnkhanh/recallai-backend/repository"
	"github.com/vnkhanh/recallai-backend/services"
	"github.com/vnkhanh/recallai-backend/utils"
	"github.com/vnkhanh/recallai-backend/worker"
	"github.com/vnkhanh/recallai-backend/ws"
)

const testBucket = "recall-uploads"

type memStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]string // of the last upload
	events   bool
}

func (s *memStore) Download(_ context.Context, bucket, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+name]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func (s *memStore) Upload(_ context.Context, bucket, name, _ string, metadata map[string]string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+name] = data
	s.metadata = metadata
	return nil
}

func (s *memStore) EmitsFinalizeEvents() bool { return s.events }

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type stubGenerator struct{}

func (stubGenerator) GenerateFromText(context.Context, string) (services.Generation, error) {
	return services.Generation{Model: "stub", Cards: []services.GeneratedCard{
		{Question: "What is ATP?", Answer: "Energy currency", Type: "qa", Difficulty: "easy"},
		{Question: "Where is DNA stored?", Answer: "Nucleus", Type: "qa", Difficulty: "medium"},
	}}, nil
}

func (stubGenerator) GenerateFromAudio(context.Context, services.AudioInput) (services.Generation, error) {
	return services.Generation{}, services.ErrNoFlashcards
}

func (stubGenerator) Health(context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"status": "healthy"}, nil
}

type stubDeadLetters struct{ entries []models.DeadLetter }

func (s stubDeadLetters) List(_ context.Context, n int64) ([]models.DeadLetter, error) {
	if int64(len(s.entries)) > n {
		return s.entries[:n], nil
	}
	return s.entries, nil
}

type testServer struct {
	router   *gin.Engine
	api      *controllers.API
	store    *memStore
	verifier *utils.TokenVerifier
	db       *gorm.DB
}

func setupTestServer(t *testing.T, storeEmitsEvents bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Deck{}, &models.Flashcard{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := logger.Nop()
	store := &memStore{objects: map[string][]byte{}, events: storeEmitsEvents}
	decks := repository.NewDeckRepository(db)
	hub := ws.NewHub(log)
	gen := stubGenerator{}
	persister := services.NewPersister(decks, nil, hub, log)
	pipeline := services.NewPipeline(services.NewExtractor(store, log), gen, persister, nil, time.Minute, log)

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewWorkerPool(1, 4, log)
	pool.Start(ctx)
	t.Cleanup(func() {
		pool.Stop()
		cancel()
		_ = sqlDB.Close()
	})

	api := &controllers.API{
		DB:        db,
		Decks:     decks,
		Pipeline:  pipeline,
		Generator: gen,
		Exporter:  services.NewExporter(nil, log),
		Store:     store,
		Bucket:    testBucket,
		Pool:      pool,
		Hub:       hub,
		Log:       log,
	}
	verifier := utils.NewTokenVerifier("test-secret")
	r := SetupRouter(gin.New(), api, Options{Verifier: verifier, AllowedOrigins: []string{"http://localhost:3000"}})
	return &testServer{router: r, api: api, store: store, verifier: verifier, db: db}
}

func (s *testServer) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := s.verifier.GenerateToken(userID, role, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return tok
}

func (s *testServer) do(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) finalize(t *testing.T, name string, size int64) map[string]interface{} {
	t.Helper()
	s.store.objects[testBucket+"/"+name] = bytes.Repeat([]byte("Cells make energy. "), int(size/19)+1)[:size]
	body := `{"name":"` + name + `","bucket":"` + testBucket + `","contentType":"text/plain","size":"` +
		itoa(size) + `","generation":"1700000000"}`
	rec := s.do(httptest.NewRequest(http.MethodPost, "/events/storage-finalize", strings.NewReader(body)), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize status %d: %s", rec.Code, rec.Body.String())
	}
	return decodeBody(t, rec)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthReportsDatabaseAndAIService(t *testing.T) {
	s := setupTestServer(t, true)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/health", nil), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["db"] != "ok" || body["status"] != "ok" {
		t.Fatalf("unexpected health %v", body)
	}
}

func TestDeckRoutesRequireAuth(t *testing.T) {
	s := setupTestServer(t, true)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/decks", nil), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestFinalizeEventCreatesDeckVisibleToOwnerOnly(t *testing.T) {
	s := setupTestServer(t, true)
	body := s.finalize(t, "uploads/documents/u1/biology.txt", 120)
	if body["accepted"] != true || body["outcome"] != "completed" {
		t.Fatalf("unexpected response %v", body)
	}
	deckID, _ := body["deck_id"].(string)
	if !strings.HasPrefix(deckID, "u1_biology_") {
		t.Fatalf("unexpected deck id %q", deckID)
	}

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/decks/"+deckID, nil), s.token(t, "u1", "user"))
	if rec.Code != http.StatusOK {
		t.Fatalf("owner get: %d %s", rec.Code, rec.Body.String())
	}
	var deck models.Deck
	if err := json.Unmarshal(rec.Body.Bytes(), &deck); err != nil {
		t.Fatalf("decode deck: %v", err)
	}
	if deck.TotalCards != 2 || len(deck.Cards) != 2 || deck.Status != models.DeckCompleted {
		t.Fatalf("unexpected deck %+v", deck)
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/decks/"+deckID, nil), s.token(t, "u2", "user"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("other user must not see the deck, got %d", rec.Code)
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/decks", nil), s.token(t, "u1", "user"))
	if list := decodeBody(t, rec); list["total"] != float64(1) {
		t.Fatalf("unexpected list %v", list)
	}
}

func TestFinalizeEventRejectionIsAcknowledged(t *testing.T) {
	s := setupTestServer(t, true)
	body := s.finalize(t, "uploads/documents/u1/nested/biology.txt", 120)
	if body["accepted"] != false || body["outcome"] != "rejected" {
		t.Fatalf("unexpected response %v", body)
	}
	var n int64
	s.db.Model(&models.Deck{}).Count(&n)
	if n != 0 {
		t.Fatalf("rejected upload must not create a deck")
	}
}

func TestFinalizeEventFromPubSubEnvelope(t *testing.T) {
	s := setupTestServer(t, true)
	name := "uploads/documents/u3/notes.txt"
	s.store.objects[testBucket+"/"+name] = []byte("Photosynthesis converts light into chemical energy.")
	obj := `{"name":"` + name + `","bucket":"` + testBucket + `","contentType":"text/plain","size":51,"generation":7}`
	env := `{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte(obj)) + `","attributes":{"eventType":"OBJECT_FINALIZE"}},"subscription":"s"}`

	rec := s.do(httptest.NewRequest(http.MethodPost, "/events/storage-finalize", strings.NewReader(env)), "")
	body := decodeBody(t, rec)
	if rec.Code != http.StatusOK || body["outcome"] != "completed" {
		t.Fatalf("unexpected response %d %v", rec.Code, body)
	}

	del := `{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte(obj)) + `","attributes":{"eventType":"OBJECT_DELETE"}}}`
	rec = s.do(httptest.NewRequest(http.MethodPost, "/events/storage-finalize", strings.NewReader(del)), "")
	if body := decodeBody(t, rec); body["outcome"] != "ignored" {
		t.Fatalf("non-finalize events must be ignored, got %v", body)
	}
}

func TestMalformedEventIsAcknowledged(t *testing.T) {
	s := setupTestServer(t, true)
	rec := s.do(httptest.NewRequest(http.MethodPost, "/events/storage-finalize", strings.NewReader("{not json")), "")
	if rec.Code != http.StatusOK || decodeBody(t, rec)["accepted"] != false {
		t.Fatalf("malformed event must be acknowledged with accepted=false, got %d", rec.Code)
	}
}

func TestExportDeck(t *testing.T) {
	s := setupTestServer(t, true)
	deckID := s.finalize(t, "uploads/documents/u1/Cell Notes.txt", 80)["deck_id"].(string)
	tok := s.token(t, "u1", "user")

	exportReq := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/decks/"+deckID+"/export", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return s.do(req, tok)
	}

	rec := exportReq(`{"format":"csv","card_ids":["card_1","card_2"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="cell-notes.csv"` {
		t.Fatalf("unexpected disposition %q", got)
	}
	if !strings.HasPrefix(rec.Body.String(), "Front,Back,Type,Difficulty\n") {
		t.Fatalf("unexpected csv %q", rec.Body.String())
	}

	if rec := exportReq(`{"format":"csv","card_ids":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty selection must be 400, got %d", rec.Code)
	}
	if rec := exportReq(`{"format":"pdf","card_ids":["card_1"]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown format must be 400, got %d", rec.Code)
	}
	if rec := exportReq(`{"format":"anki","card_ids":["card_1"]}`); rec.Code != http.StatusBadGateway {
		t.Fatalf("anki without packager must be 502, got %d", rec.Code)
	}
}

func TestDeleteDeckRemovesIt(t *testing.T) {
	s := setupTestServer(t, true)
	deckID := s.finalize(t, "uploads/documents/u1/bio.txt", 60)["deck_id"].(string)

	rec := s.do(httptest.NewRequest(http.MethodDelete, "/api/decks/"+deckID, nil), s.token(t, "u2", "user"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("non-owner delete must be 404, got %d", rec.Code)
	}
	rec = s.do(httptest.NewRequest(http.MethodDelete, "/api/decks/"+deckID, nil), s.token(t, "u1", "user"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	var cards int64
	s.db.Model(&models.Flashcard{}).Where("deck_id = ?", deckID).Count(&cards)
	if cards != 0 {
		t.Fatalf("cards must be removed with the deck")
	}
}

// multipartUpload builds a form with a file part; fields are extra name/value pairs.
func multipartUpload(t *testing.T, filename, contentType string, data []byte, fields ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write(data)
	for i := 0; i+1 < len(fields); i += 2 {
		if err := mw.WriteField(fields[i], fields[i+1]); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUploadDispatchesPipelineWhenStoreHasNoEvents(t *testing.T) {
	s := setupTestServer(t, false)
	body, ct := multipartUpload(t, "chem.txt", "text/plain", []byte("Acids donate protons; bases accept them."))
	req := httptest.NewRequest(http.MethodPost, "/api/uploads/documents", body)
	req.Header.Set("Content-Type", ct)

	rec := s.do(req, s.token(t, "u7", "user"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["object"]; got != "uploads/documents/u7/chem.txt" {
		t.Fatalf("unexpected object path %v", got)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		var n int64
		s.db.Model(&models.Deck{}).Where("user_id = ? AND status = ?", "u7", models.DeckCompleted).Count(&n)
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued pipeline job did not produce a deck")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestUploadSameFileTwiceIsAccepted(t *testing.T) {
	s := setupTestServer(t, true)
	tok := s.token(t, "u8", "user")
	for attempt := 1; attempt <= 2; attempt++ {
		body, ct := multipartUpload(t, "lecture.mp3", "audio/mpeg", []byte("ID3 audio"), "language", "EN")
		req := httptest.NewRequest(http.MethodPost, "/api/uploads/audio", body)
		req.Header.Set("Content-Type", ct)
		if rec := s.do(req, tok); rec.Code != http.StatusAccepted {
			t.Fatalf("attempt %d: %d %s", attempt, rec.Code, rec.Body.String())
		}
	}
	if s.store.count() != 1 {
		t.Fatalf("retry must replace the stored object, have %d objects", s.store.count())
	}
	if s.store.metadata["language"] != "en" {
		t.Fatalf("language hint must be stored with the object, got %v", s.store.metadata)
	}
}

func TestUploadRejectsDisallowedFileBeforeStoring(t *testing.T) {
	s := setupTestServer(t, false)
	body, ct := multipartUpload(t, "slides.pptx", "application/vnd.ms-powerpoint", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/api/uploads/documents", body)
	req.Header.Set("Content-Type", ct)

	rec := s.do(req, s.token(t, "u7", "user"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if s.store.count() != 0 {
		t.Fatalf("rejected file must not be stored")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/uploads/video", strings.NewReader(""))
	if rec := s.do(req, s.token(t, "u7", "user")); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind must be 400, got %d", rec.Code)
	}
}

func TestDeadLettersAdminOnly(t *testing.T) {
	s := setupTestServer(t, true)
	req := func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/admin/deadletters", nil) }

	if rec := s.do(req(), s.token(t, "u1", "user")); rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin must be 403, got %d", rec.Code)
	}
	if rec := s.do(req(), s.token(t, "ops", "admin")); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("missing queue must be 503, got %d", rec.Code)
	}

	s.api.DeadLetters = stubDeadLetters{entries: []models.DeadLetter{{DeckID: "u1_x_1", Stage: "persist"}}}
	rec := s.do(req(), s.token(t, "ops", "admin"))
	if rec.Code != http.StatusOK || decodeBody(t, rec)["total"] != float64(1) {
		t.Fatalf("unexpected dead letters response %d %s", rec.Code, rec.Body.String())
	}
}
