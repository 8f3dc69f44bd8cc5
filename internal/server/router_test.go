package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/dandytbermillo/annotation/internal/crdt"
	"github.com/dandytbermillo/annotation/internal/database"
	"github.com/dandytbermillo/annotation/internal/persistence"
	"go.uber.org/zap"
)

func newTestHandler(testContext *testing.T) http.Handler {
	testContext.Helper()
	dbPath := filepath.Join(testContext.TempDir(), "router.db")

	rawDB, err := database.OpenSQLite(dbPath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := persistence.AutoMigrate(rawDB, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	store, err := database.NewStore(rawDB, database.StoreConfig{Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to construct store: %v", err)
	}
	testContext.Cleanup(func() { _ = store.Close() })

	cfg := persistence.TestPreset()
	service, err := persistence.NewService(persistence.ServiceConfig{
		Store:      store,
		Codec:      persistence.DefaultCodec{},
		Batching:   cfg,
		Thresholds: persistence.CompactionThresholds{UpdateThreshold: 1000, KeepSnapshots: 3},
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{Service: service, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to construct handler: %v", err)
	}
	return handler
}

func TestHealthEndpointReportsHealthy(testContext *testing.T) {
	handler := newTestHandler(testContext)

	request := httptest.NewRequest(http.MethodGet, "/health", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if healthy, _ := body["healthy"].(bool); !healthy {
		testContext.Fatalf("expected healthy=true, got %v", body["healthy"])
	}
}

func TestPostPersistenceUpdatesThenGetReturnsIt(testContext *testing.T) {
	handler := newTestHandler(testContext)
	headReplica, headCounter := crdt.HeadID()
	payload := crdt.NewInsert("r1", 1, headReplica, headCounter, 'h')

	body, err := json.Marshal(map[string]interface{}{
		"doc":     "note:router-1",
		"payload": base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		testContext.Fatalf("failed to marshal request: %v", err)
	}

	postRequest := httptest.NewRequest(http.MethodPost, "/persistence/updates", bytes.NewReader(body))
	postRequest.Header.Set("Content-Type", "application/json")
	postRecorder := httptest.NewRecorder()
	handler.ServeHTTP(postRecorder, postRequest)
	if postRecorder.Code != http.StatusAccepted {
		testContext.Fatalf("expected 202, got %d: %s", postRecorder.Code, postRecorder.Body.String())
	}

	getRequest := httptest.NewRequest(http.MethodGet, "/persistence/updates?doc=note:router-1", nil)
	getRecorder := httptest.NewRecorder()
	handler.ServeHTTP(getRecorder, getRequest)
	if getRecorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", getRecorder.Code, getRecorder.Body.String())
	}

	var response struct {
		Updates []map[string]interface{} `json:"updates"`
	}
	if err := json.Unmarshal(getRecorder.Body.Bytes(), &response); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Updates) != 1 {
		testContext.Fatalf("expected 1 update, got %d", len(response.Updates))
	}
}

func TestDeleteNoteHardRequiresConfirmationHeader(testContext *testing.T) {
	handler := newTestHandler(testContext)

	request := httptest.NewRequest(http.MethodDelete, "/notes/some-note?hard=true", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusForbidden {
		testContext.Fatalf("expected 403, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestDeleteNoteHardWithConfirmationSucceeds(testContext *testing.T) {
	handler := newTestHandler(testContext)

	request := httptest.NewRequest(http.MethodDelete, "/notes/some-note?hard=true", nil)
	request.Header.Set(confirmDeleteHeader, persistence.HardDeleteConfirmation)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		testContext.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestUnifiedPersistenceEndpointDispatchesUpdateAndSnapshotActions(testContext *testing.T) {
	handler := newTestHandler(testContext)
	doc := "note:router-unified"
	headReplica, headCounter := crdt.HeadID()
	payload := crdt.NewInsert("r1", 1, headReplica, headCounter, 'h')

	post := func(body map[string]interface{}) *httptest.ResponseRecorder {
		encoded, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to marshal request: %v", err)
		}
		request := httptest.NewRequest(http.MethodPost, "/persistence", bytes.NewReader(encoded))
		request.Header.Set("Content-Type", "application/json")
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder
	}

	persistRecorder := post(map[string]interface{}{
		"action":  "persist",
		"doc":     doc,
		"payload": base64.StdEncoding.EncodeToString(payload),
	})
	if persistRecorder.Code != http.StatusAccepted {
		testContext.Fatalf("expected 202 for persist, got %d: %s", persistRecorder.Code, persistRecorder.Body.String())
	}

	getRecorder := post(map[string]interface{}{"action": "getAllUpdates", "doc": doc})
	if getRecorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200 for getAllUpdates, got %d: %s", getRecorder.Code, getRecorder.Body.String())
	}
	var updatesResponse struct {
		Updates []map[string]interface{} `json:"updates"`
	}
	if err := json.Unmarshal(getRecorder.Body.Bytes(), &updatesResponse); err != nil {
		testContext.Fatalf("failed to decode getAllUpdates response: %v", err)
	}
	if len(updatesResponse.Updates) != 1 {
		testContext.Fatalf("expected 1 update, got %d", len(updatesResponse.Updates))
	}

	saveRecorder := post(map[string]interface{}{
		"action": "saveSnapshot",
		"doc":    doc,
		"state":  base64.StdEncoding.EncodeToString([]byte("snapshot-state")),
	})
	if saveRecorder.Code != http.StatusCreated {
		testContext.Fatalf("expected 201 for saveSnapshot, got %d: %s", saveRecorder.Code, saveRecorder.Body.String())
	}

	loadSnapshotRecorder := post(map[string]interface{}{"action": "loadSnapshot", "doc": doc})
	if loadSnapshotRecorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200 for loadSnapshot, got %d: %s", loadSnapshotRecorder.Code, loadSnapshotRecorder.Body.String())
	}

	clearRecorder := post(map[string]interface{}{"action": "clearUpdates", "doc": doc})
	if clearRecorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200 for clearUpdates, got %d: %s", clearRecorder.Code, clearRecorder.Body.String())
	}
	var clearResponse struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.Unmarshal(clearRecorder.Body.Bytes(), &clearResponse); err != nil {
		testContext.Fatalf("failed to decode clearUpdates response: %v", err)
	}
	if clearResponse.Deleted != 1 {
		testContext.Fatalf("expected 1 deleted update, got %d", clearResponse.Deleted)
	}

	unknownRecorder := post(map[string]interface{}{"action": "bogus", "doc": doc})
	if unknownRecorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected 400 for an unknown action, got %d: %s", unknownRecorder.Code, unknownRecorder.Body.String())
	}
}

func TestGetCompactStatusForEmptyDoc(testContext *testing.T) {
	handler := newTestHandler(testContext)

	request := httptest.NewRequest(http.MethodGet, "/persistence/compact?doc=note:router-empty", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		ShouldCompact bool `json:"should_compact"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if response.ShouldCompact {
		testContext.Fatalf("expected an empty doc to not need compaction")
	}
}
