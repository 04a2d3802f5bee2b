package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryStoreAppendAndRead(t *testing.T) {
	fsys := afero.NewMemMapFs()
	store := NewHistoryStore(fsys, "data/chat-history.json")
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	entries, err := store.Read()
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NotNil(t, entries)

	id1, err := store.Append("wlb", []json.RawMessage{json.RawMessage(`{"role":"user","content":"سلام"}`)})
	require.NoError(t, err)
	id2, err := store.Append("negotiation", nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	entries, err = store.Read()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, id1, entries[0].ID)
	assert.Equal(t, "wlb", entries[0].Type)
	assert.True(t, fixed.Equal(entries[0].Timestamp))
	assert.JSONEq(t, `{"role":"user","content":"سلام"}`, string(entries[0].Messages[0]))

	exists, err := afero.Exists(fsys, "data/chat-history.json.tmp")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHistoryStoreCorruptFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "history.json", []byte("not json"), 0o644))
	store := NewHistoryStore(fsys, "history.json")

	_, err := store.Read()
	assert.Error(t, err)
	_, err = store.Append("wlb", nil)
	assert.Error(t, err)
}

func TestHistoryHandlers(t *testing.T) {
	store := NewHistoryStore(afero.NewMemMapFs(), "history.json")

	rec := httptest.NewRecorder()
	store.SaveHistoryHandler(rec, httptest.NewRequest(http.MethodPost, "/api/v1/history/save", strings.NewReader(`{"type":"wlb"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	store.SaveHistoryHandler(rec, httptest.NewRequest(http.MethodPost, "/api/v1/history/save",
		strings.NewReader(`{"type":"wlb","messages":[{"role":"ai","content":"hi"}]}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var saved struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.True(t, saved.Success)
	assert.NotEmpty(t, saved.Data["chatId"])

	rec = httptest.NewRecorder()
	store.GetHistoryHandler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Data []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Data, 1)
	assert.Equal(t, saved.Data["chatId"], listed.Data[0].ID)
}
