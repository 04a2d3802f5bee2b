package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mani-agah/assessment/models"
	"github.com/spf13/afero"
)

// HistoryStore keeps saved conversations in a single JSON array file.
type HistoryStore struct {
	fs    afero.Fs
	path  string
	mutex sync.Mutex
	now   func() time.Time
}

func NewHistoryStore(fsys afero.Fs, path string) *HistoryStore {
	return &HistoryStore{fs: fsys, path: path, now: time.Now}
}

// Read returns every saved entry; a missing file is an empty history.
func (h *HistoryStore) Read() ([]models.HistoryEntry, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.read()
}

func (h *HistoryStore) read() ([]models.HistoryEntry, error) {
	data, err := afero.ReadFile(h.fs, h.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return []models.HistoryEntry{}, nil
		}
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}
	if len(data) == 0 {
		return []models.HistoryEntry{}, nil
	}

	var entries []models.HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse history file: %w", err)
	}
	return entries, nil
}

// Append stores a conversation and returns its generated id.
func (h *HistoryStore) Append(entryType string, messages []json.RawMessage) (string, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	entries, err := h.read()
	if err != nil {
		return "", err
	}

	entry := models.HistoryEntry{
		ID:        uuid.NewString(),
		Type:      entryType,
		Timestamp: h.now().UTC(),
		Messages:  messages,
	}
	entries = append(entries, entry)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode history: %w", err)
	}
	if err := h.fs.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create history directory: %w", err)
	}

	// Write to a temp file and rename so readers never see a partial array
	tmp := h.path + ".tmp"
	if err := afero.WriteFile(h.fs, tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write history file: %w", err)
	}
	if err := h.fs.Rename(tmp, h.path); err != nil {
		return "", fmt.Errorf("failed to replace history file: %w", err)
	}

	slog.Info("Chat history saved", "chat_id", entry.ID, "type", entryType, "messages", len(messages))
	return entry.ID, nil
}

type SaveHistoryRequest struct {
	Messages []json.RawMessage `json:"messages" validate:"required"`
	Type     string            `json:"type" validate:"required"`
}

func (h *HistoryStore) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Read()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", entries)
}

func (h *HistoryStore) SaveHistoryHandler(w http.ResponseWriter, r *http.Request) {
	var req SaveHistoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, r, err)
		return
	}

	chatID, err := h.Append(req.Type, req.Messages)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "Chat history saved", map[string]string{"chatId": chatID})
}
