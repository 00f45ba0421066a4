// Package notify passes backup requests between processes sharing a data
// directory: any process can drop a request file that the serving process
// picks up.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const requestExt = ".request"

// Request is the payload of a request file.
type Request struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
	Time   int64  `json:"time"`
}

// RequestWriter writes request files to a shared directory.
type RequestWriter struct {
	dir string
}

// NewRequestWriter creates a writer that emits requests to {dataPath}/requests/.
func NewRequestWriter(dataPath string) *RequestWriter {
	return &RequestWriter{dir: requestDir(dataPath)}
}

func requestDir(dataPath string) string {
	return filepath.Join(dataPath, "requests")
}

// Request writes a request file and returns its ID. The file is renamed
// into place so a watcher never reads a partial request.
func (w *RequestWriter) Request(reason string) (string, error) {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return "", fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	req := Request{
		ID:     uuid.NewString(),
		Reason: reason,
		Time:   time.Now().UnixNano(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("notify: encode request: %w", err)
	}

	tmp := filepath.Join(w.dir, "."+req.ID+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("notify: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, req.ID+requestExt)); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("notify: publish request: %w", err)
	}
	return req.ID, nil
}
