package hub

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentide/hub/internal/store"
)

type directoryEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// handleListDirectories lists immediate subdirectories of path, optionally
// filtered by a case-insensitive substring query. Local workers scan the
// filesystem directly; remote workers are scanned over the exec channel
// with the same `ls -1pa | grep /$` the source used.
func (h *Hub) handleListDirectories(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to resolve home directory")
			return
		}
		path = home
	}
	query := strings.ToLower(r.URL.Query().Get("query"))
	workerID := r.URL.Query().Get("workerId")

	worker, err := h.store.GetWorker(workerIDOrDefault(workerID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load worker")
		return
	}
	if worker == nil {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}

	var names []string
	if worker.Type == store.WorkerLocal {
		if !withinHomeDirectory(path) {
			writeError(w, http.StatusForbidden, "path outside home directory")
			return
		}
		names, err = listLocalDirectories(path)
	} else {
		names, err = listRemoteDirectories(h, worker.ID, path)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list directories: %v", err))
		return
	}

	entries := make([]directoryEntry, 0, len(names))
	for _, name := range names {
		if query != "" && !strings.Contains(strings.ToLower(name), query) {
			continue
		}
		entries = append(entries, directoryEntry{Name: name, Path: filepath.Join(path, name)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	writeJSON(w, http.StatusOK, entries)
}

func listLocalDirectories(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func listRemoteDirectories(h *Hub, workerID, path string) ([]string, error) {
	out, err := h.tunnels.Exec(workerID, fmt.Sprintf(`ls -1pa %s | grep '/$'`, shellQuoteDir(path)))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSuffix(strings.TrimSpace(line), "/")
		if name == "" || name == "." || name == ".." {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func workerIDOrDefault(id string) string {
	if id == "" {
		return store.LocalWorkerID
	}
	return id
}

// withinHomeDirectory mirrors the session manager's local working-directory
// guard, applied here to the directory browser's local scans.
func withinHomeDirectory(path string) bool {
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	realHome, err := filepath.EvalSymlinks(home)
	if err != nil {
		realHome = filepath.Clean(home)
	}
	clean := filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(clean); err == nil {
		clean = resolved
	}
	return clean == realHome || strings.HasPrefix(clean, realHome+string(filepath.Separator))
}

func shellQuoteDir(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
