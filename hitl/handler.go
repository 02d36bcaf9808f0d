package hitl

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Handler exposes pending checkpoints over HTTP:
//
//	GET  /checkpoints              list pending requests
//	POST /checkpoints/{task}/ack   acknowledge, body {"by": "...", "comment": "..."}
//
// The ack route takes an optional ?run= query naming the run when the task
// is pending in several.
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /checkpoints", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.Pending())
	})
	mux.HandleFunc("POST /checkpoints/{task}/ack", func(w http.ResponseWriter, r *http.Request) {
		var ack Acknowledgment
		if r.ContentLength != 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&ack); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
				return
			}
		}
		if ack.By == "" {
			ack.By = "http"
		}
		taskID := r.PathValue("task")
		var err error
		if runID := r.URL.Query().Get("run"); runID != "" {
			err = m.AcknowledgeRun(runID, taskID, ack)
		} else {
			err = m.Acknowledge(taskID, ack)
		}
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, ErrNotPending):
				status = http.StatusNotFound
			case errors.Is(err, ErrAmbiguous):
				status = http.StatusConflict
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(StatusAcknowledged)})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
