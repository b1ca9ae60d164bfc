package eventlog

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const maxBatchBytes = 4 << 20

// Receiver accepts batches on POST /api/logs, verifies their checksum and
// journals the records. Redelivered batches are accepted idempotently.
type Receiver struct {
	DB     *DB
	Logger *slog.Logger
}

type wireBatch struct {
	BatchID   string          `json:"batchId"`
	Checksum  string          `json:"checksum"`
	Records   json.RawMessage `json:"records"`
	Timestamp time.Time       `json:"timestamp"`
}

func (rv *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	logger := rv.Logger
	if logger == nil {
		logger = slog.Default()
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}
	var wb wireBatch
	if err := json.Unmarshal(body, &wb); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid batch: " + err.Error()})
		return
	}
	if wb.BatchID == "" || wb.Checksum == "" || len(wb.Records) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "batchId, checksum and records are required"})
		return
	}
	if err := VerifyRaw(wb.Checksum, wb.Records); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrChecksumMismatch) {
			status = http.StatusUnprocessableEntity
		}
		logger.Warn("Rejected log batch", "batch_id", wb.BatchID, "error", err)
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	var records []Record
	if err := json.Unmarshal(wb.Records, &records); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid records: " + err.Error()})
		return
	}

	if rv.DB != nil {
		ids := make([]string, 0, len(records))
		for _, rec := range records {
			if err := rv.DB.Insert(r.Context(), rec); err != nil {
				logger.Error("Failed to store received record", "batch_id", wb.BatchID, "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store failed"})
				return
			}
			ids = append(ids, rec.ID)
		}
		if err := rv.DB.MarkShipped(r.Context(), wb.BatchID, ids); err != nil {
			logger.Warn("Failed to tag received batch", "batch_id", wb.BatchID, "error", err)
		}
	}
	logger.Debug("Accepted log batch", "batch_id", wb.BatchID, "records", len(records))
	writeJSON(w, http.StatusAccepted, map[string]any{"batchId": wb.BatchID, "accepted": len(records)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
