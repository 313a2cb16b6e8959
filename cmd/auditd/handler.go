package main

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/opsledger/opsledger/internal/domain/audit"
	"github.com/opsledger/opsledger/internal/domain/errors"
	svcaudit "github.com/opsledger/opsledger/internal/service/audit"
)

// ingestHandler accepts candidate records and appends them to the ledger.
type ingestHandler struct {
	writer *svcaudit.ChainWriter
	logger *zap.Logger
}

type appendResponse struct {
	Sequence int64  `json:"sequence"`
	Checksum string `json:"checksum"`
}

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (h *ingestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var candidate audit.RecordCandidate
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&candidate); err != nil {
		writeError(w, errors.NewValidationError("MALFORMED_BODY", "request body is not a valid record candidate"))
		return
	}

	record, err := h.writer.Append(r.Context(), &candidate)
	if err != nil {
		h.logger.Debug("append rejected", zap.Error(err))
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(appendResponse{
		Sequence: record.Sequence,
		Checksum: record.Checksum.String(),
	})
}

// chainHandler reports the current chain tail.
type chainHandler struct {
	queries *svcaudit.QueryService
	logger  *zap.Logger
}

type chainResponse struct {
	Length       int64  `json:"length"`
	LastChecksum string `json:"last_checksum,omitempty"`
}

func (h *chainHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tail, err := h.queries.ChainStatus(r.Context())
	if err != nil {
		h.logger.Error("chain status lookup failed", zap.Error(err))
		writeError(w, err)
		return
	}

	resp := chainResponse{Length: tail.NextSequence}
	if !tail.LastChecksum.IsEmpty() {
		resp.LastChecksum = tail.LastChecksum.String()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"}
	if appErr, ok := err.(*errors.AppError); ok {
		resp.Code = appErr.Code
		resp.Message = appErr.Message
		resp.Retryable = appErr.Retryable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errors.GetStatusCode(err))
	_ = json.NewEncoder(w).Encode(resp)
}
