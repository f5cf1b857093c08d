package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/expense-agent/internal/matching"
	"github.com/zombor/expense-agent/internal/scanning"
)

const (
	// 50MB handles several high-resolution phone photos per upload
	maxFormSize = int64(50 << 20)
	maxJSONBody = int64(10 << 20)
)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes {"error": message} with CORS headers set
func writeError(w http.ResponseWriter, code int, message string) {
	setCORSHeaders(w)
	writeJSON(w, code, map[string]string{"error": message})
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidCandidate), errors.Is(err, ErrInvalidMatch):
		return http.StatusBadRequest
	case errors.Is(err, matching.ErrExcludedReceipt):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handleIndex serves a short page pointing at the API
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func (s *Server) handleEnvCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.diag.EnvCheck)
}

func providerParam(r *http.Request) (scanning.Backend, error) {
	return scanning.ParseBackend(r.URL.Query().Get("provider"))
}

// contentTypeOf trusts the part's header and falls back to the extension
func contentTypeOf(header *multipart.FileHeader) string {
	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return "application/octet-stream"
}

func readPart(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// handleUploadReceipts accepts one or more files under "file" or "files"
func (s *Server) handleUploadReceipts(w http.ResponseWriter, r *http.Request) {
	provider, err := providerParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		msg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "Upload is too large. Maximum size is 50MB."
		}
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	headers := append(append([]*multipart.FileHeader{}, r.MultipartForm.File["file"]...), r.MultipartForm.File["files"]...)
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "No file was selected. Please choose a file to upload.")
		return
	}

	files := make([]UploadFile, 0, len(headers))
	for _, header := range headers {
		data, err := readPart(header)
		if err != nil {
			slog.Error("Error reading file data", "error", err, "filename", header.Filename)
			writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
			return
		}
		files = append(files, UploadFile{Filename: header.Filename, ContentType: contentTypeOf(header), Data: data})
	}

	result, err := s.service.ProcessUploads(r.Context(), files, provider)
	if err != nil {
		slog.Error("Error processing receipts", "count", len(files), "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts()
	if err != nil {
		slog.Error("Error listing receipts", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.GetReceipt(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), "Receipt not found")
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetReceiptFile(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReceipt(r.PathValue("id")); err != nil {
		code := statusFor(err)
		msg := "Error deleting receipt"
		if code == http.StatusNotFound {
			msg = "Receipt not found"
		}
		writeError(w, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	provider, err := providerParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.service.Retry(r.Context(), r.PathValue("id"), provider)
	if err != nil {
		slog.Error("Error retrying receipt", "id", r.PathValue("id"), "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	ranking, err := s.service.Proposals(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ranking)
}

// handleItemize takes strategy=rebuild to recompute a stored breakdown
func (s *Server) handleItemize(w http.ResponseWriter, r *http.Request) {
	var rebuild bool
	switch strategy := r.URL.Query().Get("strategy"); strategy {
	case "", "reuse":
	case "rebuild":
		rebuild = true
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown strategy %q", strategy))
		return
	}

	it, err := s.service.Itemize(r.PathValue("id"), rebuild)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.service.ListCandidates()
	if err != nil {
		slog.Error("Error listing candidates", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

// handleAddCandidates takes a JSON array or, with Content-Type text/csv, a
// CSV export
func (s *Server) handleAddCandidates(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxJSONBody)

	var (
		saved []matching.ExpenseCandidate
		err   error
	)
	if strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "text/csv") {
		saved, err = s.service.ImportCandidatesCSV(body)
	} else {
		var candidates []matching.ExpenseCandidate
		if decodeErr := json.NewDecoder(body).Decode(&candidates); decodeErr != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		saved, err = s.service.AddCandidates(candidates)
	}
	if err != nil {
		slog.Error("Error adding candidates", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"candidates": saved})
}

func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := s.service.ListMatches()
	if err != nil {
		slog.Error("Error listing matches", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleConfirmMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReceiptID   string  `json:"receipt_id"`
		CandidateID string  `json:"candidate_id"`
		Score       float64 `json:"score"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	match, err := s.service.ConfirmMatch(req.ReceiptID, req.CandidateID, req.Score)
	if err != nil {
		slog.Error("Error confirming match", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, match)
}
