package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"grimoire/internal/app"
	"grimoire/internal/identity"
	"grimoire/internal/ratelimit"
	"grimoire/internal/util"
)

const (
	defaultMaxUploadBytes = 10 * 1024 * 1024
	imageFormField        = "image"
	metadataFormField     = "book"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Verifier       *identity.Verifier
	Limiter        *ratelimit.FixedWindowLimiter
	UploadDir      string
	MaxUploadBytes int64
}

// Server exposes the book catalog over HTTP.
type Server struct {
	app            *app.App
	verifier       *identity.Verifier
	limiter        *ratelimit.FixedWindowLimiter
	uploadDir      string
	maxUploadBytes int64
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	if strings.TrimSpace(cfg.UploadDir) == "" {
		return nil, errors.New("upload dir is required")
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		app:            cfg.App,
		verifier:       cfg.Verifier,
		limiter:        cfg.Limiter,
		uploadDir:      cfg.UploadDir,
		maxUploadBytes: maxUploadBytes,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/books", s.handleBooks)
	s.mux.HandleFunc("/books/", s.handleBookSubtree)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListBooks(w, r)
	case http.MethodPost:
		s.withCaller(w, r, s.handleCreateBook)
	default:
		methodNotAllowed(w)
	}
}

// /books/bestrating, /books/{id}, /books/{id}/rating
func (s *Server) handleBookSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/books/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w)
		return
	}

	// bestrating is a fixed segment and must win over id lookups.
	if id == "bestrating" && len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleTopRated(w, r)
		return
	}

	if len(parts) == 2 {
		if parts[1] == "rating" && r.Method == http.MethodPost {
			s.withCaller(w, r, func(w http.ResponseWriter, r *http.Request, callerID string) {
				s.handleRateBook(w, r, callerID, id)
			})
			return
		}
		notFound(w)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetBook(w, r, id)
	case http.MethodPut:
		s.withCaller(w, r, func(w http.ResponseWriter, r *http.Request, callerID string) {
			s.handleModifyBook(w, r, callerID, id)
		})
	case http.MethodDelete:
		s.withCaller(w, r, func(w http.ResponseWriter, r *http.Request, callerID string) {
			s.handleDeleteBook(w, r, callerID, id)
		})
	default:
		methodNotAllowed(w)
	}
}

type callerHandler func(http.ResponseWriter, *http.Request, string)

// withCaller verifies the bearer token and applies the mutation rate
// limit before invoking next with the caller's user id.
func (s *Server) withCaller(w http.ResponseWriter, r *http.Request, next callerHandler) {
	token, ok := identity.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	callerID, err := s.verifier.VerifySubject(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !s.limiter.Allow(callerID) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	next(w, r, callerID)
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.app.List(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleTopRated(w http.ResponseWriter, r *http.Request) {
	books, err := s.app.TopRated(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request, id string) {
	book, err := s.app.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request, callerID string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}

	var payload app.CreatePayload
	if raw := r.FormValue(metadataFormField); raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid book metadata")
			return
		}
	}

	file, header, err := r.FormFile(imageFormField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cover image is required (field: image)")
		return
	}
	defer file.Close()

	rawPath, err := s.saveUpload(header.Filename, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	book, err := s.app.Create(r.Context(), callerID, payload, rawPath)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (s *Server) handleModifyBook(w http.ResponseWriter, r *http.Request, callerID, id string) {
	var payload app.UpdatePayload
	rawPath := ""

	if isMultipart(r) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form data")
			return
		}
		if raw := r.FormValue(metadataFormField); raw != "" {
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				writeError(w, http.StatusBadRequest, "invalid book metadata")
				return
			}
		}
		file, header, err := r.FormFile(imageFormField)
		if err == nil {
			defer file.Close()
			rawPath, err = s.saveUpload(header.Filename, file)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to store upload")
				return
			}
		} else if err != http.ErrMissingFile {
			writeError(w, http.StatusBadRequest, "invalid cover upload")
			return
		}
	} else {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if err := s.app.Modify(r.Context(), callerID, id, payload, rawPath); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "book updated"})
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request, callerID, id string) {
	if err := s.app.Delete(r.Context(), callerID, id); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "book deleted"})
}

type rateRequest struct {
	UserID string `json:"userId"`
	Rating *int   `json:"rating"`
}

func (s *Server) handleRateBook(w http.ResponseWriter, r *http.Request, callerID, id string) {
	var req rateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Rating == nil {
		writeError(w, http.StatusBadRequest, "rating is required")
		return
	}
	// The body may repeat the caller id but cannot speak for anyone else.
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = callerID
	} else if userID != callerID {
		writeError(w, http.StatusBadRequest, "userId does not match caller")
		return
	}

	book, err := s.app.Rate(r.Context(), id, userID, *req.Rating)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// saveUpload copies the multipart file into the upload directory under
// a unique name; the path feeds the cover deriver.
func (s *Server) saveUpload(filename string, src multipart.File) (string, error) {
	target := filepath.Join(s.uploadDir, util.NewID()+"-"+safeFilename(filename))
	out, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		_ = os.Remove(target)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("close upload file: %w", err)
	}
	return target, nil
}

func isMultipart(r *http.Request) bool {
	contentType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(contentType, "multipart/")
}

func safeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	name = strings.TrimSpace(name)
	if name == "" {
		return "cover"
	}
	return name
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      codeForStatus(status),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps service errors onto statuses without leaking
// storage internals to clients.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "not authorized")
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "book not found")
	case errors.Is(err, app.ErrConflict):
		writeError(w, http.StatusBadRequest, "book already rated by user")
	case errors.Is(err, app.ErrProcessing):
		writeError(w, http.StatusInternalServerError, "cover processing failed")
	default:
		util.LoggerFromContext(r.Context()).Error("internal error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BOOK_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusNotFound:
		return "BOOK_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
