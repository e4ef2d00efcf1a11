package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"brandlift/api/internal/auth"
	"brandlift/api/internal/media"
	"brandlift/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger.Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", KindNotFound, "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", KindBadMethod, "Method not allowed", nil)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Head("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Head("/ready", s.handleReady)

		r.Group(func(pr chi.Router) {
			pr.Use(s.requireSession)

			pr.Post("/campaigns", s.handleCreateCampaign)
			pr.Post("/campaigns/{campaignId}/studies", s.handleCreateStudy)

			pr.Get("/studies/{studyId}", s.handleGetStudy)
			pr.Post("/studies/{studyId}/request-review", s.handleRequestReview)
			pr.Post("/studies/{studyId}/sign-off", s.handleSignOff)
			pr.Post("/studies/{studyId}/request-changes", s.handleRequestChanges)
			pr.Get("/studies/{studyId}/approval", s.handleGetApproval)
			pr.Post("/studies/{studyId}/questions", s.handleCreateQuestion)
			pr.Post("/studies/{studyId}/suggest-questions", s.handleSuggestQuestions)

			pr.Put("/questions/{questionId}", s.handleUpdateQuestion)
			pr.Delete("/questions/{questionId}", s.handleDeleteQuestion)
			pr.Post("/questions/{questionId}/options", s.handleCreateOption)

			pr.Put("/options/{optionId}", s.handleUpdateOption)
			pr.Delete("/options/{optionId}", s.handleDeleteOption)
			pr.Post("/options/{optionId}/image", s.handleUploadOptionImage)
		})
	})

	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	campaign, err := s.service.CreateCampaign(r.Context(), body.Name, sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign": campaign})
}

func (s *HTTPServer) handleCreateStudy(w http.ResponseWriter, r *http.Request) {
	var body StudyInput
	if !s.decode(w, r, &body) {
		return
	}
	study, err := s.service.CreateStudy(r.Context(), chi.URLParam(r, "campaignId"), body, sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"study": study})
}

func (s *HTTPServer) handleGetStudy(w http.ResponseWriter, r *http.Request) {
	detail, err := s.service.GetStudy(r.Context(), chi.URLParam(r, "studyId"), sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *HTTPServer) handleRequestReview(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.RequestReview(r.Context(), chi.URLParam(r, "studyId"), sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleSignOff(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.SignOff(r.Context(), chi.URLParam(r, "studyId"), sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleRequestChanges(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Comment string `json:"comment"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	state, err := s.service.RequestChanges(r.Context(), chi.URLParam(r, "studyId"), body.Comment, sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.GetApproval(r.Context(), chi.URLParam(r, "studyId"), sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleCreateQuestion(w http.ResponseWriter, r *http.Request) {
	var body QuestionInput
	if !s.decode(w, r, &body) {
		return
	}
	question, err := s.service.CreateQuestion(r.Context(), chi.URLParam(r, "studyId"), body, sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"question": question})
}

func (s *HTTPServer) handleSuggestQuestions(w http.ResponseWriter, r *http.Request) {
	var body SuggestOverrides
	if !s.decode(w, r, &body) {
		return
	}
	questions, err := s.service.SuggestQuestions(r.Context(), chi.URLParam(r, "studyId"), body, sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, questions)
}

func (s *HTTPServer) handleUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	var body QuestionPatchInput
	if !s.decode(w, r, &body) {
		return
	}
	question, err := s.service.UpdateQuestion(r.Context(), chi.URLParam(r, "questionId"), body, sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"question": question})
}

func (s *HTTPServer) handleDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteQuestion(r.Context(), chi.URLParam(r, "questionId"), sessionFrom(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Question deleted"})
}

func (s *HTTPServer) handleCreateOption(w http.ResponseWriter, r *http.Request) {
	var body OptionInput
	if !s.decode(w, r, &body) {
		return
	}
	option, err := s.service.CreateOption(r.Context(), chi.URLParam(r, "questionId"), body, sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"option": option})
}

func (s *HTTPServer) handleUpdateOption(w http.ResponseWriter, r *http.Request) {
	var body OptionPatchInput
	if !s.decode(w, r, &body) {
		return
	}
	option, err := s.service.UpdateOption(r.Context(), chi.URLParam(r, "optionId"), body, sessionFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"option": option})
}

func (s *HTTPServer) handleDeleteOption(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteOption(r.Context(), chi.URLParam(r, "optionId"), sessionFrom(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Option deleted"})
}

func (s *HTTPServer) handleUploadOptionImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, media.MaxImageBytes+1<<20)
	if err := r.ParseMultipartForm(media.MaxImageBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", KindValidation, "expected a multipart form with an image field", nil)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", KindValidation, "image field is required", nil)
		return
	}
	defer file.Close()

	option, err := s.service.UploadOptionImage(
		r.Context(),
		chi.URLParam(r, "optionId"),
		header.Header.Get("Content-Type"),
		file,
		header.Size,
		sessionFrom(r.Context()),
	)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"option": option})
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", KindValidation, err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, kind, message, details := mapError(err)
	if status >= http.StatusInternalServerError && kind != KindUnavailable {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, kind, message, details)
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", KindUnauthenticated, "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", KindUnauthenticated, "Unauthorized", nil)
				return
			}
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", reqID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info("request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type sessionKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func sessionFrom(ctx context.Context) Session {
	session, _ := ctx.Value(sessionKey{}).(Session)
	return session
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, kind Kind, message string, details any) {
	response := map[string]any{
		"code":  code,
		"kind":  kind,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// decodeBody treats an empty body as an empty object so optional-body
// endpoints accept a bare POST.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code string, kind Kind, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Kind.Status(), domainErr.Code, domainErr.Kind, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", KindNotFound, "Not found", nil
	}
	if errors.Is(err, store.ErrUniqueViolation) {
		return http.StatusConflict, "CONFLICT", KindConflict, "Conflicts with existing data", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", KindUnauthenticated, "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", KindInternal, "Server error", nil
}
