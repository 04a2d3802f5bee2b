package services

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

type AssessmentEndpoints struct {
	assessments *AssessmentService
	chatLimiter func(http.Handler) http.Handler
}

// NewAssessmentEndpoints wires the handlers. chatPerMinute bounds how many
// chat turns one user may send per minute; zero disables the limit.
func NewAssessmentEndpoints(assessments *AssessmentService, chatPerMinute int) *AssessmentEndpoints {
	e := &AssessmentEndpoints{assessments: assessments}
	if chatPerMinute > 0 {
		e.chatLimiter = httprate.Limit(chatPerMinute, time.Minute,
			httprate.WithKeyFuncs(userRateKey),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusTooManyRequests, Envelope{Success: false, Message: "Too many messages, slow down"})
			}),
		)
	}
	return e
}

func (e *AssessmentEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/assessment", func(r chi.Router) {
		r.Get("/status", e.StatusHandler)
		r.Post("/start/{ref}", e.StartHandler)
		if e.chatLimiter != nil {
			r.With(e.chatLimiter).Post("/chat/{id}", e.ChatHandler)
		} else {
			r.Post("/chat/{id}", e.ChatHandler)
		}
		r.Post("/supplementary/{id}", e.SupplementaryHandler)
		r.Post("/finish/{id}", e.FinishHandler)
	})
}

func (e *AssessmentEndpoints) StartHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, r, newError(ErrUnauthorized, "Authentication required"))
		return
	}

	result, err := e.assessments.Start(r.Context(), user.ID, chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", result)
}

func (e *AssessmentEndpoints) ChatHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, r, newError(ErrUnauthorized, "Authentication required"))
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req ChatInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := e.assessments.Chat(r.Context(), user.ID, id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", result)
}

func (e *AssessmentEndpoints) SupplementaryHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, r, newError(ErrUnauthorized, "Authentication required"))
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	questions, err := e.assessments.SupplementaryQuestions(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", questions)
}

func (e *AssessmentEndpoints) FinishHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, r, newError(ErrUnauthorized, "Authentication required"))
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req FinishInput
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := e.assessments.Finish(r.Context(), user.ID, id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Assessment completed", result)
}

func (e *AssessmentEndpoints) StatusHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, r, newError(ErrUnauthorized, "Authentication required"))
		return
	}

	entries, err := e.assessments.Status(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", entries)
}

func pathID(r *http.Request, name string) (uint, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, newError(ErrInvalidInput, "Invalid id")
	}
	return uint(id), nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, dst interface{}) error {
	err := decodeJSON(r, dst)
	if err != nil && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// userRateKey limits per authenticated user, falling back to the client IP.
func userRateKey(r *http.Request) (string, error) {
	if user, ok := UserFromContext(r.Context()); ok {
		return "user:" + strconv.FormatUint(uint64(user.ID), 10), nil
	}
	return httprate.KeyByIP(r)
}
