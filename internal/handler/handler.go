package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examlink/internal/grading"
	appI18n "github.com/pavelanni/examlink/internal/i18n"
	"github.com/pavelanni/examlink/internal/metrics"
	"github.com/pavelanni/examlink/internal/model"
	"github.com/pavelanni/examlink/internal/pack"
	"github.com/pavelanni/examlink/internal/store"
)

// maxBodyBytes bounds request bodies; clipboard codes with images are large.
const maxBodyBytes = 8 << 20

// Config holds the public URLs the service hands out.
type Config struct {
	OpenURL   string        // links to a stashed clipboard code point here
	SubmitURL string        // submission links point here
	StashTTL  time.Duration // 0 keeps stashed codes until taken
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	enc    *pack.Encoder
	dec    *pack.Decoder
	config Config
}

// New creates a new Handler.
func New(s *store.Store, enc *pack.Encoder, dec *pack.Decoder, cfg Config) (*Handler, error) {
	if s == nil || enc == nil || dec == nil {
		return nil, errors.New("handler: store, encoder and decoder are required")
	}
	return &Handler{store: s, enc: enc, dec: dec, config: cfg}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/open", h.handleOpen)
	r.Get("/submit", h.handleSubmit)
	r.Route("/api", func(r chi.Router) {
		r.Post("/share", h.handleShare)
		r.Post("/decode", h.handleDecode)
		r.Post("/practice/score", h.handleScore)
		r.Group(func(r chi.Router) {
			r.Use(h.requireTeacher)
			r.Post("/results/harvest", h.handleHarvest)
			r.Get("/results", h.handleResults)
			r.Get("/stash/{key}", h.handlePeekStash)
			r.Delete("/stash/{key}", h.handleRevokeStash)
		})
	})
}

type shareRequest struct {
	Exam           model.Exam    `json:"exam"`
	Channel        model.Channel `json:"channel"`
	AllowImageLoss bool          `json:"allowImageLoss"`
}

type shareResponse struct {
	pack.Result
	ShortURL string `json:"shortUrl,omitempty"`
	Warning  string `json:"warning,omitempty"`
}

func (h *Handler) handleShare(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Channel == "" {
		req.Channel = model.ChannelURL
	}
	if req.Channel != model.ChannelURL && req.Channel != model.ChannelClipboard {
		h.writeError(w, r, http.StatusBadRequest, "ErrBadRequest", nil)
		return
	}

	res, err := h.enc.Encode(req.Exam, pack.EncodeOptions{Channel: req.Channel, AllowImageLoss: req.AllowImageLoss})
	if err != nil {
		h.writePackError(w, r, "encode", err)
		return
	}
	metrics.Shares.WithLabelValues(string(req.Channel), strconv.Itoa(res.Level)).Inc()
	metrics.CodeLength.WithLabelValues(string(req.Channel)).Observe(float64(len(res.Code)))

	resp := shareResponse{Result: res}
	if res.ImagesDropped {
		resp.Warning = appI18n.T(r.Context(), "ImagesDropped")
	}
	if req.Channel == model.ChannelClipboard {
		key, err := h.store.Stash(res.Code, h.config.StashTTL)
		if err != nil {
			slog.Error("failed to stash code", "error", err)
			h.writeError(w, r, http.StatusInternalServerError, "ErrInternal", nil)
			return
		}
		resp.ShortURL = h.link("k", key)
	}
	slog.Info("shared exam",
		"channel", req.Channel,
		"questions", len(req.Exam.Questions),
		"level", res.Level,
		"compressed", res.Compressed,
		"code_len", len(res.Code),
	)
	writeJSON(w, http.StatusOK, resp)
}

// handleOpen decodes ?exam=<code>, or takes a one-shot stashed code from ?k=<key>.
func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get(pack.ExamParam)
	if key := q.Get("k"); code == "" && key != "" {
		v, ok, err := h.store.Take(key)
		if err != nil {
			slog.Error("failed to read stash", "error", err)
			h.writeError(w, r, http.StatusInternalServerError, "ErrInternal", nil)
			return
		}
		if !ok {
			h.writeError(w, r, http.StatusNotFound, "ErrNotFound", nil)
			return
		}
		code = v
	}
	h.decodeAndWrite(w, r, code)
}

// handlePeekStash decodes a stashed code without consuming it, so the
// teacher can check a short link before handing it out.
func (h *Handler) handlePeekStash(w http.ResponseWriter, r *http.Request) {
	v, ok, err := h.store.Get(chi.URLParam(r, "key"))
	if err != nil {
		slog.Error("failed to read stash", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "ErrInternal", nil)
		return
	}
	if !ok {
		h.writeError(w, r, http.StatusNotFound, "ErrNotFound", nil)
		return
	}
	h.decodeAndWrite(w, r, v)
}

// handleRevokeStash deletes a stashed code so its short link stops working.
func (h *Handler) handleRevokeStash(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.store.Remove(key); err != nil {
		slog.Error("failed to remove stash entry", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "ErrInternal", nil)
		return
	}
	slog.Info("revoked stashed code", "key", key)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}
	h.decodeAndWrite(w, r, req.Code)
}

func (h *Handler) decodeAndWrite(w http.ResponseWriter, r *http.Request, code string) {
	exam, err := h.dec.DecodeLink(code)
	if err != nil {
		slog.Warn("failed to decode exam", "error", err, "len", len(code))
		h.writePackError(w, r, "decode", err)
		return
	}
	writeJSON(w, http.StatusOK, exam)
}

type scoreRequest struct {
	Questions    []model.ExamQuestion `json:"questions"`
	Responses    map[string]string    `json:"responses"`
	StudentName  string               `json:"studentName"`
	AssignmentID string               `json:"assignmentId,omitempty"`
}

type scoreResponse struct {
	grading.Result
	SubmissionURL string `json:"submissionUrl,omitempty"`
	Tag           string `json:"tag,omitempty"`
}

func (h *Handler) handleScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	res := grading.ScorePractice(req.Questions, req.Responses)
	out, err := pack.EncodeSubmission(res.Submission(req.StudentName, req.AssignmentID))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "ErrBadRequest", nil)
		return
	}

	resp := scoreResponse{Result: res}
	if req.AssignmentID != "" {
		resp.SubmissionURL = pack.SubmissionURL(h.config.SubmitURL, out)
	} else {
		resp.Tag = out
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sub, err := pack.DecodeSubmission(r.URL.String())
	if err != nil {
		slog.Warn("invalid submission", "error", err)
		h.writePackError(w, r, "submit", err)
		return
	}

	_, err = h.store.RecordResult(model.GradebookEntry{
		AssignmentID: sub.AssignmentID,
		StudentName:  sub.StudentIdentifier,
		Score:        strconv.FormatFloat(sub.Score, 'f', -1, 64),
		Source:       model.SourceLink,
	})
	if err != nil {
		slog.Error("failed to record result", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "ErrInternal", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":  sub,
		"message": appI18n.Td(r.Context(), "ResultRecorded", map[string]any{"Name": sub.StudentIdentifier}),
	})
}

func (h *Handler) handleHarvest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text         string `json:"text"`
		AssignmentID string `json:"assignmentId"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	found := pack.ExtractResults(req.Text)
	added := 0
	for _, tr := range found {
		ok, err := h.store.RecordResult(model.GradebookEntry{
			AssignmentID: req.AssignmentID,
			StudentName:  tr.Name,
			Score:        tr.Score,
			Detail:       tr.Detail,
			Source:       model.SourceHarvest,
		})
		if err != nil {
			slog.Error("failed to record result", "error", err)
			h.writeError(w, r, http.StatusInternalServerError, "ErrInternal", nil)
			return
		}
		if ok {
			added++
		}
	}
	slog.Info("harvested results", "found", len(found), "added", added)
	writeJSON(w, http.StatusOK, map[string]any{
		"found":   found,
		"added":   added,
		"message": appI18n.Tp(r.Context(), "ResultsHarvested", added),
	})
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	exp, err := h.store.ExportResults(r.URL.Query().Get("assignment"))
	if err != nil {
		slog.Error("failed to export results", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "ErrInternal", nil)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// link builds a URL under the open URL with a single query parameter.
func (h *Handler) link(param, value string) string {
	sep := "?"
	if strings.Contains(h.config.OpenURL, "?") {
		sep = "&"
	}
	return h.config.OpenURL + sep + param + "=" + url.QueryEscape(value)
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Debug("bad request body", "error", err)
		h.writeError(w, r, http.StatusBadRequest, "ErrBadRequest", nil)
		return false
	}
	return true
}

// writePackError maps packaging error kinds to status codes and messages.
func (h *Handler) writePackError(w http.ResponseWriter, r *http.Request, op string, err error) {
	metrics.Failures.WithLabelValues(op, pack.KindOf(err).String()).Inc()
	var pe *pack.Error
	if !errors.As(err, &pe) {
		slog.Error("unexpected error", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "ErrInternal", nil)
		return
	}
	switch pe.Kind {
	case pack.KindPayloadTooLarge:
		msgID := "ErrPayloadTooLarge"
		if pe.ImagesDropped {
			msgID = "ErrPayloadTooLargeImages"
		}
		h.writeError(w, r, http.StatusRequestEntityTooLarge, msgID, nil)
	case pack.KindMalformedPayload:
		if pe.LikelyTruncated {
			h.writeError(w, r, http.StatusBadRequest, "ErrMalformedTruncated", map[string]any{"Length": pe.Len})
			return
		}
		h.writeError(w, r, http.StatusBadRequest, "ErrMalformedPayload", nil)
	case pack.KindEmptyPayload:
		h.writeError(w, r, http.StatusUnprocessableEntity, "ErrEmptyPayload", nil)
	case pack.KindInvalidSubmission:
		h.writeError(w, r, http.StatusBadRequest, "ErrInvalidSubmission", nil)
	default:
		h.writeError(w, r, http.StatusInternalServerError, "ErrInternal", nil)
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, msgID string, data map[string]any) {
	msg := appI18n.T(r.Context(), msgID)
	if data != nil {
		msg = appI18n.Td(r.Context(), msgID, data)
	}
	writeJSON(w, status, errorResponse{Error: msgID, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}
