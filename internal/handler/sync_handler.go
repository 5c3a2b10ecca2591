package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldsync-server/internal/domain"
	"fieldsync-server/internal/logger"
	"fieldsync-server/internal/middleware"
	"fieldsync-server/internal/service"
	"fieldsync-server/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Push bodies carry signature and photo data, hence the generous cap.
const maxBodyBytes = 16 << 20

type SyncEngine interface {
	Push(ctx context.Context, id domain.Identity, req *domain.PushRequest) (*domain.PushResponse, error)
	Pull(ctx context.Context, id domain.Identity, req *domain.PullRequest) (*domain.PullResponse, error)
	Acknowledge(ctx context.Context, id domain.Identity, req *domain.AckRequest) (*domain.AckResponse, error)
	Status(ctx context.Context, id domain.Identity) (*domain.StatusResponse, error)
	Bootstrap(ctx context.Context, id domain.Identity, req *domain.BootstrapRequest) (*domain.BootstrapResponse, error)
	Unacknowledged(ctx context.Context, id domain.Identity, since time.Time) ([]domain.UnackedOutcome, error)
}

type SyncHandler struct {
	engine   SyncEngine
	validate *validator.Validate
	log      logrus.FieldLogger
}

func NewSyncHandler(engine SyncEngine, log logrus.FieldLogger) *SyncHandler {
	return &SyncHandler{
		engine:   engine,
		validate: validator.New(),
		log:      log,
	}
}

func (h *SyncHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		response.BadRequest(w, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Namespace()+" failed on "+fe.Tag())
	}
	return strings.Join(msgs, "; ")
}

func (h *SyncHandler) identity(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	id, ok := middleware.GetIdentity(r)
	if !ok {
		response.Unauthorized(w, "Unauthorized")
	}
	return id, ok
}

func (h *SyncHandler) fail(w http.ResponseWriter, op string, id domain.Identity, err error) {
	switch {
	case errors.Is(err, service.ErrBatchOwnership):
		response.Conflict(w, err.Error())
	case errors.Is(err, service.ErrInvalidPullCursor):
		response.BadRequest(w, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		response.Error(w, http.StatusServiceUnavailable, "Sync timed out, retry later")
	default:
		logger.LogError(h.log, "SyncHandler", op, "sync request failed",
			logrus.Fields{"user_id": id.UserID, "device_id": id.DeviceID}, err)
		response.InternalError(w, "Sync failed, retry later")
	}
}

func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req domain.PushRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.engine.Push(r.Context(), id, &req)
	if err != nil {
		h.fail(w, "Push", id, err)
		return
	}

	response.Success(w, resp)
}

func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	req, err := parsePullQuery(r)
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, validationMessage(err))
		return
	}

	resp, err := h.engine.Pull(r.Context(), id, req)
	if err != nil {
		h.fail(w, "Pull", id, err)
		return
	}

	response.Success(w, resp)
}

func parsePullQuery(r *http.Request) (*domain.PullRequest, error) {
	q := r.URL.Query()
	req := &domain.PullRequest{Cursor: q.Get("cursor")}

	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, errors.New("invalid since parameter")
		}
		req.Since = since
	}

	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			return nil, errors.New("invalid limit parameter")
		}
		req.Limit = limit
	}

	for _, raw := range q["entity_types"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				req.EntityTypes = append(req.EntityTypes, domain.EntityType(strings.ToUpper(t)))
			}
		}
	}

	return req, nil
}

func (h *SyncHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req domain.AckRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.engine.Acknowledge(r.Context(), id, &req)
	if err != nil {
		h.fail(w, "Acknowledge", id, err)
		return
	}

	response.Success(w, resp)
}

func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	resp, err := h.engine.Status(r.Context(), id)
	if err != nil {
		h.fail(w, "Status", id, err)
		return
	}

	response.Success(w, resp)
}

func (h *SyncHandler) Bootstrap(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req domain.BootstrapRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.engine.Bootstrap(r.Context(), id, &req)
	if err != nil {
		h.fail(w, "Bootstrap", id, err)
		return
	}

	response.Success(w, resp)
}

func (h *SyncHandler) Unacknowledged(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		var err error
		since, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			response.BadRequest(w, "invalid since parameter")
			return
		}
	}

	outcomes, err := h.engine.Unacknowledged(r.Context(), id, since)
	if err != nil {
		h.fail(w, "Unacknowledged", id, err)
		return
	}

	response.Success(w, map[string]interface{}{
		"outcomes": outcomes,
		"count":    len(outcomes),
	})
}
