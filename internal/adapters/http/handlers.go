package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dkeye/StreamRoom/internal/adapters/stream"
	"github.com/dkeye/StreamRoom/internal/app"
	"github.com/dkeye/StreamRoom/internal/config"
	"github.com/dkeye/StreamRoom/internal/core"
	"github.com/dkeye/StreamRoom/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

type handlers struct {
	ctx      context.Context
	cfg      *config.Config
	deps     Deps
	ctl      *stream.Controller
	upgrader websocket.Upgrader
}

// ErrorResponse is the body of every rejected request.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func abortWithError(c *gin.Context, err error) {
	r := domain.ReasonOf(err)
	c.AbortWithStatusJSON(r.Status, ErrorResponse{Code: r.Status, Reason: r.Code, Message: err.Error()})
}

func abortNotFound(c *gin.Context, reason, msg string) {
	c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Code: http.StatusNotFound, Reason: reason, Message: msg})
}

func bindAndValidate(c *gin.Context, out any) error {
	if err := c.ShouldBindJSON(out); err != nil {
		return err
	}
	return validate.Struct(out)
}

type createRoomRequest struct {
	Name             string `json:"name" validate:"required,max=64"`
	MaxParticipants  *int   `json:"max_participants" validate:"omitempty,min=1"`
	RecordingEnabled *bool  `json:"recording_enabled"`
}

func (h *handlers) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := bindAndValidate(c, &req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: http.StatusBadRequest, Reason: "invalid_request", Message: err.Error()})
		return
	}
	d := h.deps.Orch.Rooms.Defaults()
	d.Name = req.Name
	if req.MaxParticipants != nil {
		if *req.MaxParticipants > h.cfg.Limits.MaxRoomSize {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
				Code: http.StatusBadRequest, Reason: "invalid_request",
				Message: "max_participants exceeds limits.max_room_size",
			})
			return
		}
		d.MaxParticipants = *req.MaxParticipants
	}
	if req.RecordingEnabled != nil {
		d.RecordingEnabled = *req.RecordingEnabled
	}
	room := h.deps.Orch.Rooms.Create(c.Request.Context(), d)
	c.JSON(http.StatusCreated, room)
}

func (h *handlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.deps.Orch.Rooms.List()})
}

func (h *handlers) getRoom(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	room, err := h.deps.Orch.Rooms.Fetch(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	resp := gin.H{
		"room":      room,
		"recording": h.deps.Orch.Recorder.Status(id),
	}
	if h.deps.Orch.Sessions != nil {
		resp["participants"] = h.deps.Orch.Sessions.MembersOfRoom(id)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) listRecordings(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	if _, err := h.deps.Orch.Rooms.Get(id); err != nil {
		abortWithError(c, err)
		return
	}
	recs := h.deps.Orch.Recorder.History(id)
	if h.deps.Recordings != nil {
		stored, err := h.deps.Recordings.ListRecordings(c.Request.Context(), id)
		if err == nil {
			recs = mergeRecordings(stored, recs)
		} else {
			log.Warn().Str("module", "adapters.http").Str("room", string(id)).Err(err).Msg("recording repository unavailable, serving memory state")
		}
	}
	c.JSON(http.StatusOK, gin.H{"recordings": recs})
}

// getRecording serves one recording by id. The live copy wins over the
// stored one while the recording is still running.
func (h *handlers) getRecording(c *gin.Context) {
	rid := c.Param("rid")
	if h.deps.Recordings == nil {
		abortNotFound(c, "recording_not_found", "recording "+rid+" not found")
		return
	}
	rec, err := h.deps.Recordings.GetRecording(c.Request.Context(), rid)
	if errors.Is(err, core.ErrNotFound) {
		abortNotFound(c, "recording_not_found", "recording "+rid+" not found")
		return
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	if live, ok := h.deps.Orch.Recorder.Current(rec.RoomID); ok && live.ID == rec.ID {
		rec = live
	}
	c.JSON(http.StatusOK, rec)
}

// mergeRecordings prefers the in-memory copy, which is never older.
func mergeRecordings(stored, live []domain.Recording) []domain.Recording {
	idx := make(map[string]int, len(stored))
	out := make([]domain.Recording, 0, len(stored)+len(live))
	for _, r := range stored {
		idx[r.ID] = len(out)
		out = append(out, r)
	}
	for _, r := range live {
		if i, ok := idx[r.ID]; ok {
			out[i] = r
			continue
		}
		out = append(out, r)
	}
	return out
}

func (h *handlers) listFrames(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	if _, err := h.deps.Orch.Rooms.Get(id); err != nil {
		abortWithError(c, err)
		return
	}
	if h.deps.Orch.Frames == nil {
		c.JSON(http.StatusOK, gin.H{"frames": []string{}})
		return
	}
	tokens, err := h.deps.Orch.Frames.List(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if tokens == nil {
		tokens = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"frames": tokens})
}

// frameToken rebuilds the location token of /rooms/:id/frames/:day/:name.
func (h *handlers) frameToken(c *gin.Context) (string, bool) {
	id := domain.RoomID(c.Param("id"))
	if _, err := h.deps.Orch.Rooms.Fetch(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return "", false
	}
	day, name := c.Param("day"), c.Param("name")
	if strings.Contains(day, "..") || strings.Contains(name, "..") {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: http.StatusBadRequest, Reason: "invalid_request", Message: "invalid frame token"})
		return "", false
	}
	if h.deps.Orch.Frames == nil {
		abortNotFound(c, "frame_not_found", "frame storage is disabled")
		return "", false
	}
	return string(id) + "/" + day + "/" + name, true
}

func (h *handlers) getFrame(c *gin.Context) {
	token, ok := h.frameToken(c)
	if !ok {
		return
	}
	data, err := h.deps.Orch.Frames.Get(c.Request.Context(), token)
	if errors.Is(err, core.ErrNotFound) {
		abortNotFound(c, "frame_not_found", "frame "+token+" not found")
		return
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (h *handlers) deleteFrame(c *gin.Context) {
	token, ok := h.frameToken(c)
	if !ok {
		return
	}
	if err := h.deps.Orch.Frames.Delete(c.Request.Context(), token); err != nil {
		abortWithError(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("token", token).Msg("frame deleted")
	c.Status(http.StatusNoContent)
}

// kickSession ends a live session in the room. The stream closes on its own.
func (h *handlers) kickSession(c *gin.Context) {
	id, sid := domain.RoomID(c.Param("id")), app.SessionID(c.Param("sid"))
	if !h.deps.Orch.Kick(id, sid) {
		abortNotFound(c, "session_not_found", "no session "+string(sid)+" in room "+string(id))
		return
	}
	log.Info().Str("module", "adapters.http").Str("room", string(id)).Str("sid", string(sid)).Msg("session kicked")
	c.Status(http.StatusNoContent)
}

func (h *handlers) control(c *gin.Context) {
	action, ok := core.ParseControlAction(c.Param("action"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: http.StatusBadRequest, Reason: "invalid_request", Message: "unknown action " + c.Param("action")})
		return
	}
	rec, err := h.deps.Orch.Control(c.Request.Context(), domain.RoomID(c.Param("id")), action)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handlers) health(c *gin.Context) {
	resp := gin.H{
		"connections": h.deps.Orch.Rooms.Connections(),
		"rooms":       len(h.deps.Orch.Rooms.List()),
	}
	healthy := true
	if h.deps.Health != nil {
		for name, probe := range h.deps.Probes {
			h.deps.Health.Check(c.Request.Context(), name, probe)
		}
		ok, comps := h.deps.Health.Snapshot()
		healthy = ok
		resp["components"] = comps
	}
	if h.deps.Monitor != nil {
		s := h.deps.Monitor.Last()
		resp["resources"] = s
		healthy = healthy && !s.Critical
	}
	status := http.StatusOK
	resp["status"] = "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		resp["status"] = "degraded"
	}
	c.JSON(status, resp)
}

// participantID picks the caller's identity: an explicit ?id wins, then the
// one remembered in the cookie session, then the client token.
func participantID(c *gin.Context) domain.ParticipantID {
	if id := c.Query("id"); id != "" {
		return domain.ParticipantID(id)
	}
	if id, ok := sessions.Default(c).Get(participantKey).(string); ok && id != "" {
		return domain.ParticipantID(id)
	}
	return domain.ParticipantID(c.GetString("client_token"))
}

const participantKey = "participant_id"

// stream admits the caller before upgrading so rejections are plain HTTP
// errors with a reason code.
func (h *handlers) stream(c *gin.Context) {
	sid := c.GetString("client_token")
	name := c.DefaultQuery("name", "guest")
	p, err := domain.NewParticipant(participantID(c), name)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: http.StatusBadRequest, Reason: "invalid_request", Message: err.Error()})
		return
	}
	session := sessions.Default(c)
	session.Set(participantKey, string(p.ID))
	if err := session.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("could not save session")
	}

	sess, err := h.deps.Orch.Open(c.Request.Context(), domain.RoomID(c.Param("id")), *p)
	if err != nil {
		abortWithError(c, err)
		return
	}

	// The handshake response is written by the upgrader, so cookies set so
	// far have to be handed over explicitly.
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, http.Header{"Set-Cookie": c.Writer.Header().Values("Set-Cookie")})
	if err != nil {
		sess.Close()
		log.Error().Err(err).Str("module", "adapters.http").Str("sid", sid).Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "adapters.http").Str("room", c.Param("id")).Str("sid", string(sess.ID)).Msg("stream connected")

	if err := h.ctl.Serve(h.ctx, ws, sess); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("module", "adapters.http").Str("sid", string(sess.ID)).Msg("stream ended with error")
	}
}
