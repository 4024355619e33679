package game

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/eraoriginal/lol-missions-sub000/domain"
)

const roomTokenHeader = "X-Room-Token"

type GameHandler struct {
	phases     *PhaseCoordinator
	validation *ValidationCoordinator
	rooms      RoomGetter
	logger     zerolog.Logger
}

func NewGameHandler(phases *PhaseCoordinator, validation *ValidationCoordinator, rooms RoomGetter, logger zerolog.Logger) *GameHandler {
	return &GameHandler{
		phases:     phases,
		validation: validation,
		rooms:      rooms,
		logger:     logger,
	}
}

func (h *GameHandler) RegisterRoutes(r gin.IRouter) {
	rooms := r.Group("/rooms/:code")
	rooms.GET("", h.GetRoomHandler)
	rooms.POST("/phases/:phase", h.AttemptPhaseHandler)
	rooms.POST("/validation/advance", h.AdvanceValidationHandler)
	rooms.POST("/validation/decisions", h.RecordDecisionHandler)
	rooms.POST("/validation/winner", h.SelectBonusWinnerHandler)
	rooms.POST("/validation/finalize", h.FinalizeHandler)
	rooms.POST("/events/:eventId/decision", h.DecideEventHandler)
}

// GetRoomHandler serves the authoritative read model clients refetch after
// every hub notification.
func (h *GameHandler) GetRoomHandler(ctx *gin.Context) {
	room, err := h.rooms.GetRoomWithAssignments(ctx.Request.Context(), ctx.Param("code"))
	if err != nil {
		h.abortWithDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, room)
}

// AttemptPhaseHandler is the endpoint every connected client's local timer
// calls. not_yet and already_done share the success response shape.
func (h *GameHandler) AttemptPhaseHandler(ctx *gin.Context) {
	phase, ok := parsePhase(ctx.Param("phase"))
	if !ok {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown-phase"})
		return
	}

	result, err := h.phases.AttemptPhase(ctx.Request.Context(), ctx.Param("code"), phase)
	if err != nil {
		h.abortWithDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

type advanceRequest struct {
	Target string `json:"target" binding:"required"`
}

func (h *GameHandler) AdvanceValidationHandler(ctx *gin.Context) {
	var req advanceRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid-request-format"})
		return
	}
	target, err := domain.ParseValidationState(req.Target)
	if err != nil || target.IsIdle() {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid-target-state"})
		return
	}

	err = h.validation.Advance(ctx.Request.Context(), ctx.GetHeader(roomTokenHeader), ctx.Param("code"), target)
	if err != nil {
		h.abortWithDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": target.String()})
}

type decisionRequest struct {
	PlayerId  string `json:"playerId" binding:"required"`
	Type      string `json:"type" binding:"required"`
	Validated *bool  `json:"validated" binding:"required"`
}

func (h *GameHandler) RecordDecisionHandler(ctx *gin.Context) {
	var req decisionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid-request-format"})
		return
	}
	t, ok := parseMissionType(req.Type)
	if !ok {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown-mission-type"})
		return
	}

	err := h.validation.RecordDecision(ctx.Request.Context(), ctx.GetHeader(roomTokenHeader),
		ctx.Param("code"), req.PlayerId, t, *req.Validated)
	if err != nil {
		h.abortWithDomainError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

type decideEventRequest struct {
	Winner string `json:"winner" binding:"required"`
}

func (h *GameHandler) DecideEventHandler(ctx *gin.Context) {
	var req decideEventRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid-request-format"})
		return
	}

	err := h.validation.DecideEvent(ctx.Request.Context(), ctx.GetHeader(roomTokenHeader),
		ctx.Param("code"), ctx.Param("eventId"), domain.Team(req.Winner))
	if err != nil {
		h.abortWithDomainError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

type winnerRequest struct {
	Team string `json:"team" binding:"required"`
}

func (h *GameHandler) SelectBonusWinnerHandler(ctx *gin.Context) {
	var req winnerRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid-request-format"})
		return
	}

	err := h.validation.SelectBonusWinner(ctx.Request.Context(), ctx.GetHeader(roomTokenHeader),
		ctx.Param("code"), domain.Team(req.Team))
	if err != nil {
		h.abortWithDomainError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (h *GameHandler) FinalizeHandler(ctx *gin.Context) {
	err := h.validation.Finalize(ctx.Request.Context(), ctx.GetHeader(roomTokenHeader), ctx.Param("code"))
	if err != nil {
		h.abortWithDomainError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (h *GameHandler) abortWithDomainError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound),
		errors.Is(err, domain.ErrPlayerNotFound),
		errors.Is(err, domain.ErrMissionNotFound),
		errors.Is(err, domain.ErrEventNotFound):
		ctx.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": firstLine(err)})

	case errors.Is(err, domain.ErrNotCreator):
		ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": domain.ErrNotCreator.Error()})

	case errors.Is(err, domain.ErrGameNotStarted),
		errors.Is(err, domain.ErrGameStopped),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrEventNotAppeared),
		errors.Is(err, domain.ErrEventAlreadyDecided):
		ctx.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": firstLine(err)})

	case errors.Is(err, domain.ErrInsufficientPool):
		ctx.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": firstLine(err)})

	case errors.Is(err, domain.ErrIncompleteAssignment):
		h.logger.Error().Err(err).Str("path", ctx.FullPath()).Msg("incomplete assignment")
		ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": domain.ErrIncompleteAssignment.Error()})

	default:
		h.logger.Error().Err(err).Str("path", ctx.FullPath()).Msg("unhandled error")
		ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "unknown-error"})
	}
}

func firstLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}

func parsePhase(s string) (domain.Phase, bool) {
	switch strings.ToUpper(s) {
	case string(domain.PhaseMid):
		return domain.PhaseMid, true
	case string(domain.PhaseLate):
		return domain.PhaseLate, true
	case string(domain.PhaseEvent):
		return domain.PhaseEvent, true
	default:
		return "", false
	}
}

func parseMissionType(s string) (domain.MissionType, bool) {
	switch strings.ToUpper(s) {
	case string(domain.MissionStart):
		return domain.MissionStart, true
	case string(domain.MissionMid):
		return domain.MissionMid, true
	case string(domain.MissionLate):
		return domain.MissionLate, true
	default:
		return "", false
	}
}
