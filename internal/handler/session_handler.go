package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"vehicle-counter-go/internal/metrics"
	"vehicle-counter-go/internal/pipeline"
	"vehicle-counter-go/internal/service"
)

// SessionHandler обрабатывает HTTP запросы сессий подсчета
type SessionHandler struct {
	sessionService *service.SessionService
	metrics        *metrics.Metrics
	logger         *logrus.Logger
}

// NewSessionHandler создает новый экземпляр SessionHandler
func NewSessionHandler(sessionService *service.SessionService, m *metrics.Metrics, logger *logrus.Logger) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		metrics:        m,
		logger:         logger,
	}
}

// RegisterRoutes регистрирует маршруты API
func (h *SessionHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/sessions", h.CreateSession)
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.POST("/sessions/:id/frames", h.ProcessFrame)
		api.DELETE("/sessions/:id", h.CloseSession)
		api.GET("/history", h.ListHistory)
		api.GET("/history/:id", h.GetHistory)
		api.DELETE("/history/:id", h.DeleteHistory)
		api.GET("/health", h.CheckHealth)
	}

	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
}

// CreateSession создает сессию подсчета
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req service.CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.logger.Errorf("Ошибка парсинга запроса: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	session, err := h.sessionService.CreateSession(req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, session)
}

// ListSessions возвращает активные сессии
func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions := h.sessionService.ListActive()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// GetSession возвращает счетчики и список автомобилей сессии
func (h *SessionHandler) GetSession(c *gin.Context) {
	session, err := h.sessionService.GetSession(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// ProcessFrame принимает кадр с детекциями
func (h *SessionHandler) ProcessFrame(c *gin.Context) {
	var req service.FrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debugf("Ошибка парсинга кадра: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid frame body"})
		return
	}

	result, err := h.sessionService.ProcessFrame(c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CloseSession завершает сессию и возвращает итоги
func (h *SessionHandler) CloseSession(c *gin.Context) {
	sessionID := c.Param("id")
	h.logger.Infof("Получен запрос на завершение сессии %s", sessionID)

	result, err := h.sessionService.CloseSession(sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListHistory возвращает завершенные сессии с пагинацией
func (h *SessionHandler) ListHistory(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}

	size, err := strconv.Atoi(c.DefaultQuery("size", "10"))
	if err != nil || size < 1 || size > 100 {
		size = 10
	}

	sessions, total, err := h.sessionService.ListHistory(page, size)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, service.ListSessionsResponse{
		Sessions: sessions,
		Total:    total,
		Page:     page,
		Size:     size,
	})
}

// GetHistory возвращает завершенную сессию
func (h *SessionHandler) GetHistory(c *gin.Context) {
	session, err := h.sessionService.GetHistory(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// DeleteHistory удаляет завершенную сессию
func (h *SessionHandler) DeleteHistory(c *gin.Context) {
	if err := h.sessionService.DeleteHistory(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session deleted"})
}

// CheckHealth проверяет состояние сервиса
func (h *SessionHandler) CheckHealth(c *gin.Context) {
	// degraded тоже 200: подсчет работает без базы
	c.JSON(http.StatusOK, h.sessionService.CheckHealth(c.Request.Context()))
}

// respondError переводит ошибку сервиса в HTTP статус
func (h *SessionHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrInvalidConfiguration), errors.Is(err, service.ErrInvalidFrame):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrFrameOutOfOrder):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrSessionClosed):
		status = http.StatusGone
	case errors.Is(err, service.ErrHistoryDisabled):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Errorf("Ошибка обработки запроса %s: %v", c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
