package handler

import (
	"io"
	"net/http"

	"profile-notifier/internal/messaging"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Источник считается неисправным после стольких ошибок опроса подряд.
const unhealthyPollErrors = 5

// Максимальный размер тела события, принимаемого в локальную очередь.
const maxEventBodyBytes = 256 << 10

// StatusProvider отдает состояние циклов опроса.
type StatusProvider interface {
	Status() map[string]messaging.SourceStatus
}

// EventEnqueuer кладет событие в локальную очередь (MEMORY_QUEUE).
type EventEnqueuer interface {
	Send(body []byte) (string, error)
}

// OpsHandler - служебные эндпоинты: health, метрики и локальная публикация событий.
type OpsHandler struct {
	status   StatusProvider
	gatherer prometheus.Gatherer
	enqueuer EventEnqueuer // nil, если локальная очередь выключена
	logger   *zap.Logger
}

func NewOpsHandler(status StatusProvider, gatherer prometheus.Gatherer, enqueuer EventEnqueuer, logger *zap.Logger) *OpsHandler {
	return &OpsHandler{
		status:   status,
		gatherer: gatherer,
		enqueuer: enqueuer,
		logger:   logger.Named("OpsHandler"),
	}
}

// NewRouter собирает gin-роутер служебного сервера.
func NewRouter(h *OpsHandler, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ZapLogger(logger))
	h.RegisterRoutes(router)
	return router
}

func (h *OpsHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	if h.enqueuer != nil {
		router.POST("/debug/events", h.enqueueEvent)
	}
}

// health отвечает 503, если хотя бы один источник давно не опрашивается успешно.
func (h *OpsHandler) health(c *gin.Context) {
	sources := map[string]messaging.SourceStatus{}
	if h.status != nil {
		sources = h.status.Status()
	}

	status, code := "ok", http.StatusOK
	for _, st := range sources {
		if st.ConsecutiveErrors >= unhealthyPollErrors {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(code, gin.H{"status": status, "sources": sources})
}

func (h *OpsHandler) enqueueEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}

	id, err := h.enqueuer.Send(body)
	if err != nil {
		h.logger.Error("Failed to enqueue event", zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue is not accepting events"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"messageId": id})
}
