// Package statusapi serves the local sync status surface: a small JSON API
// and a websocket feed of run events. Everything it returns is sanitized.
package statusapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kimhsiao/lotterydesk/internal/errors"
	"github.com/kimhsiao/lotterydesk/internal/logging"
	"github.com/kimhsiao/lotterydesk/internal/models"
	"github.com/kimhsiao/lotterydesk/internal/sync"
	"github.com/kimhsiao/lotterydesk/internal/sync/breaker"
	"github.com/kimhsiao/lotterydesk/internal/sync/queue"
)

// Engine is the engine surface the API drives.
type Engine interface {
	sync.SyncEngineInterface
	StoreID() string
}

// QueueReader exposes queue statistics.
type QueueReader interface {
	GetStats(ctx context.Context, storeID string) (*queue.Stats, error)
	GetDeadLettered(ctx context.Context, storeID string, limit int) ([]*models.SyncQueueItem, error)
}

// LogReader exposes run history.
type LogReader interface {
	Recent(ctx context.Context, storeID string, limit int) ([]*models.SyncLogEntry, error)
}

// BreakerReader exposes breaker metrics.
type BreakerReader interface {
	All() []breaker.Metrics
}

// Server holds the handlers' dependencies.
type Server struct {
	engine   Engine
	queue    QueueReader
	logs     LogReader
	breakers BreakerReader
	hub      *Hub
	started  time.Time
}

// Deps wires a Server.
type Deps struct {
	Engine   Engine
	Queue    QueueReader
	Logs     LogReader
	Breakers BreakerReader
	// Hub receives engine events when set.
	Hub *Hub
}

// NewServer creates a Server and subscribes the hub to engine events.
func NewServer(deps Deps) *Server {
	s := &Server{
		engine:   deps.Engine,
		queue:    deps.Queue,
		logs:     deps.Logs,
		breakers: deps.Breakers,
		hub:      deps.Hub,
		started:  time.Now(),
	}
	if s.hub != nil {
		s.engine.Subscribe(s.hub.Publish)
	}
	return s
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	api := r.Group("/api")
	api.GET("/health", s.health)

	syncGroup := api.Group("/sync")
	{
		syncGroup.GET("/status", s.status)
		syncGroup.GET("/stats", s.stats)
		syncGroup.GET("/breakers", s.breakerMetrics)
		syncGroup.GET("/logs", s.recentLogs)
		syncGroup.GET("/dead-letters", s.deadLetters)
		syncGroup.POST("/trigger", s.trigger)
		syncGroup.POST("/cleanup", s.cleanup)
	}

	if s.hub != nil {
		r.GET("/ws", s.hub.ServeWS)
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("status api request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"service":        "lotterydesk-sync",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) stats(c *gin.Context) {
	storeID, ok := s.requireStore(c)
	if !ok {
		return
	}
	stats, err := s.queue.GetStats(c.Request.Context(), storeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) breakerMetrics(c *gin.Context) {
	metrics := s.breakers.All()
	for i := range metrics {
		metrics[i].LastFailureReason = apperrors.SanitizeMessage(metrics[i].LastFailureReason)
		for j := range metrics[i].Failures {
			metrics[i].Failures[j].Reason = apperrors.SanitizeMessage(metrics[i].Failures[j].Reason)
		}
	}
	c.JSON(http.StatusOK, gin.H{"breakers": metrics})
}

// logView is a sync_log row safe for display.
type logView struct {
	LogID            string               `json:"log_id"`
	StartedAt        time.Time            `json:"started_at"`
	CompletedAt      *time.Time           `json:"completed_at,omitempty"`
	Status           models.SyncLogStatus `json:"status"`
	RecordsSent      int                  `json:"records_sent"`
	RecordsSucceeded int                  `json:"records_succeeded"`
	RecordsFailed    int                  `json:"records_failed"`
	Error            string               `json:"error,omitempty"`
}

func (s *Server) recentLogs(c *gin.Context) {
	storeID, ok := s.requireStore(c)
	if !ok {
		return
	}
	entries, err := s.logs.Recent(c.Request.Context(), storeID, queryInt(c, "limit", 20))
	if err != nil {
		writeError(c, err)
		return
	}

	views := make([]logView, 0, len(entries))
	for _, e := range entries {
		v := logView{
			LogID:            e.LogID.String(),
			StartedAt:        e.StartedAt,
			CompletedAt:      e.CompletedAt,
			Status:           e.Status,
			RecordsSent:      e.RecordsSent,
			RecordsSucceeded: e.RecordsSucceeded,
			RecordsFailed:    e.RecordsFailed,
		}
		if e.ErrorMessage != nil {
			v.Error = apperrors.SanitizeMessage(*e.ErrorMessage)
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"logs": views})
}

// deadLetterView omits the payload, which may carry customer data.
type deadLetterView struct {
	ID             string                   `json:"id"`
	EntityType     string                   `json:"entity_type"`
	EntityID       string                   `json:"entity_id"`
	Operation      models.Operation         `json:"operation"`
	Attempts       int                      `json:"attempts"`
	Reason         *models.DeadLetterReason `json:"reason,omitempty"`
	DeadLetteredAt *time.Time               `json:"dead_lettered_at,omitempty"`
	Error          string                   `json:"error,omitempty"`
}

func (s *Server) deadLetters(c *gin.Context) {
	storeID, ok := s.requireStore(c)
	if !ok {
		return
	}
	items, err := s.queue.GetDeadLettered(c.Request.Context(), storeID, queryInt(c, "limit", 50))
	if err != nil {
		writeError(c, err)
		return
	}

	views := make([]deadLetterView, 0, len(items))
	for _, item := range items {
		v := deadLetterView{
			ID:             item.ID.String(),
			EntityType:     item.EntityType,
			EntityID:       item.EntityID,
			Operation:      item.Operation,
			Attempts:       item.SyncAttempts,
			Reason:         item.DeadLetterReason,
			DeadLetteredAt: item.DeadLetteredAt,
		}
		if item.LastSyncError != nil {
			v.Error = apperrors.SanitizeMessage(*item.LastSyncError)
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"items": views})
}

func (s *Server) trigger(c *gin.Context) {
	if _, ok := s.requireStore(c); !ok {
		return
	}
	// The run outlives the request.
	if !s.engine.TriggerAsync(context.Background()) {
		writeError(c, apperrors.New(apperrors.ErrSyncInProgress, "a sync run is already in progress"))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) cleanup(c *gin.Context) {
	removed, err := s.engine.CleanupQueue(c.Request.Context(), queryInt(c, "days", 0))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) requireStore(c *gin.Context) (string, bool) {
	storeID := s.engine.StoreID()
	if storeID == "" {
		writeError(c, apperrors.New(apperrors.ErrSyncNotConfigured, "no store configured"))
		return "", false
	}
	return storeID, true
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

var statusByCode = map[apperrors.ErrorCode]int{
	apperrors.ErrValidation:        http.StatusBadRequest,
	apperrors.ErrNotFound:          http.StatusNotFound,
	apperrors.ErrSyncNotConfigured: http.StatusServiceUnavailable,
	apperrors.ErrSyncInProgress:    http.StatusConflict,
	apperrors.ErrCircuitOpen:       http.StatusServiceUnavailable,
}

func writeError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
		logging.ErrorWithCode("status api request failed", string(code), err, map[string]interface{}{
			"path": c.FullPath(),
		})
	}
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{
		"code":    code,
		"message": apperrors.Sanitize(err),
	}})
}
