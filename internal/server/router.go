package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/formdesk/internal/auth"
	"github.com/MarcoPoloResearchLab/formdesk/internal/forms"
	"github.com/MarcoPoloResearchLab/formdesk/internal/metrics"
	"github.com/MarcoPoloResearchLab/formdesk/internal/sales"
	"github.com/MarcoPoloResearchLab/formdesk/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	actorContextKey = "formdesk_actor"

	defaultMaxUploadBytes    = 25 << 20
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingFormsService     = errors.New("forms service dependency required")
	errMissingSalesService     = errors.New("sales service dependency required")
)

// SessionValidator extracts session claims from a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims onto the canonical caller.
type UserResolver interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (users.Principal, error)
}

type Dependencies struct {
	Sessions          SessionValidator
	Users             UserResolver
	Forms             *forms.Service
	Sales             *sales.Service
	Realtime          *RealtimeDispatcher
	Metrics           *metrics.Collectors
	HealthCheck       func(ctx context.Context) error
	Logger            *zap.Logger
	AllowedOrigins    []string
	// TrustedProxies lists proxy addresses or CIDRs whose X-Forwarded-For is
	// honoured. Empty trusts no proxy and records the socket address.
	TrustedProxies    []string
	MaxUploadBytes    int64
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.Forms == nil {
		return nil, errMissingFormsService
	}
	if deps.Sales == nil {
		return nil, errMissingSalesService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUploadBytes := deps.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:          deps.Sessions,
		users:             deps.Users,
		forms:             deps.Forms,
		sales:             deps.Sales,
		realtime:          realtime,
		healthCheck:       deps.HealthCheck,
		logger:            logger,
		maxUploadBytes:    maxUploadBytes,
		heartbeatInterval: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	public := router.Group("/")
	public.Use(handler.identifyRequest(false))
	public.GET("/forms/:slug", handler.handleGetSchema)
	public.POST("/forms/:slug/submissions", handler.handleSubmit)
	public.GET("/forms/:slug/related", handler.handleRelated)

	protected := router.Group("/")
	protected.Use(handler.identifyRequest(true))
	protected.POST("/forms", handler.handleCreateSchema)
	protected.GET("/forms", handler.handleListSchemas)
	protected.PUT("/forms/:slug", handler.handleUpdateSchema)
	protected.DELETE("/forms/:slug", handler.handleDeleteSchema)
	protected.GET("/forms/:slug/submissions", handler.handleListSubmissions)
	protected.GET("/forms/:slug/events", handler.handleFormEvents)
	protected.GET("/submissions/:id", handler.handleGetSubmission)
	protected.DELETE("/submissions/:id", handler.handleDeleteSubmission)
	protected.GET("/attachments/:id", handler.handleDownloadAttachment)
	protected.POST("/products", handler.handleCreateProduct)
	protected.GET("/products", handler.handleListProducts)
	protected.POST("/products/:id/sales", handler.handleRecordSale)
	protected.GET("/products/:id/total", handler.handleTotalSales)
	protected.GET("/dashboard", handler.handleGetDashboard)
	protected.PUT("/dashboard", handler.handleSaveDashboard)

	return router, nil
}

type httpHandler struct {
	sessions          SessionValidator
	users             UserResolver
	forms             *forms.Service
	sales             *sales.Service
	realtime          *RealtimeDispatcher
	healthCheck       func(ctx context.Context) error
	logger            *zap.Logger
	maxUploadBytes    int64
	heartbeatInterval time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Forwarded-For"},
		ExposeHeaders:    []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func actorFromContext(c *gin.Context) forms.Actor {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return forms.Actor{}
	}
	actor, _ := value.(forms.Actor)
	return actor
}
