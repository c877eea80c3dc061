package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/infrastructure/logger"
	_ "github.com/erp/possync/internal/interfaces/http/docs"
	"github.com/erp/possync/internal/interfaces/http/dto"
	"github.com/erp/possync/internal/interfaces/http/handler"
	"github.com/erp/possync/internal/interfaces/http/middleware"
)

// RouteRegistrar defines the interface for registering routes
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router manages HTTP route registration
type Router struct {
	engine     *gin.Engine
	apiVersion string
	registrars []RouteRegistrar
}

// RouterOption is a functional option for Router configuration
type RouterOption func(*Router)

// WithAPIVersion sets the API version prefix (e.g., "v1", "v2")
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) {
		r.apiVersion = version
	}
}

// NewRouter creates a new Router instance
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{
		engine:     engine,
		apiVersion: "v1",
		registrars: make([]RouteRegistrar, 0),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds a RouteRegistrar to be registered later
func (r *Router) Register(registrar RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrar)
	return r
}

// Setup registers all routes under /api/{version}
func (r *Router) Setup(middleware ...gin.HandlerFunc) {
	api := r.engine.Group("/api/"+r.apiVersion, middleware...)
	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(api)
	}
}

// Deps are the collaborators of the central server engine
type Deps struct {
	Store       handler.RecordStore
	Stats       handler.StatsSource
	Idempotency shared.IdempotencyStore
	IdemConfig  shared.IdempotencyConfig
	Resources   []handler.Resource
	Logger      *zap.Logger
	Tracing     middleware.TracingConfig
	// RequestTimeout bounds each request; zero disables it
	RequestTimeout time.Duration
	// MaxBodyBytes limits request bodies; zero means 1 MiB
	MaxBodyBytes int64
	Swagger      middleware.SwaggerConfig
}

// NewCentralEngine builds the gin engine of the central server
func NewCentralEngine(deps Deps) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Resources == nil {
		deps.Resources = handler.DefaultResources()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}

	engine := gin.New()
	engine.Use(
		logger.Recovery(log),
		middleware.RequestID(),
		middleware.TracingWithConfig(deps.Tracing),
		middleware.SpanAttributes(),
		middleware.SpanErrorMarker(),
		logger.GinMiddleware(log),
	)
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, dto.NewErrorResponse(dto.ErrCodeNotFound, "route not found"))
	})

	system := handler.NewSystemHandler(deps.Stats)
	engine.GET("/healthz", system.Health)
	engine.GET("/swagger/*any", middleware.SwaggerProtection(deps.Swagger), ginSwagger.WrapHandler(swaggerFiles.Handler))

	r := NewRouter(engine)
	r.Register(system)
	r.Register(handler.NewResourceHandler(deps.Store, deps.Resources))
	r.Setup(
		middleware.Timeout(deps.RequestTimeout),
		middleware.BodyLimit(deps.MaxBodyBytes),
		middleware.Idempotency(deps.Idempotency, deps.IdemConfig, log.Named("idempotency"), nil),
	)
	return engine
}
