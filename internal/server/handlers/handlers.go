package handlers

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/cloudzz-dev/estatemsg/internal/config"
	"github.com/cloudzz-dev/estatemsg/internal/errorx"
	"github.com/cloudzz-dev/estatemsg/internal/logger"
	"github.com/cloudzz-dev/estatemsg/internal/server/auth"
	"github.com/cloudzz-dev/estatemsg/internal/server/messaging"
	"github.com/cloudzz-dev/estatemsg/internal/server/ratelimit"
	"github.com/cloudzz-dev/estatemsg/internal/server/storage"
	"github.com/cloudzz-dev/estatemsg/internal/server/ws"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/unrolled/secure"
	"go.uber.org/zap"
)

type Handlers struct {
	cfg      config.ServerConfig
	store    *storage.Store
	messages *messaging.Service
	hub      *ws.Hub
	issuer   *auth.Issuer
	limiter  *ratelimit.RateLimiter
	log      *zap.Logger
	upgrader websocket.Upgrader
}

type Deps struct {
	Config   config.ServerConfig
	Store    *storage.Store
	Messages *messaging.Service
	Hub      *ws.Hub
	Issuer   *auth.Issuer
	Limiter  *ratelimit.RateLimiter
	Log      *zap.Logger
}

func New(d Deps) *Handlers {
	h := &Handlers{
		cfg:      d.Config,
		store:    d.Store,
		messages: d.Messages,
		hub:      d.Hub,
		issuer:   d.Issuer,
		limiter:  d.Limiter,
		log:      d.Log,
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Router builds the gin engine with every route mounted.
func (h *Handlers) Router() *gin.Engine {
	useJSONFieldNames()

	engine := gin.New()
	engine.Use(logger.GinLogger(h.log), logger.GinRecovery(h.log, true))
	engine.Use(h.secureHeaders())

	corsConfig := cors.DefaultConfig()
	if allowAny(h.cfg.CORSOrigins) {
		// reflect the caller's origin so credentials stay allowed
		corsConfig.AllowOriginFunc = func(string) bool { return true }
	} else {
		corsConfig.AllowOrigins = h.cfg.CORSOrigins
	}
	corsConfig.AllowCredentials = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	engine.Use(cors.New(corsConfig))

	engine.MaxMultipartMemory = 8 << 20
	engine.Static("/files", h.cfg.UploadDir)
	engine.GET("/health", h.Health)

	authGroup := engine.Group("/auth")
	authGroup.POST("/register", h.Register)
	authGroup.POST("/login", h.Login)

	api := engine.Group("/", h.issuer.Middleware())
	api.GET("/me", h.Me)
	api.GET("/conversations", h.Conversations)
	api.GET("/messages/:conversationId", h.Messages)
	api.POST("/messages", h.SendMessage)
	api.PATCH("/messages/:id/read", h.MarkRead)
	api.POST("/uploads", h.Upload)

	api.GET("/ws", h.WebSocket)
	api.POST("/rt/poll", h.PollOpen)
	api.GET("/rt/poll", h.PollReceive)
	api.POST("/rt/poll/send", h.PollSend)
	api.DELETE("/rt/poll", h.PollClose)

	return engine
}

func (h *Handlers) secureHeaders() gin.HandlerFunc {
	mw := secure.New(secure.Options{
		SSLRedirect:          h.cfg.SSLRedirect,
		SSLProxyHeaders:      map[string]string{"X-Forwarded-Proto": "https"},
		FrameDeny:            true,
		ContentTypeNosniff:   true,
		BrowserXssFilter:     true,
		IsDevelopment:        h.cfg.Mode == "dev",
		STSSeconds:           31536000,
		STSIncludeSubdomains: true,
	})
	return func(c *gin.Context) {
		if err := mw.Process(c.Writer, c.Request); err != nil {
			h.log.Debug("secure middleware rejected request", zap.Error(err))
			c.Abort()
			return
		}
		c.Next()
	}
}

func allowAny(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// checkOrigin admits non-browser clients, which send no Origin, and the
// configured browser origins.
func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || allowAny(h.cfg.CORSOrigins) {
		return true
	}
	for _, o := range h.cfg.CORSOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (h *Handlers) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail writes err as {"code", "error"} with its mapped status. Causes of
// coded errors and every foreign error are logged, never returned.
func (h *Handlers) fail(c *gin.Context, err error) {
	var ce *errorx.CodeError
	if !errors.As(err, &ce) {
		ce = errorx.ErrServerBusy
	}
	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	}
	switch {
	case ce.Status >= http.StatusInternalServerError:
		h.log.Error("request failed", fields...)
	case ce.Unwrap() != nil:
		h.log.Debug("request rejected", fields...)
	}
	c.AbortWithStatusJSON(ce.Status, gin.H{"code": ce.Code, "error": ce.Msg})
}

// bindError renders validator failures as a field list.
func (h *Handlers) bindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"code":   errorx.CodeInvalidParam,
			"error":  errorx.ErrInvalidParam.Msg,
			"fields": fields,
		})
		return
	}
	h.fail(c, errorx.Wrap(err, errorx.CodeInvalidParam, "malformed request body"))
}

var tagNameOnce sync.Once

// useJSONFieldNames makes validator report json names instead of Go field names.
func useJSONFieldNames() {
	tagNameOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			v.RegisterTagNameFunc(func(fld reflect.StructField) string {
				name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
				if name == "-" {
					return ""
				}
				return name
			})
		}
	})
}
