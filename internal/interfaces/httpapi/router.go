// Package httpapi 持仓表的 HTTP 接口，供客户端 httpstore 调用
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"posledger/internal/application/port"
	"posledger/internal/domain/errs"
	"posledger/internal/domain/model"
)

// Broadcaster WebSocket 推送端点，可为空
type Broadcaster interface {
	Serve(w http.ResponseWriter, r *http.Request, portfolioID string)
}

// Config 路由依赖
type Config struct {
	Store   port.PositionStore
	Hub     Broadcaster
	Metrics http.Handler
}

// ErrorBody 错误响应，kind 为 errs.Kind
type ErrorBody struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

// Setup 构建 gin 路由
func Setup(cfg *Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	h := &handler{store: cfg.Store}
	r.GET("/portfolios/:id/positions", h.listPositions)
	r.POST("/positions", h.createPosition)
	r.PATCH("/positions/:id", h.updatePosition)
	r.DELETE("/positions/:id", h.deletePosition)
	r.GET("/positions/:id/transactions", h.listTransactions)

	if cfg.Hub != nil {
		// GET /ws?portfolio=<id>
		r.GET("/ws", func(c *gin.Context) {
			pid := c.Query("portfolio")
			if pid == "" {
				writeError(c, errs.New(errs.KindValidation, "portfolio query parameter is required"))
				return
			}
			cfg.Hub.Serve(c.Writer, c.Request, pid)
		})
	}
	return r
}

type handler struct {
	store port.PositionStore
}

// GET /portfolios/:id/positions
func (h *handler) listPositions(c *gin.Context) {
	out, err := h.store.FetchPositions(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// POST /positions
func (h *handler) createPosition(c *gin.Context) {
	var in model.PositionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, errs.Wrap(errs.KindValidation, "decode body", err))
		return
	}
	p, err := h.store.CreatePosition(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// PATCH /positions/:id
func (h *handler) updatePosition(c *gin.Context) {
	var patch model.PositionPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		writeError(c, errs.Wrap(errs.KindValidation, "decode body", err))
		return
	}
	if patch.Transaction == nil && patch.CurrentPrice == nil {
		writeError(c, errs.New(errs.KindValidation, "empty patch"))
		return
	}
	p, err := h.store.UpdatePosition(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// DELETE /positions/:id
func (h *handler) deletePosition(c *gin.Context) {
	if err := h.store.DeletePosition(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /positions/:id/transactions
func (h *handler) listTransactions(c *gin.Context) {
	out, err := h.store.FetchTransactions(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func writeError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	msg := err.Error()
	var e *errs.Error
	if errors.As(err, &e) && e.Msg != "" {
		msg = e.Msg
	}

	status := errs.Status(kind)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, ErrorBody{Kind: kind, Message: msg})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}
