// Package api exposes the admin HTTP API: conversation inspection,
// pause/resume control, the sender allowlist, and tool-cache management.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ordsvc/attendant/internal/models"
	"github.com/ordsvc/attendant/internal/registry"
)

// CacheClearer drops cached tool responses.
type CacheClearer interface {
	ClearCache()
}

// StartOpts holds configuration for the admin server.
type StartOpts struct {
	DB       *gorm.DB
	Registry *registry.Registry
	Tools    CacheClearer // optional
	Port     int
	Out      io.Writer
}

// Start launches the admin HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("api: db is required")
	}
	if opts.Registry == nil {
		return fmt.Errorf("api: registry is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	router := newRouter(opts)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Admin API listening on %s\n", addr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// newRouter builds the Gin router with all admin routes.
func newRouter(opts StartOpts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/api/health", handleHealth())
	router.GET("/api/conversations", handleConversationList(opts.DB))
	router.POST("/api/conversations", handleConversationCreate(opts.Registry))
	router.GET("/api/conversations/:identifier", handleConversationDetail(opts.DB))
	router.POST("/api/conversations/:identifier/pause", handleSetPaused(opts.Registry, true))
	router.POST("/api/conversations/:identifier/resume", handleSetPaused(opts.Registry, false))
	router.GET("/api/allowlist", handleAllowlistList(opts.DB))
	router.POST("/api/allowlist", handleAllowlistAdd(opts.DB))
	router.DELETE("/api/allowlist/:sender_id", handleAllowlistRemove(opts.DB))
	router.POST("/api/tools/cache/clear", handleCacheClear(opts.Tools))

	return router
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// handleConversationList returns a page of conversation threads, newest
// first, optionally filtered by identifier substring.
func handleConversationList(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		if page < 1 {
			page = 1
		}
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
		if perPage < 1 || perPage > 100 {
			perPage = 20
		}

		q := db.Model(&models.ConversationThread{})
		if search := c.Query("q"); search != "" {
			q = q.Where("identifier LIKE ?", "%"+search+"%")
		}

		var total int64
		if err := q.Count(&total).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var threads []models.ConversationThread
		err := q.Order("updated_at DESC").
			Limit(perPage).
			Offset((page - 1) * perPage).
			Find(&threads).Error
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"conversations": threads,
			"total":         total,
			"page":          page,
			"per_page":      perPage,
		})
	}
}

// handleConversationCreate resolves a conversation for an identifier ahead
// of first contact, creating the assistant-side thread if needed.
func handleConversationCreate(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Identifier string `json:"identifier" binding:"required"`
			Name       string `json:"name"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		meta := map[string]string{}
		if req.Name != "" {
			meta["name"] = req.Name
		}
		thread, err := reg.Resolve(c.Request.Context(), req.Identifier, meta)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, thread)
	}
}

// handleConversationDetail returns one thread with its full turn history.
func handleConversationDetail(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := c.Param("identifier")
		var thread models.ConversationThread
		err := db.Preload("Turns", func(db *gorm.DB) *gorm.DB {
			return db.Order("turns.id ASC")
		}).Where("identifier = ?", identifier).First(&thread).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, thread)
	}
}

// handleSetPaused flips the paused flag through the registry so its cache
// stays coherent with the store.
func handleSetPaused(reg *registry.Registry, paused bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := c.Param("identifier")
		if err := reg.SetPaused(c.Request.Context(), identifier, paused); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"identifier": identifier, "paused": paused})
	}
}

func handleAllowlistList(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var senders []models.AuthorizedSender
		if err := db.Order("id").Find(&senders).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"senders": senders})
	}
}

func handleAllowlistAdd(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			SenderID string `json:"sender_id" binding:"required"`
			Note     string `json:"note"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sender := models.AuthorizedSender{SenderID: req.SenderID, Note: req.Note}
		if err := db.Create(&sender).Error; err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "sender already allowlisted"})
			return
		}
		c.JSON(http.StatusCreated, sender)
	}
}

func handleAllowlistRemove(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		senderID := c.Param("sender_id")
		res := db.Where("sender_id = ?", senderID).Delete(&models.AuthorizedSender{})
		if res.Error != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "sender not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sender_id": senderID, "removed": true})
	}
}

func handleCacheClear(tools CacheClearer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tools == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tool dispatcher not configured"})
			return
		}
		tools.ClearCache()
		c.JSON(http.StatusOK, gin.H{"cleared": true})
	}
}
