package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/config"
	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/internal/middleware"
	"anoa.com/communityforum/internal/modules/forum"
	"anoa.com/communityforum/internal/modules/moderation"
	"anoa.com/communityforum/internal/modules/report"
	"anoa.com/communityforum/internal/modules/search"
	"anoa.com/communityforum/internal/modules/session"
	"anoa.com/communityforum/pkg/ratelimiter"

	forumHttp "anoa.com/communityforum/internal/modules/forum/delivery/http"
	moderationHttp "anoa.com/communityforum/internal/modules/moderation/delivery/http"
	reportHttp "anoa.com/communityforum/internal/modules/report/delivery/http"
	sessionHttp "anoa.com/communityforum/internal/modules/session/delivery/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Deps are the already-connected collaborators the server is built from.
// Redis and Index are optional.
type Deps struct {
	Backend backend.Backend
	Redis   *redis.Client
	Index   search.Index
	// LogOutput receives gin's request log; nil means gin's default writer.
	LogOutput io.Writer
}

type Server struct {
	engine *gin.Engine
	store  *forum.Store
	cancel context.CancelFunc
}

// NewServer loads the forum view, starts its feed and the search sync worker,
// and mounts the HTTP routes. An initial load failure is kept on the view
// rather than failing startup.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	store := forum.NewStore(deps.Backend)
	if err := store.Load(ctx); err != nil {
		log.Printf("server: forum view starts empty: %v", err)
	}
	if err := store.Start(ctx); err != nil {
		log.Printf("server: change feed unavailable: %v", err)
	}

	searchSvc := search.NewService(deps.Index)
	if deps.Index != nil {
		if err := searchSvc.Reindex(store); err != nil {
			log.Printf("server: initial search reindex failed: %v", err)
		}
		go searchSvc.StartSyncWorker(ctx, deps.Backend)
	}

	limiter := ratelimiter.NewLimiter(deps.Redis)
	moderationSvc := moderation.NewService(deps.Backend, store, limiter, moderation.Cooldowns{
		Global: cfg.RateLimitGlobal,
		Thread: cfg.RateLimitThread,
		Post:   cfg.RateLimitPost,
	})
	workflow := report.NewWorkflow(deps.Backend, store, limiter, cfg.RateLimitReport)

	authHandler := sessionHttp.NewAuthHandler()
	forumHandler := forumHttp.NewForumHandler(store, searchSvc)
	feedHandler := forumHttp.NewFeedHandler(deps.Backend, cfg.AllowedOrigins)
	moderationHandler := moderationHttp.NewModerationHandler(moderationSvc)
	reportHandler := reportHttp.NewReportHandler(workflow)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	setupCORS(router, cfg.AllowedOrigins)

	router.Use(gin.Recovery())
	logConfig := gin.LoggerConfig{SkipPaths: []string{"/api/feed/ws"}}
	if deps.LogOutput != nil {
		logConfig.Output = deps.LogOutput
	}
	router.Use(gin.LoggerWithConfig(logConfig))

	authMiddleware := middleware.NewAuthMiddleware(deps.Backend)

	api := router.Group("/api")
	api.Use(authMiddleware.Session())

	// Public routes (no auth required)
	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/register", authHandler.Register)
		auth.POST("/logout", authMiddleware.RequireAuth(), authHandler.Logout)
	}
	api.GET("/session", authHandler.Current)
	api.GET("/categories", forumHandler.GetCategories)
	api.GET("/forum", forumHandler.GetForum)
	api.GET("/threads/:thread_id", forumHandler.GetThread)

	// Protected routes (apply auth middleware explicitly)
	protected := api.Group("")
	protected.Use(authMiddleware.RequireAuth())
	{
		protected.GET("/feed/ws", feedHandler.HandleWebSocket)

		// Thread routes
		protected.POST("/threads", moderationHandler.CreateThread)
		protected.PUT("/threads/:thread_id/pin", moderationHandler.PinThread)
		protected.PUT("/threads/:thread_id/lock", moderationHandler.LockThread)
		protected.DELETE("/threads/:thread_id", moderationHandler.DeleteThread)
		protected.POST("/threads/:thread_id/posts", moderationHandler.CreatePost)

		// Post routes
		protected.PUT("/posts/:post_id", moderationHandler.UpdatePost)
		protected.DELETE("/posts/:post_id", moderationHandler.DeletePost)
		protected.POST("/posts/:post_id/reports", reportHandler.SubmitReport)
		protected.POST("/posts/:post_id/resolve", reportHandler.ResolveReport)

		protected.GET("/reports", authMiddleware.RequireRole(session.AtLeast(entity.RoleModerator)), reportHandler.GetPendingReports)

		// Admin routes
		adminGroup := protected.Group("/admin")
		adminGroup.Use(authMiddleware.RequireRole(session.OneOf(entity.RoleAdmin)))
		{
			adminGroup.GET("/users", moderationHandler.GetAllUsers)
			adminGroup.PUT("/users/:id/role", moderationHandler.ChangeRole)
			adminGroup.POST("/users/:id/ban", moderationHandler.BanUser)
			adminGroup.DELETE("/users/:id/ban", moderationHandler.UnbanUser)
			adminGroup.DELETE("/users/:id", moderationHandler.DeleteUser)
		}
	}

	return &Server{
		engine: router,
		store:  store,
		cancel: cancel,
	}, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Printf("server: listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close stops the feed consumers and the search worker.
func (s *Server) Close() {
	s.cancel()
	s.store.Close()
}

func setupCORS(router *gin.Engine, origins []string) {
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}

	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
}
