package main

import (
	"context"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/eraoriginal/lol-missions-sub000/config"
	"github.com/eraoriginal/lol-missions-sub000/game"
	"github.com/eraoriginal/lol-missions-sub000/hub"
	"github.com/eraoriginal/lol-missions-sub000/migrations"
	"github.com/eraoriginal/lol-missions-sub000/storage"
)

func CreateServer(allowedOrigins []string) *gin.Engine {
	r := gin.New()
	r.GET("/health", func(ctx *gin.Context) { ctx.String(200, "healthy") })

	r.Use(func(ctx *gin.Context) {
		origin := ctx.Request.Header.Get("Origin")

		if origin == "" || slices.Contains(allowedOrigins, origin) {
			ctx.Next()
			return
		}
		ctx.String(http.StatusForbidden, "forbidden origin")
		ctx.Abort()
	})

	r.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowCredentials: true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Content-Type",
			"X-Room-Token",
			"Upgrade",
			"Connection",
			"Sec-WebSocket-Key",
			"Sec-WebSocket-Version",
			"Sec-WebSocket-Extensions",
			"Sec-WebSocket-Protocol",
		},
	}))

	return r
}

func main() {
	godotenv.Load()

	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if err := migrations.Migrate(cfg.PostgresURL); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	pgRepo, err := storage.NewPostgresRepo(context.Background(), cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not connect to postgres")
	}
	defer pgRepo.Close()

	broadcastHub := hub.New(logger)
	hubHandler := hub.NewHandler(broadcastHub, logger)

	phases := game.NewPhaseCoordinator(pgRepo, broadcastHub, logger)
	validation := game.NewValidationCoordinator(pgRepo, pgRepo, broadcastHub, logger)
	gameHandler := game.NewGameHandler(phases, validation, pgRepo, logger)

	r := CreateServer(cfg.AllowedOrigins)
	gameHandler.RegisterRoutes(r)
	r.GET("/ws/rooms/:code", hubHandler.SubscribeHandler)

	logger.Info().Str("addr", cfg.ListenAddr).Msg("api listening")
	if err := r.Run(cfg.ListenAddr); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
