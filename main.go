/*
Package main is the entry point for the parley conversation gateway.

This package starts the WebSocket server that accepts conversation turns
from terminal, browser and voice clients, classifies them with the NLU
adapter and answers through the configured response generator. The HTTP
side is built on the Echo web framework.

The application follows these initialization steps:
1. Load configuration from environment variables
2. Initialize structured logging
3. Create the core server instance with dependencies
4. Set up HTTP middleware (logging, recovery, CORS)
5. Register the WebSocket endpoint and the operational API routes
6. Start the server with graceful shutdown support
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/core"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	config := core.LoadConfig()

	logger := core.InitializeLogger(config)
	logger.Info("Starting parley server")

	server, err := core.NewServer(config, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server.RegisterRoutes(e)

	go func() {
		logger.WithField("port", config.Port).Info("Starting server")
		if err := e.Start(fmt.Sprintf(":%s", config.Port)); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Give in-flight requests 30 seconds to finish
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// WebSocket connections are hijacked and not tracked by echo, so close them first
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Failed to release server resources")
	}

	if err := e.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Failed to gracefully shutdown server")
	} else {
		logger.Info("Server shutdown complete")
	}
}
