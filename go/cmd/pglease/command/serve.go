// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/multigres/pglease/go/pgdriver"
	"github.com/multigres/pglease/go/pools/connpool"
	"github.com/multigres/pglease/go/pools/lease"
)

const (
	keyHTTPAddr        = "http-addr"
	keyShutdownTimeout = "shutdown-timeout"
)

func newServeCommand(pc *PgleaseCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve SQL over HTTP, one task per request",
		Long: `Serve a small JSON API in front of the pool. Each request runs as its own
task, so statements of one request share a connection and the connection
returns to the pool when the response is written.

  POST /query        {"sql": "...", "args": [...]}   rows as objects
  POST /exec         {"sql": "...", "args": [...]}   affected row count
  POST /transaction  {"statements": [{"sql": ...}]}  all or nothing
  GET  /stats                                        pool and lease counters
  GET  /healthz                                      SELECT 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pc.serve(cmd)
		},
	}
	cmd.Flags().String(keyHTTPAddr, ":8080", "Address the HTTP API listens on")
	cmd.Flags().Duration(keyShutdownTimeout, 10*time.Second, "How long to wait for in-flight requests on shutdown")
	_ = pc.v.BindPFlags(cmd.Flags())
	return cmd
}

func (pc *PgleaseCommand) serve(cmd *cobra.Command) error {
	logger := pc.logging.GetLogger()
	drv, err := pc.openDriver()
	if err != nil {
		return err
	}
	defer drv.Close()
	pc.config.Watch(drv, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", pc.v.GetString(keyHTTPAddr))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	srv := &http.Server{
		Handler:           newRouter(drv, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving HTTP", "addr", lis.Addr().String())
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), pc.v.GetDuration(keyShutdownTimeout))
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type statementRequest struct {
	SQL  string `json:"sql" binding:"required"`
	Args []any  `json:"args"`
}

type transactionRequest struct {
	Statements []statementRequest `json:"statements" binding:"required,min=1,dive"`
}

type queryResponse struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

type execResponse struct {
	RowsAffected int64 `json:"rows_affected"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error    string `json:"error"`
	SQLState string `json:"sqlstate,omitempty"`
}

func newRouter(drv *pgdriver.Driver, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(logger), gin.Recovery())

	h := &handlers{drv: drv}
	router.POST("/query", h.query)
	router.POST("/exec", h.exec)
	router.POST("/transaction", h.transaction)
	router.GET("/stats", h.stats)
	router.GET("/healthz", h.healthz)
	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.DebugContext(c.Request.Context(), "request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

type handlers struct {
	drv *pgdriver.Driver
}

func (h *handlers) query(c *gin.Context) {
	var req statementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	var resp queryResponse
	err := h.drv.Run(c.Request.Context(), func(ctx context.Context) error {
		res, err := h.drv.Query(ctx, req.SQL, req.Args...)
		if err != nil {
			return err
		}
		resp.Columns = res.Columns()
		resp.Rows = res.FetchAllAssociative()
		return nil
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if resp.Rows == nil {
		resp.Rows = []map[string]any{}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) exec(c *gin.Context) {
	var req statementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	var n int64
	err := h.drv.Run(c.Request.Context(), func(ctx context.Context) error {
		var err error
		n, err = h.drv.Exec(ctx, req.SQL, req.Args...)
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, execResponse{RowsAffected: n})
}

func (h *handlers) transaction(c *gin.Context) {
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	var total int64
	err := h.drv.Run(c.Request.Context(), func(ctx context.Context) error {
		return h.drv.Transactional(ctx, func(ctx context.Context) error {
			for _, st := range req.Statements {
				n, err := h.drv.Exec(ctx, st.SQL, st.Args...)
				if err != nil {
					return err
				}
				total += n
			}
			return nil
		})
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, execResponse{RowsAffected: total})
}

func (h *handlers) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.drv.Stats())
}

func (h *handlers) healthz(c *gin.Context) {
	err := h.drv.Run(c.Request.Context(), func(ctx context.Context) error {
		_, err := h.drv.FetchOne(ctx, "SELECT 1")
		return err
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), SQLState: pgdriver.SQLState(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	state := pgdriver.SQLState(err)
	switch {
	case errors.Is(err, connpool.ErrPoolExhaustedTimeout), errors.Is(err, connpool.ErrPoolClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, lease.ErrTaskEnded):
		status = http.StatusGatewayTimeout
	case state != "":
		status = http.StatusBadRequest
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), SQLState: state})
}
