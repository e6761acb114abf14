// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cubefs/calcgrid/metrics"
	"github.com/cubefs/calcgrid/util/limiter"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

type HttpServer struct {
	httpServer *http.Server
	metrics    http.Handler

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{
		metrics: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		Server:  server,
	}
}

func (h *HttpServer) Serve(addr string) {
	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	rpc.GET("/stats", h.stats, rpc.OptArgsQuery())
	rpc.GET("/metrics", h.serveMetrics)
	rpc.POST("/peer_limit", h.setPeerLimit, rpc.OptArgsQuery())

	return rpc.DefaultRouter
}

func (h *HttpServer) stats(c *rpc.Context) {
	c.RespondJSON(h.Stats())
}

// setPeerLimit takes the new bounds as concurrency and qps query arguments.
func (h *HttpServer) setPeerLimit(c *rpc.Context) {
	query := c.Request.URL.Query()
	cfg := limiter.LimitConfig{}
	var err error
	if v := query.Get("concurrency"); v != "" {
		if cfg.Concurrency, err = strconv.Atoi(v); err != nil {
			c.RespondStatus(http.StatusBadRequest)
			return
		}
	}
	if v := query.Get("qps"); v != "" {
		if cfg.QPS, err = strconv.Atoi(v); err != nil {
			c.RespondStatus(http.StatusBadRequest)
			return
		}
	}
	status, err := h.SetPeerLimit(cfg)
	if err != nil {
		log.Warnf("set peer limit failed: %s", err)
		c.RespondStatus(http.StatusConflict)
		return
	}
	c.RespondJSON(status)
}

func (h *HttpServer) serveMetrics(c *rpc.Context) {
	h.metrics.ServeHTTP(c.Writer, c.Request)
}
