/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// NewEngine builds the monitoring web engine: /api/v1.0/health,
// /api/v1.0/hosts and, with withPrometheus, /metrics.
func NewEngine(hosts func() []HostSnapshot, withPrometheus bool) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	webLogger := log.WithFields(log.Fields{"daemon": "gin"})
	engine.Use(func(ctx *gin.Context) {
		startTime := time.Now()

		ctx.Next()

		webLogger.WithFields(log.Fields{"method": ctx.Request.Method,
			"status":   ctx.Writer.Status(),
			"time":     time.Since(startTime).String(),
			"client":   ctx.RemoteIP(),
			"resource": ctx.Request.URL.Path},
		).Debug("Served Request")
	})

	if withPrometheus {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	engine.GET("/api/v1.0/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, GetHealthStatus())
	})
	engine.GET("/api/v1.0/hosts", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"hosts": hosts()})
	})
	return engine
}

// ServeMonitoring serves engine on port until ctx ends.
func ServeMonitoring(ctx context.Context, port int, engine *gin.Engine) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Debugln("Starting monitoring endpoint at", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "monitoring endpoint failed")
	}
	return nil
}
