// Package server exposes the engine over HTTP
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/kass/go-smt-index/pkg/cache"
	"github.com/kass/go-smt-index/pkg/engine"
	"github.com/kass/go-smt-index/pkg/metrics"
	"github.com/kass/go-smt-index/pkg/query"
	"github.com/sirupsen/logrus"
)

// responses are immutable for a given generation and query
const cacheControl = "public, max-age=31536000"

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server holds the HTTP handlers
type Server struct {
	engine *engine.Engine
	cache  cache.Cache
	log    logrus.FieldLogger
}

// New returns a server. c may be nil to disable response caching.
func New(e *engine.Engine, c cache.Cache, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{engine: e, cache: c, log: log.WithField("component", "server")}
}

// Router builds the gin router with every route registered
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	v1 := r.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/smtServerInfo", s.handleServerInfo)
	v1.GET("/smtConfig", s.handleConfig)
	v1.GET("/:serverHash/query", s.handleQuery)
	v1.GET("/:serverHash/queryVisual", s.handleQueryVisual)
	v1.GET("/hips/:qhash/properties", s.handleHipsProperties)
	v1.GET("/hips/:qhash/Allsky.geojson", s.handleAllSky)
	v1.GET("/hips/:qhash/:order/:dir/:pix", s.handleTile)
	return r
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
		} else {
			entry.Debug("request")
		}
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, query.ErrInvalidQuery), errors.Is(err, query.ErrUnsupportedOperation):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotReady):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// client went away
		c.Status(499)
		return
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.engine.Status()
	code := http.StatusOK
	if !st.Ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}

// handleServerInfo returns the extra information of the store plus the key
// clients put in query URLs
func (s *Server) handleServerInfo(c *gin.Context) {
	extra, err := s.engine.ExtraInfo()
	if err != nil {
		s.fail(c, err)
		return
	}
	info := make(map[string]interface{}, len(extra)+1)
	for k, v := range extra {
		info[k] = v
	}
	info["baseHashKey"] = s.engine.Fingerprint()
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleConfig(c *gin.Context) {
	cfg, err := s.engine.Config()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// currentHash checks the URL targets the generation being served
func (s *Server) currentHash(c *gin.Context) bool {
	fp := s.engine.Fingerprint()
	if fp == "" {
		s.fail(c, engine.ErrNotReady)
		return false
	}
	if c.Param("serverHash") != fp {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown server hash"})
		return false
	}
	return true
}

func parseQueryParam(c *gin.Context) (*query.Query, string, error) {
	raw := c.Query("q")
	if raw == "" {
		return &query.Query{}, raw, nil
	}
	q, err := query.Parse([]byte(raw))
	return q, raw, err
}

func (s *Server) handleQuery(c *gin.Context) {
	if !s.currentHash(c) {
		return
	}
	q, raw, err := parseQueryParam(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	key := cache.Key(s.engine.Fingerprint(), "query", raw)
	if s.serveCached(c, key) {
		return
	}
	res, err := s.engine.Query(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.sendJSON(c, key, res)
}

func (s *Server) handleQueryVisual(c *gin.Context) {
	if !s.currentHash(c) {
		return
	}
	q, _, err := parseQueryParam(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Cache-Control", cacheControl)
	c.String(http.StatusOK, s.engine.RegisterQuery(q))
}

func (s *Server) lookup(c *gin.Context) (*query.Query, bool) {
	q, ok := s.engine.LookupQuery(c.Param("qhash"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown query hash"})
	}
	return q, ok
}

func (s *Server) handleHipsProperties(c *gin.Context) {
	if _, ok := s.lookup(c); !ok {
		return
	}
	props, err := s.engine.HipsProperties()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Cache-Control", cacheControl)
	c.String(http.StatusOK, props)
}

func (s *Server) handleAllSky(c *gin.Context) {
	s.serveTile(c, query.AllSkyOrder, 0)
}

// handleTile serves Norder{o}/Dir{d}/Npix{p}.geojson
func (s *Server) handleTile(c *gin.Context) {
	order, err1 := trimInt(c.Param("order"), "Norder", "")
	_, err2 := trimInt(c.Param("dir"), "Dir", "")
	pix, err3 := trimInt(c.Param("pix"), "Npix", ".geojson")
	if err := errors.CombineErrors(err1, errors.CombineErrors(err2, err3)); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	s.serveTile(c, int(order), pix)
}

func (s *Server) serveTile(c *gin.Context, order int, pix int64) {
	q, ok := s.lookup(c)
	if !ok {
		return
	}
	key := cache.Key(s.engine.Fingerprint(), "tile", c.Param("qhash")+"/"+strconv.Itoa(order)+"/"+strconv.FormatInt(pix, 10))
	if s.serveCached(c, key) {
		return
	}
	tile, err := s.engine.Tile(c.Request.Context(), q, order, pix)
	if err != nil {
		s.fail(c, err)
		return
	}
	if tile == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "empty tile"})
		return
	}
	s.sendJSON(c, key, tile)
}

func trimInt(s, prefix, suffix string) (int64, error) {
	if !strings.HasPrefix(s, prefix) || !strings.HasSuffix(s, suffix) {
		return 0, errors.Newf("malformed path segment %q", s)
	}
	v, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(s, prefix), suffix), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "path segment %q", s)
	}
	return v, nil
}

func (s *Server) serveCached(c *gin.Context, key string) bool {
	if s.cache == nil {
		return false
	}
	body, ok, err := s.cache.Get(c.Request.Context(), key)
	if err != nil {
		s.log.WithError(err).Warn("cache read failed")
		return false
	}
	if !ok {
		return false
	}
	c.Header("Cache-Control", cacheControl)
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	return true
}

func (s *Server) sendJSON(c *gin.Context, key string, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		s.fail(c, errors.Wrap(err, "encoding response"))
		return
	}
	if s.cache != nil {
		if err := s.cache.Set(c.Request.Context(), key, body); err != nil {
			s.log.WithError(err).Warn("cache write failed")
		}
	}
	c.Header("Cache-Control", cacheControl)
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}
