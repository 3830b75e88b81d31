package web

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/hexbauer/loxodon/activitypub"
	"github.com/hexbauer/loxodon/domain"
	"github.com/hexbauer/loxodon/util"
	"golang.org/x/time/rate"
)

const activityContentType = "application/activity+json"

// SetupRouter builds the gin engine with all federation routes. Split from
// Router so tests can drive it through httptest.
func SetupRouter(conf *util.AppConfig, store activitypub.Store, inbox *activitypub.Inbox) *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter rate limit for inbox endpoints: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)

	// Max 1MB request body size for inbound activities
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	g.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	g.GET("/users/:name", func(c *gin.Context) {
		serveActor(c, c.Param("name"), store)
	})

	// Top-level handles: GET /<name> serves the same actor document. gin
	// cannot mix a root-level wildcard with static routes, so this rides
	// on the no-route fallback.
	g.NoRoute(func(c *gin.Context) {
		name := strings.TrimPrefix(c.Request.URL.Path, "/")
		if c.Request.Method != http.MethodGet || name == "" || strings.Contains(name, "/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
			return
		}
		serveActor(c, name, store)
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")

		resource := c.Query("resource")
		err, resp := GetWebfinger(resource, store, conf)
		switch {
		case err == nil:
			c.Render(http.StatusOK, render.String{Format: resp})
		case errors.Is(err, domain.ErrMalformedInput):
			c.Render(http.StatusBadRequest, render.String{Format: GetWebFingerNotFound()})
		case errors.Is(err, domain.ErrNotFound):
			c.Render(http.StatusNotFound, render.String{Format: GetWebFingerNotFound()})
		default:
			log.Printf("Webfinger: lookup failed: %v", err)
			c.Render(http.StatusInternalServerError, render.String{Format: GetWebFingerNotFound()})
		}
	})

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		inbox.HandleInbox(c.Writer, c.Request)
	})

	g.POST("/users/:name/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		inbox.HandleInbox(c.Writer, c.Request)
	})

	return g
}

// serveActor answers a dereference of a local actor. Only federation
// clients are served; anything else is a bad request.
func serveActor(c *gin.Context, name string, store activitypub.Store) {
	if !strings.Contains(c.GetHeader("Accept"), activityContentType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Bad Request"})
		return
	}

	c.Header("Content-Type", activityContentType+"; charset=utf-8")
	err, actor := GetActor(name, store)
	switch {
	case err == nil:
		c.Render(http.StatusOK, render.String{Format: actor})
	case errors.Is(err, domain.ErrNotFound):
		c.Render(http.StatusNotFound, render.String{Format: actor})
	default:
		log.Printf("Actor: rendering %s failed: %v", name, err)
		c.Render(http.StatusInternalServerError, render.String{Format: actor})
	}
}

// Router starts the HTTP server.
func Router(conf *util.AppConfig, store activitypub.Store, inbox *activitypub.Inbox) error {
	log.Printf("Starting federation server on %s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	g := SetupRouter(conf, store, inbox)
	return g.Run(fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort))
}
