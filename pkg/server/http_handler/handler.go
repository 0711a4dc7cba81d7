package http_handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pmkol/secdata/pkg/cache"
	"github.com/pmkol/secdata/pkg/edgar"
	"github.com/pmkol/secdata/pkg/errkind"
	"github.com/pmkol/secdata/pkg/industry"
	"github.com/pmkol/secdata/pkg/statements"
)

var nopLogger = zap.NewNop()

const (
	requestIDHeader    = "X-Request-ID"
	defaultFilingLimit = 10
	// statusClientClosed is the nginx convention for a client that went
	// away before the response was ready.
	statusClientClosed = 499
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// Resolver is implemented by *edgar.Client.
type Resolver interface {
	LookupTicker(ctx context.Context, symbol string) (edgar.Ticker, error)
	ResolveCIK(ctx context.Context, cikOrTicker string) (string, error)
	Submissions(ctx context.Context, cik string) (*edgar.Submissions, error)
	Facts(ctx context.Context, cik string) (*edgar.Facts, error)
	Concept(ctx context.Context, cik, taxonomy, tag string) (*edgar.Concept, error)
	Frames(ctx context.Context, taxonomy, tag, unit string, p edgar.Period) (*edgar.Frame, error)
}

// Analyzer is implemented by *industry.Analyzer.
type Analyzer interface {
	ComparePeers(ctx context.Context, target string, peers []string, metric string, p edgar.Period) (*industry.Comparison, error)
	CompanyPosition(ctx context.Context, cik string, p edgar.Period, metrics []string) ([]industry.Position, error)
	TopCompanies(ctx context.Context, metric string, p edgar.Period, n int) ([]industry.Ranked, error)
}

// StatementBuilder is implemented by *statements.Processor.
type StatementBuilder interface {
	Statements(ctx context.Context, cik string, kinds []statements.Kind, p edgar.Period, n int) ([]*statements.Statement, error)
}

type HandlerOpts struct {
	Resolver   Resolver         // required
	Analyzer   Analyzer         // required
	Statements StatementBuilder // required
	Cache      cache.Backend    // required
	Logger     *zap.Logger
}

func (opts *HandlerOpts) Init() error {
	if opts.Resolver == nil {
		return errors.New("nil resolver")
	}
	if opts.Analyzer == nil {
		return errors.New("nil analyzer")
	}
	if opts.Statements == nil {
		return errors.New("nil statement builder")
	}
	if opts.Cache == nil {
		return errors.New("nil cache")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Handler is the REST api. Every request context is passed down to the
// resolvers, so a client that disconnects stops waiting on the provider.
type Handler struct {
	opts   HandlerOpts
	router *gin.Engine
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	h := &Handler{opts: opts, router: gin.New()}
	h.router.Use(gin.Recovery(), h.requestID, h.accessLog)
	h.setupRoutes()
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) setupRoutes() {
	h.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	v1 := h.router.Group("/api/v1")
	v1.GET("/tickers/:symbol", h.getTicker)
	v1.GET("/companies/:cik", h.getCompany)
	v1.GET("/companies/:cik/facts", h.getFacts)
	v1.GET("/companies/:cik/concepts/:taxonomy/:tag", h.getConcept)
	v1.GET("/companies/:cik/peers", h.comparePeers)
	v1.GET("/companies/:cik/position", h.companyPosition)
	v1.GET("/companies/:cik/statements", h.getStatements)
	v1.GET("/frames/:taxonomy/:tag/:unit/:period", h.getFrames)
	v1.GET("/rankings/:metric", h.topCompanies)
	v1.DELETE("/cache", h.clearCache)
}

func (h *Handler) requestID(c *gin.Context) {
	id := c.GetHeader(requestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	c.Set("request_id", id)
	c.Header(requestIDHeader, id)
	c.Next()
}

func (h *Handler) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.opts.Logger.Debug("api request",
		zap.String("request_id", c.GetString("request_id")),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("elapsed", time.Since(start)))
}

// StatusOf maps an error kind to the http status returned to api clients.
func StatusOf(err error) int {
	switch errkind.KindOf(err) {
	case errkind.Validation:
		return http.StatusBadRequest
	case errkind.NotFound:
		return http.StatusNotFound
	case errkind.RateLimited:
		return http.StatusTooManyRequests
	case errkind.Transient, errkind.Parse, errkind.Client:
		return http.StatusBadGateway
	case errkind.Canceled:
		return statusClientClosed
	case errkind.Cache:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := StatusOf(err)
	kind := errkind.KindOf(err)
	if status >= 500 {
		h.opts.Logger.Warn("api request failed",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":      err.Error(),
		"kind":       kind.String(),
		"request_id": c.GetString("request_id"),
	})
}

func (h *Handler) queryPeriod(c *gin.Context) (edgar.Period, error) {
	s := c.Query("period")
	if s == "" {
		return edgar.Period{}, errkind.Validationf("query", "missing period, e.g. period=CY2023")
	}
	return edgar.ParsePeriod(s)
}

func (h *Handler) cik(c *gin.Context) (string, error) {
	return h.opts.Resolver.ResolveCIK(c.Request.Context(), c.Param("cik"))
}

func (h *Handler) getTicker(c *gin.Context) {
	t, err := h.opts.Resolver.LookupTicker(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) getCompany(c *gin.Context) {
	cik, err := h.cik(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	s, err := h.opts.Resolver.Submissions(c.Request.Context(), cik)
	if err != nil {
		h.fail(c, err)
		return
	}
	limit := defaultFilingLimit
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			h.fail(c, errkind.Validationf("query", "invalid limit %q", v))
			return
		}
	}
	var forms []string
	if v := c.Query("forms"); v != "" {
		forms = strings.Split(v, ",")
	}
	c.JSON(http.StatusOK, s.Company(limit, forms...))
}

func (h *Handler) getFacts(c *gin.Context) {
	cik, err := h.cik(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	f, err := h.opts.Resolver.Facts(c.Request.Context(), cik)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *Handler) getConcept(c *gin.Context) {
	cik, err := h.cik(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	concept, err := h.opts.Resolver.Concept(c.Request.Context(), cik, c.Param("taxonomy"), c.Param("tag"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, concept)
}

func (h *Handler) getFrames(c *gin.Context) {
	p, err := edgar.ParsePeriod(c.Param("period"))
	if err != nil {
		h.fail(c, err)
		return
	}
	f, err := h.opts.Resolver.Frames(c.Request.Context(), c.Param("taxonomy"), c.Param("tag"), c.Param("unit"), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *Handler) comparePeers(c *gin.Context) {
	cik, err := h.cik(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	p, err := h.queryPeriod(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var peers []string
	if v := c.Query("peers"); v != "" {
		peers = strings.Split(v, ",")
	}
	if len(peers) == 0 {
		h.fail(c, errkind.Validationf("query", "missing peers, e.g. peers=320193,789019"))
		return
	}
	metric := c.DefaultQuery("metric", "Assets")
	cmp, err := h.opts.Analyzer.ComparePeers(c.Request.Context(), cik, peers, metric, p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}

func (h *Handler) companyPosition(c *gin.Context) {
	cik, err := h.cik(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	p, err := h.queryPeriod(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var metrics []string
	if v := c.Query("metrics"); v != "" {
		metrics = strings.Split(v, ",")
	}
	pos, err := h.opts.Analyzer.CompanyPosition(c.Request.Context(), cik, p, metrics)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cik": cik, "positions": pos})
}

func (h *Handler) getStatements(c *gin.Context) {
	cik, err := h.cik(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	p, err := h.queryPeriod(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	kinds, err := statements.ParseKind(c.Query("type"))
	if err != nil {
		h.fail(c, err)
		return
	}
	n := 0
	if v := c.Query("periods"); v != "" {
		if n, err = strconv.Atoi(v); err != nil {
			h.fail(c, errkind.Validationf("query", "invalid periods %q", v))
			return
		}
	}
	ss, err := h.opts.Statements.Statements(c.Request.Context(), cik, kinds, p, n)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cik": cik, "statements": ss})
}

func (h *Handler) topCompanies(c *gin.Context) {
	p, err := h.queryPeriod(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	n := 0
	if v := c.Query("n"); v != "" {
		if n, err = strconv.Atoi(v); err != nil {
			h.fail(c, errkind.Validationf("query", "invalid n %q", v))
			return
		}
	}
	top, err := h.opts.Analyzer.TopCompanies(c.Request.Context(), c.Param("metric"), p, n)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metric": c.Param("metric"), "period": p.Label(), "companies": top})
}

func (h *Handler) clearCache(c *gin.Context) {
	pattern := c.Query("pattern")
	n, err := h.opts.Cache.Invalidate(c.Request.Context(), pattern)
	if err != nil {
		h.fail(c, &errkind.Error{Kind: errkind.Cache, Op: "invalidate", Err: err})
		return
	}
	h.opts.Logger.Info("cache invalidated", zap.String("pattern", pattern), zap.Int("removed", n))
	c.JSON(http.StatusOK, gin.H{"pattern": pattern, "removed": n})
}
