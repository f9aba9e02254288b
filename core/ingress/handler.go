package ingress

import (
	"crypto/subtle"
	"errors"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/vkcom/engine-go/srvfunc"

	"github.com/vkcom/chproxy/core/clickhouse"
	"github.com/vkcom/chproxy/core/inmem"
	"github.com/vkcom/chproxy/core/kittenerror"
)

const (
	LivenessPath = "/v1/liveness"

	ErrCodeUnauthorized = 401
	ErrCodeWrongQuery   = 400
	ErrCodeInternal     = 500

	insertPrefix = "insert into"
	queryParam   = "query"
)

var (
	errUnauthorized = kittenerror.NewCustom(ErrCodeUnauthorized, "unauthorized", "")
	errWrongQuery   = kittenerror.NewCustom(ErrCodeWrongQuery, "wrong query", "")
	errInternal     = kittenerror.NewCustom(ErrCodeInternal, "internal server error", "")
)

type (
	// Config for Handler
	Config struct {
		Credentials  string // "user:password", must arrive as basic auth
		MaxBatchSize int
	}

	// Handler accepts INSERTs and puts them into the buffer. 200 means that rows
	// were accepted into buffer, not that they were written to ClickHouse.
	Handler struct {
		authorization []byte
		maxBatchSize  int
		store         *inmem.Store
		flusher       *inmem.Flusher
		log           zerolog.Logger
	}
)

// NewHandler creates Handler. Zero MaxBatchSize means flusher's one.
func NewHandler(conf Config, store *inmem.Store, flusher *inmem.Flusher, log zerolog.Logger) *Handler {
	maxBatchSize := conf.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = flusher.Conf().MaxBatchSize
	}

	return &Handler{
		authorization: []byte(clickhouse.BasicAuthorization(conf.Credentials)),
		maxBatchSize:  maxBatchSize,
		store:         store,
		flusher:       flusher,
		log:           log,
	}
}

// HandleRequest is fasthttp.RequestHandler.
func (h *Handler) HandleRequest(ctx *fasthttp.RequestCtx) {
	defer srvfunc.Gorecover(func(stack string) {
		h.log.Error().Str("uri", string(ctx.RequestURI())).Str("stack", stack).Msg("panic in request handler")
		h.writeError(ctx, errInternal)
	})

	if string(ctx.Path()) == LivenessPath {
		requestsTotal.WithLabelValues("liveness").Inc()
		ctx.SetContentType("text/plain")
		ctx.WriteString("I'm alive")
		return
	}

	if err := h.handleInsert(ctx); err != nil {
		h.writeError(ctx, err)
		return
	}

	requestsTotal.WithLabelValues("ok").Inc()
	ctx.SetContentType("text/plain")
	ctx.WriteString("ok")
}

func (h *Handler) authorized(ctx *fasthttp.RequestCtx) bool {
	got := ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)
	return subtle.ConstantTimeCompare(got, h.authorization) == 1
}

func queryParams(ctx *fasthttp.RequestCtx) url.Values {
	params := make(url.Values)
	ctx.QueryArgs().VisitAll(func(k, v []byte) {
		params.Add(string(k), string(v))
	})
	return params
}

func isInsert(query string) bool {
	return len(query) >= len(insertPrefix) && strings.EqualFold(query[:len(insertPrefix)], insertPrefix)
}

// SplitRows splits body into rows. Every "\n" separates two rows, so a body
// ending with newline produces an empty last row which is forwarded as is.
func SplitRows(body []byte) []string {
	return strings.Split(string(body), "\n")
}

func (h *Handler) handleInsert(ctx *fasthttp.RequestCtx) error {
	if !h.authorized(ctx) {
		return errUnauthorized
	}

	params := queryParams(ctx)
	if query := params.Get(queryParam); !isInsert(query) {
		return errWrongQuery.WithDescr(query)
	}

	key := inmem.DeriveKey(params)
	dstParams := inmem.DestinationParams(params)
	rows := SplitRows(ctx.PostBody())

	size := h.store.AppendOrCreate(key, rows, dstParams)
	rowsBufferedTotal.Add(float64(len(rows)))

	if size >= h.maxBatchSize {
		// the batch is discarded on failure anyway, error is logged by flusher
		h.flusher.Flush(key)
	}

	return nil
}

func (h *Handler) writeError(ctx *fasthttp.RequestCtx, err error) {
	var c *kittenerror.Custom
	if !errors.As(err, &c) {
		c = errInternal
	}

	code := int(c.GetCode())
	requestsTotal.WithLabelValues(statusLabel(code)).Inc()
	if code == ErrCodeInternal {
		h.log.Error().Err(err).Msg("request failed")
	} else {
		h.log.Debug().Str("descr", c.GetDescr()).Str("remote_addr", ctx.RemoteAddr().String()).Msg("request rejected")
	}

	ctx.Response.ResetBody()
	ctx.SetStatusCode(code)
	ctx.SetContentType("text/plain")
	ctx.WriteString(c.GetResp())
}
