package tremolo

import (
	"github.com/valyala/fasthttp"
)

// AdaptHandler lets a fasthttp.RequestHandler serve behind this engine.
// The request body is buffered before the handler runs, bounded by the
// configured body size limit, so streaming uploads should use a native
// Handler instead. The response body is taken over as one buffer; its
// size is known, so it goes out with a Content-Length.
func AdaptHandler(h fasthttp.RequestHandler) Handler {
	return func(ctx *RequestCtx) {
		var freq fasthttp.Request

		freq.Header.SetMethodBytes(ctx.Request.Method())
		freq.SetRequestURIBytes(ctx.Request.RequestURI())
		ctx.Request.Header.Visit(func(k, v []byte) {
			freq.Header.AddBytesKV(k, v)
		})

		if ctx.Request.HasBody() {
			body, err := ctx.Request.Body().Bytes()
			if err != nil {
				// the engine maps the body error to its status
				return
			}
			freq.SetBodyRaw(body)
		}

		var fctx fasthttp.RequestCtx
		fctx.Init(&freq, ctx.RemoteAddr(), ctx.Logger())

		h(&fctx)

		res := &ctx.Response
		_ = res.SetStatus(fctx.Response.StatusCode())

		fctx.Response.Header.VisitAll(func(k, v []byte) {
			// framing and lifetime headers stay with the engine
			if equalFold(k, strConnection) ||
				equalFold(k, strContentLength) ||
				equalFold(k, strTransferEncoding) {
				return
			}
			res.Header.AddBytes(k, v)
		})

		if fctx.Response.ConnectionClose() {
			res.SetConnectionClose()
		}

		_ = res.SetBody(fctx.Response.Body())
	}
}
