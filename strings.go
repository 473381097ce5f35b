package tremolo

var (
	strCRLF       = []byte("\r\n")
	strChunkedEnd = []byte("0\r\n\r\n")
	strHTTP11     = []byte("HTTP/1.1")
	strHTTP10     = []byte("HTTP/1.0")

	strGET  = []byte("GET")
	strHEAD = []byte("HEAD")
	strPOST = []byte("POST")

	strConnection       = []byte("Connection")
	strContentLength    = []byte("Content-Length")
	strContentType      = []byte("Content-Type")
	strTransferEncoding = []byte("Transfer-Encoding")
	strDate             = []byte("Date")
	strServer           = []byte("Server")
	strHost             = []byte("Host")
	strExpect           = []byte("Expect")
	strUpgrade          = []byte("Upgrade")
	strCacheControl     = []byte("Cache-Control")

	strKeepAlive   = []byte("keep-alive")
	strClose       = []byte("close")
	strChunked     = []byte("chunked")
	str100Continue = []byte("100-continue")

	strMultipart          = []byte("multipart/")
	strBoundary           = []byte("boundary")
	strName               = []byte("name")
	strFileName           = []byte("filename")
	strDashDash           = []byte("--")
	strContentDisposition = []byte("Content-Disposition")

	strWebSocket          = []byte("websocket")
	strSecWebSocketKey    = []byte("Sec-WebSocket-Key")
	strSecWebSocketAccept = []byte("Sec-WebSocket-Accept")

	strContinueResponse = []byte("HTTP/1.1 100 Continue\r\n\r\n")

	strTextPlain = []byte("text/plain; charset=utf-8")

	strEventStream = []byte("text/event-stream")

	strDefaultServerName = []byte("tremolo")
)

// websocketGUID is the fixed key suffix from RFC 6455 section 1.3.
var websocketGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")
