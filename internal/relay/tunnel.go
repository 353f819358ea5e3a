package relay

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DragonSecurity/ferry/pkg/bare"
)

const tunnelConnectTimeout = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 14,
	WriteBufferSize: 1 << 14,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveTunnel upgrades the caller and opens a paired connection to the real
// target, then relays frames both ways until either side closes.
func (h *handler) serveTunnel(w http.ResponseWriter, r *http.Request) {
	target, reqErr := resolveTarget(r)
	if reqErr != nil {
		bare.WriteError(w, http.StatusBadRequest, reqErr)
		return
	}
	headers, reqErr := sidecarHeaders(r)
	if reqErr != nil {
		bare.WriteError(w, http.StatusBadRequest, reqErr)
		return
	}

	switch target.Scheme {
	case "http":
		target.Scheme = "ws"
	case "https":
		target.Scheme = "wss"
	}

	// Accept the caller first: it must not block on target availability.
	caller, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("ws upgrade: %v", err)
		return
	}

	dialHeader := http.Header{}
	for k, v := range headers {
		if bare.IsConnectionHeader(k) {
			continue
		}
		dialHeader.Set(k, v)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: tunnelConnectTimeout,
		ReadBufferSize:   1 << 14,
		WriteBufferSize:  1 << 14,
	}
	remote, resp, err := dialer.DialContext(r.Context(), target.String(), dialHeader)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		h.log.Errorf("tunnel dial %s: %v (status=%d)", target, err, status)
		closeWith(caller, websocket.CloseInternalServerErr, "target connect failed")
		_ = caller.Close()
		return
	}

	metricActiveTunnels.Inc()
	defer metricActiveTunnels.Dec()
	h.log.Infof("tunnel open: %s", target)

	bridge(caller, remote)
	h.log.Infof("tunnel closed: %s", target)
}

// bridge relays frames between the two sockets with no transformation,
// propagating close code and reason from either side to the other. Both
// sockets are closed before it returns.
func bridge(a, b *websocket.Conn) {
	a.SetPingHandler(forwardControl(websocket.PingMessage, b))
	b.SetPingHandler(forwardControl(websocket.PingMessage, a))
	a.SetPongHandler(forwardControl(websocket.PongMessage, b))
	b.SetPongHandler(forwardControl(websocket.PongMessage, a))

	done := make(chan struct{}, 2)
	go func() { pump(a, b); done <- struct{}{} }()
	go func() { pump(b, a); done <- struct{}{} }()
	<-done

	_ = a.Close()
	_ = b.Close()
	<-done
}

// pump copies frames from src to dst until src fails, then mirrors src's
// close state onto dst. An error that is not a close frame becomes a
// generic 1011 close.
func pump(src, dst *websocket.Conn) {
	for {
		mtype, buf, err := src.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				code := ce.Code
				if code == websocket.CloseNoStatusReceived {
					code = websocket.CloseNormalClosure
				}
				closeWith(dst, code, ce.Text)
			} else {
				closeWith(dst, websocket.CloseInternalServerErr, "relay error")
			}
			return
		}
		if err := dst.WriteMessage(mtype, buf); err != nil {
			closeWith(src, websocket.CloseInternalServerErr, "relay error")
			return
		}
	}
}

func closeWith(c *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
}

func forwardControl(messageType int, dest *websocket.Conn) func(string) error {
	return func(appData string) error {
		return dest.WriteControl(messageType, []byte(appData), time.Now().Add(5*time.Second))
	}
}
