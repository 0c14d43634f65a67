package console

import (
	"context"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// wsReadWriter adapts a *websocket.Conn into an io.Reader/io.Writer pair
// so a remote-attach session can drive the same dispatch loop as the
// stdin console, line by line over text frames.
type wsReadWriter struct {
	conn *websocket.Conn
	buf  []byte
}

func (w *wsReadWriter) Read(p []byte) (int, error) {
	for len(w.buf) == 0 {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		w.buf = append(data, '\n')
	}
	n := copy(p, w.buf)
	w.buf = w.buf[n:]
	return n, nil
}

func (w *wsReadWriter) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The registry console is an operator tool bound to a trusted
	// management network, not a browser-facing endpoint; cross-origin
	// checks don't apply the way they would for a public API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RemoteAttachHandler upgrades an HTTP connection to a websocket and
// drives an independent Console session over it — its own prompt state
// and stop channel, sharing only the read-mostly Deps with the primary
// stdin console (§6 "operator console", SPEC_FULL remote-attach
// wiring for github.com/gorilla/websocket).
func RemoteAttachHandler(deps Deps, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("console: websocket upgrade failed")
			return
		}
		defer conn.Close()

		rw := &wsReadWriter{conn: conn}
		sess := New(deps, log, rw)
		sess.Run(context.Background(), io.Reader(rw))
	}
}
