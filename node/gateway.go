package node

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/teleportal-io/teleportal/server"
	"github.com/teleportal-io/teleportal/transport/ws"
)

// gatewayService exposes the websocket sync endpoint and feeds accepted
// connections into the sync server.
type gatewayService struct {
	sync           *server.Server
	maxMessageSize int64
	server         *http.Server
	failStatus     error
}

func newGateway(addr string, sync *server.Server, maxMessageSize int64) *gatewayService {
	g := &gatewayService{sync: sync, maxMessageSize: maxMessageSize}
	router := mux.NewRouter()
	router.HandleFunc("/sync", g.syncHandler)
	g.server = &http.Server{Addr: addr, Handler: router}
	return g
}

func (g *gatewayService) syncHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Upgrade(w, r, g.maxMessageSize)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.WithError(err).WithField("remote", r.RemoteAddr).Debug("Websocket upgrade failed")
		return
	}
	meta := server.ConnectionMetadata{RemoteAddr: r.RemoteAddr, Header: r.Header}
	if err := g.sync.HandleConnection(conn, meta); err != nil {
		log.WithError(err).WithField("remote", r.RemoteAddr).Info("Connection rejected")
	}
}

// Start begins serving websocket upgrades in the background.
func (g *gatewayService) Start() {
	log.WithField("endpoint", g.server.Addr).Info("Serving websocket sync endpoint")
	go func() {
		err := g.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Errorf("Could not listen on %s", g.server.Addr)
			g.failStatus = err
		}
	}()
}

// Stop shuts the listener down; live sessions are closed by the sync server.
func (g *gatewayService) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return g.server.Shutdown(ctx)
}

// Status checks for any service failure conditions.
func (g *gatewayService) Status() error {
	return g.failStatus
}
