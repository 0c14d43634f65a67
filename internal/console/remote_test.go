package console

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fulcrum-net/registry-service/internal/bus"
	"github.com/fulcrum-net/registry-service/internal/catalog"
	"github.com/fulcrum-net/registry-service/internal/identity"
	"github.com/fulcrum-net/registry-service/internal/provisioning"
	"github.com/fulcrum-net/registry-service/internal/registry"
	"github.com/fulcrum-net/registry-service/internal/routing"
	"github.com/fulcrum-net/registry-service/internal/scheduler"
	"github.com/fulcrum-net/registry-service/internal/shutdown"
	"github.com/fulcrum-net/registry-service/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteAttachHandlerEchoesHelpOverWebsocket(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	entry := log.WithField("test", true)

	executor := scheduler.NewExecutor(4)
	defer executor.Shutdown(time.Second)
	b := bus.New(transport.NewMemory(), executor, "test", entry)
	allocator := identity.NewAllocator()
	proxies := registry.NewProxyRegistry(allocator)
	backends := registry.NewBackendRegistry(allocator)
	cat := catalog.New(backends)
	prov := provisioning.New(b, cat, backends, entry)
	routingSvc := routing.New(b, prov, entry)
	shutdownMgr := shutdown.New(b, proxies, backends, entry)

	deps := Deps{
		Proxies: proxies, Backends: backends, Allocator: allocator, Catalog: cat,
		Routing: routingSvc, Provisioning: prov, Shutdown: shutdownMgr, Bus: b,
	}

	server := httptest.NewServer(RemoteAttachHandler(deps, entry))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("help")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var gotHelp bool
	for i := 0; i < 5; i++ {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if strings.Contains(string(data), "locateplayer") {
			gotHelp = true
			break
		}
	}
	assert.True(t, gotHelp, "expected the help text to be echoed back over the websocket")
}
