// Package gateway is the HTTP surface SmythFS resource/temp URLs are served
// through (spec.md §4.5/§6: "genResourceUrl ... returns a stable,
// extension-preserving URL serving the object through the agent's public
// domain"). It is grounded directly on the teacher's internal/server/server.go
// New: same ada.Server, same middleware stack (recover, server, cors,
// requestid, log, telemetry) and the same mux.Group(basePath) convention —
// narrowed from the teacher's full provider/workflow/trigger/token gateway
// down to the one thing this runtime's external interface actually names.
package gateway

import (
	"context"
	"net"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/smythfs"
	"github.com/rakunlabs/at/pkg/mcp"
)

// Server is the ada-backed HTTP gateway.
type Server struct {
	cfg    config.Server
	server *ada.Server
}

// Routes mounts one or more route sets onto the gateway's base group, for
// callers that need more than SmythFS's two endpoints (e.g. a health check).
type Routes interface {
	RegisterRoutes(group smythfs.RouteGroup)
}

// New builds a gateway serving fs's resource/temp endpoints under
// cfg.BasePath, with the teacher's standard middleware stack. mcpServer,
// when non-nil, is additionally mounted at POST cfg.BasePath+"/mcp" (the
// same mux.Group().POST(...) convention the teacher's gatewayGroup uses
// for its single chat-completions route).
func New(cfg config.Server, serviceName string, fs *smythfs.FS, mcpServer *mcp.MCP, extra ...Routes) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(serviceName),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	base := mux.Group(cfg.BasePath)
	fs.RegisterRoutes(base)
	for _, r := range extra {
		r.RegisterRoutes(base)
	}
	if mcpServer != nil {
		base.POST("/mcp", mcpServer.ServeHTTP)
	}

	return &Server{cfg: cfg, server: mux}
}

// Start serves until ctx is canceled, the same StartWithContext call the
// teacher's Server.Start makes.
func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.cfg.Host, s.cfg.Port))
}
