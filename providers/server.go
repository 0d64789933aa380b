// Package providers exposes the hub over HTTP: the WebSocket upgrade
// endpoint with handshake authentication, and a small info route.
package providers

import (
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/gridwatch/realtime/src/auth"
	"github.com/gridwatch/realtime/src/hub"
	"github.com/gridwatch/realtime/src/service"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

var upgrader = websocket.FastHTTPUpgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server binds the hub, monitoring service, and handshake resolver to
// the HTTP layer.
type Server struct {
	hub      *hub.Hub
	service  *service.Service
	resolver auth.Resolver
	logger   zerolog.Logger
}

// NewServer creates the HTTP provider.
func NewServer(h *hub.Hub, svc *service.Service, resolver auth.Resolver, logger zerolog.Logger) *Server {
	return &Server{
		hub:      h,
		service:  svc,
		resolver: resolver,
		logger:   logger.With().Str("component", "ws-server").Logger(),
	}
}

// RegisterRoutes registers the WebSocket info route via Fiber. The
// actual WebSocket upgrade uses FastHTTPHandler, registered at the app
// level since Fiber v3 does not expose *fasthttp.RequestCtx.
func (s *Server) RegisterRoutes(group fiber.Router) {
	group.Get("/ws/info", s.handleInfo)
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	reg := s.hub.Registry()
	return c.JSON(fiber.Map{
		"websocket":      true,
		"endpoint":       "/ws",
		"connections":    reg.Count(),
		"activeElements": reg.SubscribedElements(),
	})
}

// FastHTTPHandler returns a raw fasthttp handler for WebSocket upgrades.
// Register this on the fasthttp server at the "/ws" path.
func (s *Server) FastHTTPHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		// Authenticate before upgrading; a rejected handshake never
		// registers a connection.
		identity, err := s.resolver.Resolve(ctx, bearerToken(ctx))
		if err != nil {
			s.logger.Warn().Err(err).Msg("handshake rejected")
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			ctx.SetBodyString(`{"error":"authentication_failed","message":"invalid or missing credentials"}`)
			return
		}

		connectionID := uuid.New().String()
		err = upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			client := hub.NewClient(connectionID, &fasthttpConn{conn: conn}, s.hub)
			if attachErr := s.hub.Attach(client, identity.UserID, identity.Role); attachErr != nil {
				s.logger.Error().Err(attachErr).Str("connection_id", connectionID).Msg("attach failed")
				conn.Close()
				return
			}
			s.service.ConfirmConnection(connectionID)
			go client.WritePump()
			client.ReadPump()
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// bearerToken pulls the credential from the Authorization header or the
// token query parameter (browser WebSocket APIs cannot set headers).
func bearerToken(ctx *fasthttp.RequestCtx) string {
	header := string(ctx.Request.Header.Peek("Authorization"))
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return string(ctx.QueryArgs().Peek("token"))
}

// fasthttpConn wraps fasthttp/websocket.Conn to satisfy types.Conn and
// types.Pinger.
type fasthttpConn struct {
	conn *websocket.Conn
}

func (f *fasthttpConn) WriteJSON(v any) error { return f.conn.WriteJSON(v) }
func (f *fasthttpConn) ReadJSON(v any) error  { return f.conn.ReadJSON(v) }
func (f *fasthttpConn) Close() error          { return f.conn.Close() }

// Ping probes the peer with a control frame so the liveness monitor can
// confirm a suspect connection.
func (f *fasthttpConn) Ping() error {
	return f.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}
