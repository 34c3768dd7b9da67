// CLAUDE:SUMMARY MCP-over-QUIC listener — validates ALPN and the stream preamble, then runs each connection as one MCP session.
package mcpquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"

	"github.com/hazyhaar/relais/internal/idgen"
	"github.com/hazyhaar/relais/internal/kit"
)

// Listener accepts MCP-over-QUIC connections and dispatches each to a
// shared MCP server. One connection carries one session on one stream.
type Listener struct {
	listener *quic.Listener
	mcpSrv   *mcp.Server
	logger   *slog.Logger
	newID    idgen.Generator
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithIDGenerator sets a custom generator for session IDs.
func WithIDGenerator(gen idgen.Generator) ListenerOption {
	return func(l *Listener) { l.newID = gen }
}

// NewListener binds addr and prepares to serve mcpSrv over QUIC.
func NewListener(addr string, tlsCfg *tls.Config, mcpSrv *mcp.Server, logger *slog.Logger, opts ...ListenerOption) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l, err := quic.ListenAddr(addr, tlsCfg, ProductionQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("mcpquic: listen %s: %w", addr, err)
	}
	ln := &Listener{
		listener: l,
		mcpSrv:   mcpSrv,
		logger:   logger,
		newID:    idgen.Prefixed("quic_", idgen.Default),
	}
	for _, opt := range opts {
		opt(ln)
	}
	logger.Info("mcp quic listener ready", "addr", l.Addr().String())
	return ln, nil
}

// Addr returns the bound UDP address.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Serve accepts connections until ctx is canceled or the listener closes.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("quic accept", "error", err)
			continue
		}
		if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != ALPNProtocolMCP {
			conn.CloseWithError(ConnErrorUnsupportedALPN, "unsupported ALPN: "+alpn)
			continue
		}
		go l.serveConn(ctx, conn)
	}
}

// Close stops accepting. Live sessions end when their streams close.
func (l *Listener) Close() error {
	return l.listener.Close()
}

func (l *Listener) serveConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.logger.Error("mcp accept stream", "remote", remote, "error", err)
		conn.CloseWithError(ConnErrorProtocolViolation, "stream accept failed")
		return
	}
	if err := ValidateMagicBytes(stream); err != nil {
		l.logger.Error("mcp preamble rejected", "remote", remote, "error", err)
		stream.CancelWrite(StreamErrorProtocolConfusion)
		stream.CancelRead(StreamErrorProtocolConfusion)
		conn.CloseWithError(ConnErrorProtocolViolation, "invalid magic bytes")
		return
	}

	sessionID := l.newID()
	ctx = kit.WithTransport(ctx, "mcp_quic")
	ctx = kit.WithSessionID(ctx, sessionID)
	ctx = kit.WithRemoteAddr(ctx, remote)

	// The SDK owns the JSON-RPC loop from here; Wait unblocks when the
	// client disconnects or the stream dies.
	ss, err := l.mcpSrv.Connect(ctx, &serverTransport{stream: stream, sessionID: sessionID}, nil)
	if err != nil {
		l.logger.Error("mcp connect", "session", sessionID, "error", err)
		stream.Close()
		return
	}
	l.logger.Info("mcp session started", "session", sessionID, "remote", remote)
	if err := ss.Wait(); err != nil {
		l.logger.Debug("mcp session wait", "session", sessionID, "error", err)
	}
	l.logger.Info("mcp session ended", "session", sessionID, "remote", remote)
}

// serverTransport adapts one QUIC stream to the SDK's Transport interface.
type serverTransport struct {
	stream    *quic.Stream
	sessionID string
}

func (t *serverTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	iot := &mcp.IOTransport{
		Reader: io.NopCloser(t.stream),
		Writer: streamWriteCloser{t.stream},
	}
	conn, err := iot.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &sessionConn{Connection: conn, id: t.sessionID}, nil
}

// sessionConn overrides the underlying conn's empty session ID.
type sessionConn struct {
	mcp.Connection
	id string
}

func (c *sessionConn) SessionID() string { return c.id }

// streamWriteCloser adapts a *quic.Stream to io.WriteCloser.
type streamWriteCloser struct{ stream *quic.Stream }

func (w streamWriteCloser) Write(p []byte) (int, error) { return w.stream.Write(p) }
func (w streamWriteCloser) Close() error                { return w.stream.Close() }
