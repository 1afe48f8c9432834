// Package gateway admits web console clients. A client connects over a
// websocket, declares itself in one auth_request frame, and waits while the
// local operator decides. Approval mints a token and a session; anything else
// closes the socket with a "try again later" reason.
package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"plainpair/approval"
	"plainpair/models"
	"plainpair/network"
	"plainpair/storage"
)

const (
	DefaultApprovalTimeout = 60 * time.Second
	DefaultAuthTimeout     = 10 * time.Second
	DefaultPingInterval    = 20 * time.Second
	DefaultWriteTimeout    = 5 * time.Second

	tokenBytes      = 32
	maxClientField  = 64
	noticeBuffer    = 32
	maxAuthFrameLen = 4 << 10
)

var ErrUnknownSession = errors.New("gateway: unknown session")

// AuditLog records refused and revoked sessions. *storage.Store satisfies it.
type AuditLog interface {
	RecordSecurityEvent(eventType, peerDeviceID, severity string, details map[string]any) error
}

// Options configures a Gateway.
type Options struct {
	ApprovalTimeout time.Duration
	// AuthTimeout bounds how long a new socket may take to send auth_request.
	AuthTimeout  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	// CheckOrigin defaults to allowing any origin; the operator prompt is
	// the gate.
	CheckOrigin func(r *http.Request) bool
	Audit       AuditLog
	Now         func() time.Time
	Logger      zerolog.Logger
}

// NoticeKind says what happened to a client.
type NoticeKind string

const (
	NoticeApproved NoticeKind = "approved"
	NoticeDenied   NoticeKind = "denied"
	NoticeRevoked  NoticeKind = "revoked"
	NoticeClosed   NoticeKind = "closed"
)

// Notice is a confirmation for the operator. Client holds whatever the
// client declared and is for display only.
type Notice struct {
	Kind      NoticeKind
	RequestID string
	ClientID  string
	ClientIP  string
	Client    models.ClientInfo
	At        time.Time
}

// AuthPrompt is a console client waiting for the operator.
type AuthPrompt = approval.Pending[models.AuthRequest, *WebSession]

// Gateway turns anonymous console sockets into approved sessions.
type Gateway struct {
	upgrader     websocket.Upgrader
	channel      *approval.Channel[models.AuthRequest, *WebSession]
	audit        AuditLog
	authTimeout  time.Duration
	pingInterval time.Duration
	writeTimeout time.Duration
	now          func() time.Time
	log          zerolog.Logger

	mu       sync.RWMutex
	waiting  map[string]*connection
	sessions map[string]*WebSession

	notices chan Notice
}

// New creates a gateway.
func New(options Options) *Gateway {
	approvalTimeout := options.ApprovalTimeout
	if approvalTimeout <= 0 {
		approvalTimeout = DefaultApprovalTimeout
	}
	authTimeout := options.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = DefaultAuthTimeout
	}
	pingInterval := options.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	writeTimeout := options.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	checkOrigin := options.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	return &Gateway{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: authTimeout,
			CheckOrigin:      checkOrigin,
		},
		channel: approval.NewChannel[models.AuthRequest, *WebSession](approval.Options{
			Timeout: approvalTimeout,
			Now:     now,
		}),
		audit:        options.Audit,
		authTimeout:  authTimeout,
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		now:          now,
		log:          options.Logger.With().Str("component", "gateway").Logger(),
		waiting:      make(map[string]*connection),
		sessions:     make(map[string]*WebSession),
		notices:      make(chan Notice, noticeBuffer),
	}
}

// Prompts delivers console clients awaiting Approve or Deny.
func (g *Gateway) Prompts() <-chan *AuthPrompt {
	return g.channel.Prompts()
}

// Notices delivers approve, deny and revoke confirmations.
func (g *Gateway) Notices() <-chan Notice {
	return g.notices
}

// ServeHTTP upgrades the request and runs the auth handshake.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn := newConnection(ws, g.writeTimeout)

	frame, err := g.readAuthFrame(ws)
	if err != nil {
		g.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("console auth frame rejected")
		_ = conn.writeJSON(network.ErrorMessage{
			Type:      network.TypeError,
			Code:      network.CodeBadRequest,
			Message:   "auth_request expected",
			Timestamp: g.now().UnixMilli(),
		})
		conn.close(websocket.ClosePolicyViolation, "auth_request expected")
		return
	}

	g.onAuthRequest(conn, clientIP(r), frame)
}

func (g *Gateway) readAuthFrame(ws *websocket.Conn) (network.AuthRequestFrame, error) {
	var frame network.AuthRequestFrame

	ws.SetReadLimit(maxAuthFrameLen)
	_ = ws.SetReadDeadline(time.Now().Add(g.authTimeout))
	messageType, raw, err := ws.ReadMessage()
	if err != nil {
		return frame, err
	}
	if messageType != websocket.TextMessage {
		return frame, network.ErrInvalidMessageType
	}
	kind, err := network.DecodeMessageType(raw)
	if err != nil {
		return frame, err
	}
	if kind != network.TypeAuthRequest {
		return frame, fmt.Errorf("%w: %q", network.ErrInvalidMessageType, kind)
	}
	if err := network.DecodeJSON(bytes.NewReader(raw), &frame); err != nil {
		return frame, err
	}
	ws.SetReadLimit(network.MaxBodySize)
	return frame, nil
}

// onAuthRequest holds conn until the operator decides or the socket drops.
// clientIP must come from the transport, never from the frame.
func (g *Gateway) onAuthRequest(conn *connection, clientIP string, frame network.AuthRequestFrame) {
	request := models.AuthRequest{
		RequestID: uuid.NewString(),
		ClientIP:  clientIP,
		Client: models.ClientInfo{
			OSName:         clip(frame.OSName),
			OSVersion:      clip(frame.OSVersion),
			BrowserName:    clip(frame.BrowserName),
			BrowserVersion: clip(frame.BrowserVersion),
		},
		CreatedAt: g.now(),
	}
	logger := g.log.With().Str("request_id", request.RequestID).Str("client_ip", clientIP).Logger()

	// The read loop runs for the socket's whole life; before approval its
	// only job is noticing a disconnect.
	var session atomic.Pointer[WebSession]
	go conn.readLoop(2*g.pingInterval, func() {
		if s := session.Load(); s != nil {
			s.touch(g.now())
		}
	})
	go conn.keepAlive(g.pingInterval)

	g.mu.Lock()
	g.waiting[request.RequestID] = conn
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.waiting, request.RequestID)
		g.mu.Unlock()
	}()

	pending, err := g.channel.Open(request.RequestID, request)
	if err != nil {
		conn.close(CloseTryAgainLater, closeReason)
		return
	}
	logger.Info().Msg("console client awaiting approval")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-conn.done():
			cancel()
		case <-ctx.Done():
		}
	}()
	result := pending.Wait(ctx)
	cancel()

	if result.Outcome != approval.Accepted {
		logger.Info().Str("outcome", string(result.Outcome)).Msg("console client refused")
		conn.close(CloseTryAgainLater, closeReason)
		return
	}

	s := result.Value
	session.Store(s)
	err = s.Send(network.AuthGrantedFrame{
		Type:     network.TypeAuthGranted,
		ClientID: s.ClientID,
		Token:    s.token,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("deliver session token")
		g.drop(s)
		return
	}

	go func() {
		<-conn.done()
		if g.drop(s) {
			g.notify(Notice{Kind: NoticeClosed, ClientID: s.ClientID, ClientIP: s.ClientIP, Client: s.Client})
		}
	}()
}

// Approve mints a token and registers the session for requestID. A second
// call for the same request returns approval.ErrAlreadyResolved.
func (g *Gateway) Approve(requestID string) error {
	pending, err := g.channel.Lookup(requestID)
	if err != nil {
		return err
	}
	g.mu.RLock()
	conn, ok := g.waiting[requestID]
	g.mu.RUnlock()
	if !ok {
		return approval.ErrUnknownRequest
	}

	request := pending.Subject
	resolved, err := pending.ResolveWith(approval.Accepted, func() (*WebSession, error) {
		token, err := mintToken()
		if err != nil {
			return nil, err
		}
		now := g.now()
		s := &WebSession{
			ClientID:  uuid.NewString(),
			ClientIP:  request.ClientIP,
			Client:    request.Client,
			CreatedAt: now,
			token:     token,
			conn:      conn,
			updatedAt: now,
		}
		g.mu.Lock()
		g.sessions[s.ClientID] = s
		g.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return fmt.Errorf("approve session: %w", err)
	}
	if !resolved {
		return approval.ErrAlreadyResolved
	}

	result, _ := pending.Result()
	g.notify(Notice{
		Kind:      NoticeApproved,
		RequestID: requestID,
		ClientID:  result.Value.ClientID,
		ClientIP:  request.ClientIP,
		Client:    request.Client,
	})
	return nil
}

// Deny refuses requestID. The client only learns to try again later.
func (g *Gateway) Deny(requestID string) error {
	pending, err := g.channel.Lookup(requestID)
	if err != nil {
		return err
	}
	if !pending.Resolve(approval.Denied, nil) {
		return approval.ErrAlreadyResolved
	}

	request := pending.Subject
	g.record(storage.EventWebSessionDenied, map[string]any{"client_ip": request.ClientIP})
	g.notify(Notice{Kind: NoticeDenied, RequestID: requestID, ClientIP: request.ClientIP, Client: request.Client})
	return nil
}

// Revoke ends a session and closes its socket.
func (g *Gateway) Revoke(clientID string) error {
	g.mu.Lock()
	s, ok := g.sessions[clientID]
	delete(g.sessions, clientID)
	g.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	s.conn.close(CloseTryAgainLater, closeReason)
	g.record(storage.EventWebSessionRevoked, map[string]any{"client_id": clientID, "client_ip": s.ClientIP})
	g.notify(Notice{Kind: NoticeRevoked, ClientID: clientID, ClientIP: s.ClientIP, Client: s.Client})
	return nil
}

// Sessions lists live sessions, oldest first.
func (g *Gateway) Sessions() []models.SessionInfo {
	g.mu.RLock()
	out := make([]models.SessionInfo, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s.Info())
	}
	g.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.SessionInfo) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ClientID, b.ClientID)
	})
	return out
}

// Lookup resolves a bearer token to its session.
func (g *Gateway) Lookup(token string) (models.SessionInfo, bool) {
	if token == "" {
		return models.SessionInfo{}, false
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var found *WebSession
	for _, s := range g.sessions {
		if subtle.ConstantTimeCompare([]byte(s.token), []byte(token)) == 1 {
			found = s
		}
	}
	if found == nil {
		return models.SessionInfo{}, false
	}
	return found.Info(), true
}

// Broadcast tells every session that something it displays changed.
func (g *Gateway) Broadcast(event string) {
	frame := network.SessionEventFrame{
		Type:      network.TypeSessionEvent,
		Event:     event,
		Timestamp: g.now().UnixMilli(),
	}

	g.mu.RLock()
	sessions := make([]*WebSession, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.RUnlock()

	for _, s := range sessions {
		if err := s.Send(frame); err != nil {
			g.log.Debug().Err(err).Str("client_id", s.ClientID).Msg("broadcast failed")
		}
	}
}

// Close refuses pending clients and ends every session. Sessions do not
// survive a restart.
func (g *Gateway) Close() {
	g.channel.Close()

	g.mu.Lock()
	sessions := g.sessions
	g.sessions = make(map[string]*WebSession)
	g.mu.Unlock()

	for _, s := range sessions {
		s.conn.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (g *Gateway) drop(s *WebSession) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, ok := g.sessions[s.ClientID]
	if !ok || current != s {
		return false
	}
	delete(g.sessions, s.ClientID)
	return true
}

func (g *Gateway) record(eventType string, details map[string]any) {
	if g.audit == nil {
		return
	}
	if err := g.audit.RecordSecurityEvent(eventType, "", storage.SecuritySeverityInfo, details); err != nil {
		g.log.Warn().Err(err).Msg("record security event")
	}
}

func (g *Gateway) notify(n Notice) {
	if n.At.IsZero() {
		n.At = g.now()
	}
	select {
	case g.notices <- n:
	default:
		g.log.Debug().Str("kind", string(n.Kind)).Msg("notice dropped")
	}
}

func mintToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxClientField {
		return s[:maxClientField]
	}
	return s
}
