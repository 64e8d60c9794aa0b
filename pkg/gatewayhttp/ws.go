package gatewayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/hanzoai/gateway/pkg/connauth"
	"github.com/hanzoai/gateway/pkg/gwlog"
	"github.com/hanzoai/gateway/pkg/gwmetrics"
)

// connectFrameTimeout bounds how long the gateway waits for the
// post-upgrade connect frame before abandoning the socket.
const connectFrameTimeout = 10 * time.Second

const pingInterval = 20 * time.Second

// idleTimeout closes a session that has produced no frame (data or a
// successful ping/pong round trip) for this long, per the connect-frame
// admission note on Session.
const idleTimeout = 30 * time.Minute

const idleCheckInterval = time.Minute

// activityTracker records the last time the socket produced a frame,
// checked by watchIdle against idleTimeout.
type activityTracker struct {
	lastNano atomic.Int64
}

func newActivityTracker() *activityTracker {
	t := &activityTracker{}
	t.touch()
	return t
}

func (t *activityTracker) touch() {
	t.lastNano.Store(time.Now().UnixNano())
}

func (t *activityTracker) idleFor() time.Duration {
	return time.Since(time.Unix(0, t.lastNano.Load()))
}

// watchIdle cancels the session context once activity has been silent for
// longer than idleTimeout, unblocking the read loop in handleUpgrade and
// causing the deferred cleanup and close to run.
func watchIdle(ctx context.Context, cancel context.CancelFunc, activity *activityTracker) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if activity.idleFor() >= idleTimeout {
				cancel()
				return
			}
		}
	}
}

// handleUpgrade implements the §6 WebSocket entry point: bearer
// authorization at upgrade time, then a bounded wait for the client's
// connect frame, then session registration or a reasoned close.
func handleUpgrade(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.OriginPolicy != nil {
			if allowed, reason := deps.OriginPolicy.Allow(r.Host, r.Header.Get("Origin")); !allowed {
				gwmetrics.AuthDecisions.WithLabelValues("origin", reason).Inc()
				writeOriginError(w, reason)
				return
			}
		}

		token := bearerToken(r)
		result := connauth.Authorize(r.Context(), deps.ResolvedAuth, deps.IdentityValid, connauth.Request{
			SourceIP:        remoteIP(r),
			Token:           token,
			Host:            r.Host,
			MeshLoginHeader: r.Header.Get(meshLoginHeaderName(deps)),
			ForwardedHost:   r.Header.Get("X-Forwarded-Host"),
		}, deps.Limiter, deps.DefaultEnv)

		if !result.OK {
			gwmetrics.AuthDecisions.WithLabelValues("unknown", result.Reason).Inc()
			writeAuthError(w, result.Reason)
			return
		}
		gwmetrics.AuthDecisions.WithLabelValues(result.Method, "ok").Inc()

		// nhooyr.io/websocket's own Origin check only compares Origin against
		// Host (rule 4 of the six in pkg/originpolicy); it's disabled here since the
		// OriginPolicy check above already covers the full rule set.
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			deps.Logger.Warn(gwlog.CategoryHTTP, "ws_accept_failed", err.Error(), nil)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		activity := newActivityTracker()
		startPing(ctx, conn, activity)
		go watchIdle(ctx, cancel, activity)

		frame, err := readConnectFrame(ctx, conn)
		if err != nil {
			_ = conn.Close(websocket.StatusPolicyViolation, "connect frame required: "+err.Error())
			return
		}
		activity.touch()

		session := &Session{
			ConnectionID: uuid.New().String(),
			ClientIP:     remoteIP(r),
			UserID:       result.UserID,
			Tenant:       result.Tenant,
			Connect:      frame,
		}
		deps.Sessions.Add(session)
		gwmetrics.ConnectionsActive.WithLabelValues(string(frame.Role)).Inc()
		defer func() {
			deps.Sessions.Remove(session.ConnectionID)
			gwmetrics.ConnectionsActive.WithLabelValues(string(frame.Role)).Dec()
		}()

		ack, _ := json.Marshal(map[string]any{"type": "connected", "connectionId": session.ConnectionID})
		if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
			return
		}

		// The gateway's session lifetime is bounded by the socket's own
		// life; frame handling beyond the connect handshake belongs to the
		// agent-run dispatch path (§4.12) and node capability handlers,
		// which are out of the router's scope once the session is admitted.
		// drainFrames still has to run so control frames (pongs) are
		// processed and activity is observed for the idle watchdog.
		drainFrames(ctx, conn, activity)
		if ctx.Err() != nil && r.Context().Err() == nil {
			_ = conn.Close(websocket.StatusPolicyViolation, "idle timeout")
			return
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

// drainFrames reads and discards frames until ctx is done or the peer
// closes the socket, touching activity on every frame received so
// watchIdle sees real traffic, not just this gateway's own pings.
func drainFrames(ctx context.Context, conn *websocket.Conn, activity *activityTracker) {
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return
		}
		activity.touch()
	}
}

// readConnectFrame reads a single text frame and decodes it as a
// ConnectFrame, bounded by connectFrameTimeout.
func readConnectFrame(ctx context.Context, conn *websocket.Conn) (ConnectFrame, error) {
	readCtx, cancel := context.WithTimeout(ctx, connectFrameTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return ConnectFrame{}, err
	}
	var frame ConnectFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ConnectFrame{}, err
	}
	if frame.Role != RoleNode && frame.Role != RoleOperator {
		return ConnectFrame{}, errInvalidRole
	}
	return frame, nil
}

var errInvalidRole = errors.New(`role must be "node" or "operator"`)

// startPing periodically pings the connection to detect dead peers,
// grounded on the teacher's startWSPing idiom (pkg/ipc/ws_ping.go). A
// successful round trip counts as activity for the idle watchdog.
func startPing(ctx context.Context, conn *websocket.Conn, activity *activityTracker) {
	ticker := time.NewTicker(pingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := conn.Ping(pingCtx)
				cancel()
				if err == nil {
					activity.touch()
				}
			}
		}
	}()
}
