package gateway

import (
	"context"
	"strings"

	"sentinelchat/internal/metrics"
	"sentinelchat/pkg/apperrors"
	"sentinelchat/pkg/logger"
)

// ExtractToken implements spec.md §6's authentication envelope: a
// token read from handshake.auth.token, or an Authorization header
// supporting "Bearer <token>" or a bare token. This transport reads
// both from the HTTP upgrade request (httpserver.go), since a raw
// websocket upgrade has no separate auth envelope frame.
func ExtractToken(authHeader, queryToken string) string {
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			return strings.TrimPrefix(authHeader, "Bearer ")
		}
		return authHeader
	}
	return queryToken
}

// Handshake implements spec.md §4.7's handshake flow: verify the
// token, validate the user with a 60s cached read, and — on success —
// record the session, cancel any pending grace timer, mark the user
// ONLINE and reassert room presence via PL.handleReconnection.
func (r *Router) Handshake(ctx context.Context, token string) (socketID, userID, username string, err error) {
	if token == "" {
		return "", "", "", apperrors.Unauthorized("missing token", nil)
	}

	claims, verr := r.connectors.VerifyAccessToken(ctx, token)
	if verr != nil {
		return "", "", "", verr
	}

	status, cached := r.cachedUserStatus(claims.UserID)
	if !cached {
		status, err = r.connectors.ValidateUser(ctx, claims.UserID)
		if err != nil {
			return "", "", "", err
		}
		r.setCachedUserStatus(claims.UserID, status)
	}
	if !status.IsActive {
		return "", "", "", apperrors.Unauthorized("user is deactivated", nil)
	}

	sess := r.sessions.AddSocket(claims.UserID, claims.Username, "")
	ctx = context.WithValue(ctx, logger.UserIdKey, claims.UserID)
	ctx = context.WithValue(ctx, logger.SocketIdKey, sess.SocketID)
	if herr := r.presence.HandleReconnection(ctx, claims.UserID, ""); herr != nil {
		r.log.WithContext(ctx).Sugar().Warnw("gateway: handleReconnection failed during handshake", "userId", claims.UserID, "error", herr)
	}
	metrics.ConnectedSockets.Set(float64(r.sessions.ConnectedSockets()))

	return sess.SocketID, claims.UserID, claims.Username, nil
}
