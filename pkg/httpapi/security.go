package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

const (
	securityKey        = "security_context"
	deviceTokenMinLen  = 10
	institutionalVPN   = "vpn.eam.edu.co"
	headerDeviceToken  = "X-Device-Token"
	headerSessionID    = "X-Session-ID"
	sessionCookieName  = "session_id"
	headerForwardedFor = "X-Forwarded-For"
)

var accessRank = map[statex.AccessLevel]int{
	statex.AccessExterno:          0,
	statex.AccessVPNInstitucional: 1,
	statex.AccessSedePrincipal:    2,
}

// AccessLevelOf classifies a request by the address of its direct peer and
// the VPN marker in X-Forwarded-For.
func AccessLevelOf(remoteIP, forwardedFor string) statex.AccessLevel {
	if strings.HasPrefix(remoteIP, "192.168.") || remoteIP == "127.0.0.1" {
		return statex.AccessSedePrincipal
	}
	if strings.Contains(forwardedFor, institutionalVPN) || strings.HasPrefix(remoteIP, "10.") {
		return statex.AccessVPNInstitucional
	}
	return statex.AccessExterno
}

func deviceVerified(token string) bool {
	return len(token) > deviceTokenMinLen
}

// zeroTrust builds the security context of every request. The direct peer
// address is used, never a client-supplied one.
func (s *Server) zeroTrust() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.RemoteIP()
		sec := statex.SecurityContext{
			PrincipalID:    s.principal(c),
			AccessLevel:    AccessLevelOf(ip, c.GetHeader(headerForwardedFor)),
			DeviceVerified: deviceVerified(c.GetHeader(headerDeviceToken)),
			SessionID:      sessionID(c),
			IPAddress:      ip,
			UserAgent:      c.Request.UserAgent(),
		}
		c.Set(securityKey, sec)
		c.Next()
	}
}

func sessionID(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader(headerSessionID)); id != "" {
		return id
	}
	if id, err := c.Cookie(sessionCookieName); err == nil && id != "" {
		return id
	}
	return uuid.Nil.String()
}

// principal returns the subject of a valid bearer token, or the nil UUID for
// anonymous callers.
func (s *Server) principal(c *gin.Context) string {
	anonymous := uuid.Nil.String()
	if s.cfg.JWTSecret == "" {
		return anonymous
	}
	raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return anonymous
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || claims.Subject == "" {
		s.logger.Warn().Err(err).Str("remote_ip", c.RemoteIP()).Msg("bearer token rejected")
		return anonymous
	}
	return claims.Subject
}

func securityOf(c *gin.Context) statex.SecurityContext {
	if v, ok := c.Get(securityKey); ok {
		if sec, ok := v.(statex.SecurityContext); ok {
			return sec
		}
	}
	return statex.SecurityContext{AccessLevel: statex.AccessExterno, PrincipalID: uuid.Nil.String(), SessionID: uuid.Nil.String()}
}

func requireAccess(min statex.AccessLevel) gin.HandlerFunc {
	return func(c *gin.Context) {
		sec := securityOf(c)
		if accessRank[sec.AccessLevel] < accessRank[min] {
			abortWith(c, http.StatusForbidden, "ACCESS_DENIED", "Acceso denegado. Nivel requerido: "+string(min))
			return
		}
		c.Next()
	}
}
