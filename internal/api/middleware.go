package api

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// requestIDKey is the gin context key holding the request id.
const requestIDKey = "rcc-request-id"

// RequestIDMiddleware assigns every request an id, honoring a
// client-supplied x-request-id, and reflects it on the response together
// with the best-effort worker pid.
func RequestIDMiddleware() gin.HandlerFunc {
	pid := strconv.Itoa(os.Getpid())
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("x-request-id"))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("x-request-id", id)
		c.Header("x-worker-pid", pid)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// AuthMiddleware verifies the client API key against the configured list.
// Entries may be plaintext or bcrypt hashes. An empty list means open
// access; localhost may bypass when configured.
func AuthMiddleware(keys []string, allowLocalhost bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Next()
			return
		}
		if allowLocalhost && isLoopback(c.Request.RemoteAddr) {
			c.Next()
			return
		}

		provided := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer"))
		if provided == "" {
			provided = strings.TrimSpace(c.GetHeader("x-api-key"))
		}
		if provided != "" && keyMatches(provided, keys) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"message": "invalid or missing API key",
				"type":    "unauthorized",
				"code":    "unauthorized",
				"param":   nil,
			},
		})
	}
}

func keyMatches(provided string, keys []string) bool {
	for _, key := range keys {
		if strings.HasPrefix(key, "$2") {
			if bcrypt.CompareHashAndPassword([]byte(key), []byte(provided)) == nil {
				return true
			}
			continue
		}
		if key == provided {
			return true
		}
	}
	return false
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
