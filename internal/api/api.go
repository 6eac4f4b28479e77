package api

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/meetbet/internal/domain"
	"github.com/victornm/meetbet/internal/errors"
	"github.com/victornm/meetbet/internal/event"
)

const (
	codeCharset  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 4
	codeAttempts = 16
)

type Config struct {
	Sessions Sessions
	EventBus *event.Bus
	// Redis, when set, receives a copy of every room broadcast.
	Redis        Redis
	PubsubPrefix string
}

// Sessions is the read side of the session store.
type Sessions interface {
	Snapshot(sessionID string) (domain.Snapshot, bool)
	Exists(sessionID string) bool
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	sessions Sessions

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		sessions: c.Sessions,
		redis:    c.Redis,
		prefix:   c.PubsubPrefix,
	}

	// Register event handlers
	if a.redis != nil && c.EventBus != nil {
		c.EventBus.Subscribe(a.PublishRoomEvent,
			domain.EventNameSessionUpdated,
			domain.EventNameMeetingStarted,
			domain.EventNameMeetingEnded,
		)
	}

	return a
}

// Register adds the HTTP routes to r.
func (a *API) Register(r gin.IRouter) {
	r.GET("/healthz", a.Healthz)

	g := r.Group("/api")
	g.GET("/sessions/:id", a.GetSession)
	g.POST("/sessions", a.CreateSessionCode)
}

func (a *API) Healthz(c *gin.Context) {
	c.Status(http.StatusOK)
}

// GetSession returns the current snapshot of a session.
func (a *API) GetSession(c *gin.Context) {
	id := c.Param("id")

	s, ok := a.sessions.Snapshot(id)
	if !ok {
		writeError(c, errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: session=%s", id)))
		return
	}

	c.JSON(http.StatusOK, s)
}

type CreateSessionCodeResponse struct {
	SessionID string `json:"sessionId"`
}

// CreateSessionCode returns a random session code not used yet. The session
// itself is only created by the first join.
func (a *API) CreateSessionCode(c *gin.Context) {
	for i := 0; i < codeAttempts; i++ {
		code, err := GenerateCode()
		if err != nil {
			writeError(c, errors.Internal(err))
			return
		}

		if !a.sessions.Exists(code) {
			c.JSON(http.StatusCreated, CreateSessionCodeResponse{SessionID: code})
			return
		}

		slog.DebugContext(c.Request.Context(), "api: session code collision", "code", code)
	}

	writeError(c, errors.New(errors.CodeUnavailable, errors.WithMessagef("no free session code")))
}

// GenerateCode returns a random code of upper case letters and digits.
func GenerateCode() (string, error) {
	code := make([]byte, codeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			return "", err
		}
		code[i] = codeCharset[n.Int64()]
	}

	return string(code), nil
}

func writeError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: request failed",
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{
		"code":    e.Code.String(),
		"message": e.Message,
	})
}
