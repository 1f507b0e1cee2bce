// Package auth resolves the client's identity before a relay session starts.
// Resolution never fails hard: a missing or invalid credential yields an
// anonymous session, so the relay can serve unauthenticated preview use.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bt-bridge/meeting-relay/shared"
	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sethvargo/go-retry"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Identity is a resolved user. A nil *Identity means anonymous.
type Identity struct {
	UserID string
	Email  string
}

type Gate struct {
	logger        shared.LoggerAdapter
	secret        []byte
	introspectURL string
	timeout       time.Duration
}

// NewGate builds a gate that verifies HS256 bearer tokens locally with
// secret, falling back to the remote introspection endpoint when one is
// configured. Either mechanism may be empty.
func NewGate(logger shared.LoggerAdapter, secret string, introspectURL string, timeout time.Duration) (*Gate, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gate{
		logger:        logger,
		secret:        []byte(secret),
		introspectURL: introspectURL,
		timeout:       timeout,
	}, nil
}

// ResolveIdentity maps a bearer token to an Identity. It never returns an
// error: any failure downgrades to anonymous, logged at warn level.
func (g *Gate) ResolveIdentity(ctx context.Context, token string) *Identity {
	if token == "" {
		return nil
	}
	if len(g.secret) > 0 {
		if id := g.verifyLocal(token); id != nil {
			return id
		}
	}
	if g.introspectURL != "" {
		if id := g.introspectRemote(ctx, token); id != nil {
			return id
		}
	}
	g.logger.Warn("credential rejected, proceeding anonymously")
	return nil
}

type relayClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func (g *Gate) verifyLocal(token string) *Identity {
	claims := new(relayClaims)
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil || !parsed.Valid {
		g.logger.Debug("local token verification failed", zap.Error(err))
		return nil
	}
	if claims.Subject == "" {
		return nil
	}
	return &Identity{UserID: claims.Subject, Email: claims.Email}
}

type introspectResponse struct {
	Active bool   `json:"active"`
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// introspectRemote asks the identity service about the token. The call is the
// only retried operation in the relay: transient transport failures get a
// capped exponential backoff, a definitive answer is taken as-is.
func (g *Gate) introspectRemote(ctx context.Context, token string) *Identity {
	var out introspectResponse
	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		status, body, err := g.postIntrospect(token)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("introspection request: %w", err))
		}
		if status >= 500 {
			return retry.RetryableError(fmt.Errorf("introspection status %d", status))
		}
		if status != fasthttp.StatusOK {
			return fmt.Errorf("introspection status %d", status)
		}
		if err := sonic.Unmarshal(body, &out); err != nil {
			return fmt.Errorf("decoding introspection response: %w", err)
		}
		return nil
	})
	if err != nil {
		g.logger.Warn("token introspection failed", zap.Error(err))
		return nil
	}
	if !out.Active || out.UserID == "" {
		return nil
	}
	return &Identity{UserID: out.UserID, Email: out.Email}
}

func (g *Gate) postIntrospect(token string) (status int, body []byte, err error) {
	payload, err := sonic.Marshal(map[string]string{"token": token})
	if err != nil {
		return 0, nil, fmt.Errorf("marshaling introspection payload: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(g.introspectURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(payload)

	if err := fasthttp.DoTimeout(req, resp, g.timeout); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return 0, nil, shared.ErrConnectTimeout
		}
		return 0, nil, err
	}
	return resp.StatusCode(), append([]byte(nil), resp.Body()...), nil
}
