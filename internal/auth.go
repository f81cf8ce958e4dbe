package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/saurav-co-de/chart/internal/chaterr"
	"github.com/saurav-co-de/chart/internal/storage"
)

const ctxUserKey = "user"

// Claims are minted by the identity service. Only the id claim is read.
type Claims struct {
	UserID string `json:"id"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 bearer tokens signed with the shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Verify returns the user id carried by a valid token.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", chaterr.ErrAuthenticationFailed)
	}
	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", chaterr.ErrAuthenticationFailed, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return "", fmt.Errorf("%w: invalid token", chaterr.ErrAuthenticationFailed)
	}
	return claims.UserID, nil
}

// bearerToken reads the token from the Authorization header, falling back
// to the token query parameter used by browser websocket clients.
func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return r.URL.Query().Get("token")
}

// authenticate resolves the request's principal. A valid token for a user
// that no longer exists is an authentication failure.
func (s *Server) authenticate(ctx context.Context, r *http.Request) (*storage.User, error) {
	userID, err := s.verifier.Verify(bearerToken(r))
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: user not found", chaterr.ErrAuthenticationFailed)
	}
	return user, nil
}

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.authenticate(c.Request.Context(), c.Request)
		if err != nil {
			if !errors.Is(err, chaterr.ErrAuthenticationFailed) {
				log.Error().Err(err).Msg("authenticate request")
			}
			abortError(c, err)
			return
		}
		c.Set(ctxUserKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *storage.User {
	if v, ok := c.Get(ctxUserKey); ok {
		if user, ok := v.(*storage.User); ok {
			return user
		}
	}
	return nil
}
