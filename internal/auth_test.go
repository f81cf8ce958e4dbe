package internal

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/saurav-co-de/chart/internal/chaterr"
)

func TestVerifier(t *testing.T) {
	verifier := NewVerifier(testSecret)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{UserID: "u1"}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr bool
	}{
		{"valid", mintToken(t, "u1", testSecret), "u1", false},
		{"empty", "", "", true},
		{"bad signature", mintToken(t, "u1", "other"), "", true},
		{"expired", expired, "", true},
		{"no id claim", anonymous, "", true},
		{"unexpected algorithm", wrongAlg, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := verifier.Verify(tt.token)
			if tt.wantErr {
				require.ErrorIs(t, err, chaterr.ErrAuthenticationFailed)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBearerToken(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	require.Equal(t, "from-query", bearerToken(req))

	req.Header.Set("Authorization", "Bearer from-header")
	require.Equal(t, "from-header", bearerToken(req))

	req.Header.Set("Authorization", "Basic abc")
	require.Equal(t, "from-query", bearerToken(req))
}
