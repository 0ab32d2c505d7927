package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
)

// StaticToken returns a verifier accepting exactly token. Accepted tokens
// are treated as valid for the next minute, which satisfies the expiry
// check of auth.RequireBearerToken.
func StaticToken(token string) auth.TokenVerifier {
	want := []byte(token)
	return func(_ context.Context, got string, _ *http.Request) (*auth.TokenInfo, error) {
		if len(want) == 0 || subtle.ConstantTimeCompare(want, []byte(got)) != 1 {
			return nil, fmt.Errorf("%w: unknown token", auth.ErrInvalidToken)
		}
		return &auth.TokenInfo{Expiration: time.Now().Add(time.Minute)}, nil
	}
}
