package hub

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcphub-go/pkg/store"
)

// verifierLength is within the 43..128 range PKCE allows; nanoid's default
// alphabet only uses unreserved characters.
const verifierLength = 64

// AuthorizationRequest is where the user must be sent to grant access.
type AuthorizationRequest struct {
	ServerID         string `json:"serverId"`
	State            string `json:"state"`
	AuthorizationURL string `json:"authorizationUrl"`
}

// BeginAuthorization starts an OAuth authorization code flow with PKCE for
// def. The pending handshake is persisted until CompleteAuthorization or
// until cleanup prunes it.
func (h *Hub) BeginAuthorization(ctx context.Context, def mcpmgr.ServerDefinition) Response[AuthorizationRequest] {
	if h.store == nil {
		return fail[AuthorizationRequest](unavailable("authorization storage"))
	}
	if def.Auth == nil || def.Auth.Type != mcpmgr.AuthOAuth || def.Auth.OAuth == nil {
		return fail[AuthorizationRequest](mcperr.Newf(mcperr.KindConfiguration, "server %q is not configured for oauth", def.ID))
	}
	oc := def.Auth.OAuth
	if oc.ClientID == "" || oc.AuthorizationURL == "" {
		return fail[AuthorizationRequest](mcperr.Newf(mcperr.KindConfiguration, "server %q: oauth requires a client id and authorization url", def.ID))
	}
	authURL, err := url.Parse(oc.AuthorizationURL)
	if err != nil || authURL.Scheme == "" || authURL.Host == "" {
		return fail[AuthorizationRequest](mcperr.Newf(mcperr.KindConfiguration, "server %q: invalid authorization url %q", def.ID, oc.AuthorizationURL))
	}

	state, err := gonanoid.New()
	if err != nil {
		return fail[AuthorizationRequest](mcperr.Wrap(mcperr.KindInternal, "generate state", err))
	}
	verifier, err := gonanoid.New(verifierLength)
	if err != nil {
		return fail[AuthorizationRequest](mcperr.Wrap(mcperr.KindInternal, "generate code verifier", err))
	}

	q := authURL.Query()
	q.Set("response_type", "code")
	q.Set("client_id", oc.ClientID)
	if oc.RedirectURL != "" {
		q.Set("redirect_uri", oc.RedirectURL)
	}
	if len(oc.Scopes) > 0 {
		q.Set("scope", strings.Join(oc.Scopes, " "))
	}
	q.Set("state", state)
	q.Set("code_challenge", codeChallenge(verifier))
	q.Set("code_challenge_method", "S256")
	authURL.RawQuery = q.Encode()

	err = h.store.SavePendingAuthorization(ctx, store.PendingAuthorization{
		State:        state,
		ServerID:     def.ID,
		CodeVerifier: verifier,
		RedirectURL:  oc.RedirectURL,
	})
	if err != nil {
		return fail[AuthorizationRequest](err)
	}
	h.logger.Info("authorization started", "server", def.ID)
	return ok(AuthorizationRequest{ServerID: def.ID, State: state, AuthorizationURL: authURL.String()}, "")
}

// CompleteAuthorization consumes the pending handshake for state. Exchanging
// the code for a token is not supported yet, so a known state still ends in
// an AuthenticationError; unknown states are NotFoundErrors.
func (h *Hub) CompleteAuthorization(ctx context.Context, state, code string) Response[struct{}] {
	if h.store == nil {
		return fail[struct{}](unavailable("authorization storage"))
	}
	if state == "" || code == "" {
		return fail[struct{}](mcperr.New(mcperr.KindConfiguration, "authorization callback requires state and code"))
	}
	pending, err := h.store.TakePendingAuthorization(ctx, state)
	if err != nil {
		return fail[struct{}](err)
	}
	// TODO: exchange code and pending.CodeVerifier at the token endpoint and store the token for pending.ServerID.
	return fail[struct{}](&mcperr.Error{
		Kind:     mcperr.KindAuthentication,
		Op:       "complete authorization",
		ServerID: pending.ServerID,
		Message:  "oauth token exchange is not implemented; configure a bearer token for " + pending.ServerID,
	})
}

func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
