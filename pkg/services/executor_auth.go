package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
	"github.com/toolrelay/relay-engine/pkg/crypto"
	"github.com/toolrelay/relay-engine/pkg/models"
)

// defaultAPIKeyHeader is used when an api_key interface does not name one.
const defaultAPIKeyHeader = "X-API-Key"

// tokenExpirySkew is subtracted from expires_in so tokens are refreshed
// slightly before the downstream clock would reject them.
const tokenExpirySkew = 30 * time.Second

// credentialSet is a credential row with its secrets decrypted for the
// duration of one invocation.
type credentialSet struct {
	row *models.Credential

	username     string
	password     string
	apiKey       string
	bearer       string
	accessToken  string
	refreshToken string
}

func (e *Executor) decryptCredentials(row *models.Credential) (*credentialSet, error) {
	set := &credentialSet{row: row, username: row.Username}
	var err error
	if set.password, err = e.decryptSecret(row.PasswordEnc, "password"); err != nil {
		return nil, err
	}
	if set.apiKey, err = e.decryptSecret(row.APIKeyEnc, "api key"); err != nil {
		return nil, err
	}
	if set.bearer, err = e.decryptSecret(row.BearerTokenEnc, "bearer token"); err != nil {
		return nil, err
	}
	if set.accessToken, err = e.decryptSecret(row.AccessTokenEnc, "access token"); err != nil {
		return nil, err
	}
	if set.refreshToken, err = e.decryptSecret(row.RefreshTokenEnc, "refresh token"); err != nil {
		return nil, err
	}
	return set, nil
}

// decryptSecret maps an authentication failure from the encryptor to the
// key-mismatch sentinel: the row is intact but was sealed under another key,
// usually after a credentials key rotation without re-encryption.
func (e *Executor) decryptSecret(encrypted, what string) (string, error) {
	plain, err := e.encryptor.Decrypt(encrypted)
	if errors.Is(err, crypto.ErrDecryptionFailed) {
		return "", fmt.Errorf("failed to decrypt %s: %w", what, apperrors.ErrCredentialsKeyMismatch)
	}
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s: %w", what, err)
	}
	return plain, nil
}

// applyAuth sets the request's auth per the interface's tagged scheme. For
// OAuth2 it first makes sure a usable access token is cached.
func (e *Executor) applyAuth(ctx context.Context, cc *callContext, req *http.Request) error {
	auth := cc.iface.Auth
	switch auth.Scheme {
	case models.AuthNone:
		return nil
	case models.AuthAPIKey:
		header := auth.HeaderName
		if header == "" {
			header = defaultAPIKeyHeader
		}
		req.Header.Set(header, cc.creds.apiKey)
		return nil
	case models.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+cc.creds.bearer)
		return nil
	case models.AuthBasic:
		req.SetBasicAuth(cc.creds.username, cc.creds.password)
		return nil
	case models.AuthCustom:
		if auth.HeaderName == "" {
			return fmt.Errorf("custom auth for %q names no header", cc.inv.SystemAlias)
		}
		req.Header.Set(auth.HeaderName, cc.creds.apiKey)
		return nil
	case models.AuthOAuth2:
		if err := e.ensureAccessToken(ctx, cc); err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+cc.creds.accessToken)
		return nil
	default:
		return fmt.Errorf("unsupported auth scheme %q", auth.Scheme)
	}
}

// ensureAccessToken reuses the cached token while it is valid and otherwise
// obtains a fresh one.
func (e *Executor) ensureAccessToken(ctx context.Context, cc *callContext) error {
	if cc.creds.row.TokenValidUntil(e.now()) && cc.creds.accessToken != "" {
		return nil
	}
	return e.refreshToken(ctx, cc)
}

// tokenResponse is the relevant subset of an OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// refreshToken obtains a new access token for the credential row. Concurrent
// refreshes of the same row collapse into one token request; every caller
// gets the winner's token.
func (e *Executor) refreshToken(ctx context.Context, cc *callContext) error {
	res, err, _ := e.refreshGroup.Do(cc.creds.row.ID.String(), func() (any, error) {
		return e.doTokenRequest(ctx, cc)
	})
	if err != nil {
		return err
	}
	tok := res.(*tokenResponse)
	cc.creds.accessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cc.creds.refreshToken = tok.RefreshToken
	}
	return nil
}

func (e *Executor) doTokenRequest(ctx context.Context, cc *callContext) (*tokenResponse, error) {
	oauth := cc.iface.Auth.OAuth
	if oauth == nil || oauth.TokenURL == "" {
		return nil, fmt.Errorf("oauth2 interface for %q has no token endpoint", cc.inv.SystemAlias)
	}

	form := url.Values{}
	switch {
	case cc.creds.refreshToken != "":
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", cc.creds.refreshToken)
	case oauth.Grant == models.GrantPassword:
		form.Set("grant_type", "password")
		form.Set("username", cc.creds.username)
		form.Set("password", cc.creds.password)
	case oauth.Grant == models.GrantClientCredentials:
		form.Set("grant_type", "client_credentials")
		// The client secret rides in the password slot of the credential row.
		form.Set("client_secret", cc.creds.password)
	default:
		return nil, fmt.Errorf("no refresh token cached for %q and grant %q cannot run non-interactively",
			cc.inv.SystemAlias, oauth.Grant)
	}
	if oauth.ClientID != "" {
		form.Set("client_id", oauth.ClientID)
	}
	if oauth.Scopes != "" {
		form.Set("scope", oauth.Scopes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauth.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode token response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 || tok.AccessToken == "" {
		msg := tok.Error
		if tok.ErrorDesc != "" {
			msg = tok.ErrorDesc
		}
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, fmt.Errorf("token endpoint refused refresh (status %d): %s", resp.StatusCode, msg)
	}

	e.cacheToken(ctx, cc, &tok)
	return &tok, nil
}

// cacheToken encrypts and persists the fresh token. Cache write failures are
// logged; the in-flight call proceeds with the token it already holds.
func (e *Executor) cacheToken(ctx context.Context, cc *callContext, tok *tokenResponse) {
	accessEnc, err := e.encryptor.Encrypt(tok.AccessToken)
	if err != nil {
		e.logger.Error("Failed to encrypt access token", zap.Error(err))
		return
	}
	refreshEnc := ""
	if tok.RefreshToken != "" {
		if refreshEnc, err = e.encryptor.Encrypt(tok.RefreshToken); err != nil {
			e.logger.Error("Failed to encrypt refresh token", zap.Error(err))
			return
		}
	}

	expiry := e.now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenExpirySkew)
	if err := e.creds.UpdateToken(ctx, cc.creds.row.ID, accessEnc, refreshEnc, expiry); err != nil {
		e.logger.Error("Failed to cache refreshed token",
			zap.String("system", cc.inv.SystemAlias),
			zap.Error(err),
		)
		return
	}
	cc.creds.row.AccessTokenEnc = accessEnc
	cc.creds.row.TokenExpiry = &expiry

	e.logger.Info("Refreshed downstream token",
		zap.String("system", cc.inv.SystemAlias),
		zap.Time("expiry", expiry),
	)
}
