/*
Copyright 2024 Gravitational Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/gravitational-labs/meshproxy/lib/config"
)

const (
	authorizedPath = "/authorized"
	logoutPath     = "/logout"
	cookieName     = "x-authorized"
	cookieTTL      = 24 * time.Hour
)

// handleGoogleAuth runs the Google-OAuth state machine (spec §4.9 step 3),
// grounded on original_source/src/http_proxy_pass/handle_ga.rs's
// GoogleAuthResult match arms. When handled is true the response has
// already been written (login page, logout page, OAuth callback page, or a
// 400 error page) and the caller must not continue the pipeline; otherwise
// email carries the identity to use for the remaining steps.
func (p *Pipeline) handleGoogleAuth(w http.ResponseWriter, r *http.Request, creds config.GoogleAuthCredentials) (email string, handled bool) {
	switch r.URL.Path {
	case logoutPath:
		p.clearAuthCookie(w)
		writeHTMLPage(w, http.StatusOK, logoutPageHTML(r, "You have successfully logged out!"))
		return "", true

	case authorizedPath:
		if email, ok := p.validCookieEmail(r, creds); ok {
			writeHTMLPage(w, http.StatusOK, authenticatedPageHTML(r, email))
			return "", true
		}

		code := r.URL.Query().Get("code")
		if code == "" {
			writeHTMLPage(w, http.StatusBadRequest, "missing OAuth authorization code")
			return "", true
		}

		email, err := p.exchangeGoogleCode(r.Context(), creds, requestHost(r), code)
		if err != nil {
			writeHTMLPage(w, http.StatusBadRequest, err.Error())
			return "", true
		}

		if !domainAllowed(creds.WhitelistedDomains, email) {
			writeHTMLPage(w, http.StatusOK, logoutPageHTML(r, "Unauthorized email domain"))
			return "", true
		}

		if err := p.setAuthCookie(w, email); err != nil {
			p.cfg.Log.WithError(err).Error("failed to seal auth cookie")
			writeHTMLPage(w, http.StatusBadRequest, "failed to issue session")
			return "", true
		}
		writeHTMLPage(w, http.StatusOK, authenticatedPageHTML(r, email))
		return "", true

	default:
		if email, ok := p.validCookieEmail(r, creds); ok {
			return email, false
		}
		writeHTMLPage(w, http.StatusOK, loginPageHTML(r, creds))
		return "", true
	}
}

func (p *Pipeline) oauthConfig(creds config.GoogleAuthCredentials, host string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  "https://" + host + authorizedPath,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/userinfo.email"},
	}
}

func (p *Pipeline) exchangeGoogleCode(ctx context.Context, creds config.GoogleAuthCredentials, host, code string) (string, error) {
	conf := p.oauthConfig(creds, host)
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return "", trace.Wrap(err)
	}

	resp, err := conf.Client(ctx, tok).Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer resp.Body.Close()

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", trace.Wrap(err)
	}
	if info.Email == "" {
		return "", trace.BadParameter("google userinfo response did not include an email")
	}
	return info.Email, nil
}

func domainAllowed(whitelisted []string, email string) bool {
	if len(whitelisted) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := email[at+1:]
	for _, d := range whitelisted {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// authToken is the {email, expires} tuple carried by the x-authorized
// cookie (spec §6), encoded as a varint-length-prefixed string followed by
// a big-endian i64 unix-microseconds timestamp — "any length-prefixed
// encoding is acceptable provided issuer and verifier agree" (spec.md §9),
// since this module treats the original's Protocol-Buffers wire form as
// opaque.
type authToken struct {
	Email             string
	ExpiresUnixMicros int64
}

func encodeAuthToken(t authToken) []byte {
	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(t.Email)))

	out := make([]byte, 0, n+len(t.Email)+8)
	out = append(out, lenBuf[:n]...)
	out = append(out, t.Email...)

	var expBuf [8]byte
	binary.BigEndian.PutUint64(expBuf[:], uint64(t.ExpiresUnixMicros))
	return append(out, expBuf[:]...)
}

func decodeAuthToken(b []byte) (authToken, error) {
	strLen, n := binary.Uvarint(b)
	if n <= 0 {
		return authToken{}, trace.BadParameter("malformed auth token length prefix")
	}
	b = b[n:]
	if uint64(len(b)) < strLen+8 {
		return authToken{}, trace.BadParameter("truncated auth token")
	}
	email := string(b[:strLen])
	expires := int64(binary.BigEndian.Uint64(b[strLen : strLen+8]))
	return authToken{Email: email, ExpiresUnixMicros: expires}, nil
}

func (p *Pipeline) setAuthCookie(w http.ResponseWriter, email string) error {
	tok := authToken{
		Email:             email,
		ExpiresUnixMicros: p.cfg.Clock.Now().Add(cookieTTL).UnixMicro(),
	}
	sealed, err := p.cfg.CookieCipher.Seal(encodeAuthToken(tok))
	if err != nil {
		return trace.Wrap(err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    base64.URLEncoding.EncodeToString(sealed),
		Path:     "/",
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
	return nil
}

func (p *Pipeline) clearAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
		MaxAge:   -1,
	})
}

func (p *Pipeline) validCookieEmail(r *http.Request, creds config.GoogleAuthCredentials) (string, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	sealed, err := base64.URLEncoding.DecodeString(c.Value)
	if err != nil {
		return "", false
	}
	plain, err := p.cfg.CookieCipher.Open(sealed)
	if err != nil {
		return "", false
	}
	tok, err := decodeAuthToken(plain)
	if err != nil {
		return "", false
	}
	if tok.ExpiresUnixMicros < p.cfg.Clock.Now().UnixMicro() {
		return "", false
	}
	if !domainAllowed(creds.WhitelistedDomains, tok.Email) {
		return "", false
	}
	return tok.Email, true
}

func writeHTMLPage(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// pageTemplate wraps content the same minimal way
// original_source/src/google_auth/html.rs's generate_with_template does,
// trimmed to plain markup without the Bootstrap CDN link.
func pageTemplate(content string) string {
	return fmt.Sprintf(`<html><head><title>Authentication</title></head><body>%s</body></html>`, content)
}

func loginPageHTML(r *http.Request, creds config.GoogleAuthCredentials) string {
	redirect := "https://" + requestHost(r) + authorizedPath
	authURL := (&url.URL{
		Scheme: "https",
		Host:   "accounts.google.com",
		Path:   "/o/oauth2/v2/auth",
		RawQuery: url.Values{
			"scope":         {"https://www.googleapis.com/auth/userinfo.email"},
			"access_type":   {"offline"},
			"response_type": {"code"},
			"redirect_uri":  {redirect},
			"client_id":     {creds.ClientID},
		}.Encode(),
	}).String()
	return pageTemplate(fmt.Sprintf(`<a href="%s">Sign in with Google</a>`, authURL))
}

func logoutPageHTML(r *http.Request, message string) string {
	return pageTemplate(fmt.Sprintf(`<h2>%s</h2><a href="https://%s">Ok</a>`, message, requestHost(r)))
}

func authenticatedPageHTML(r *http.Request, email string) string {
	return pageTemplate(fmt.Sprintf(`<h2>Authenticated user: %s</h2><a href="https://%s">Ok</a>`, email, requestHost(r)))
}
