package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"pollwatch/internal/credential"
	"pollwatch/internal/session"
)

// FormLogin posts an account's username and password to a sign-in form and
// turns the cookies it sets into a session token (a Cookie header value).
type FormLogin struct {
	URL           string
	UserField     string
	PasswordField string
	Extra         map[string]string
	Timeout       time.Duration
	// SuccessCookie, when set, must be among the returned cookies.
	SuccessCookie string
	Client        *Client
}

func (f *FormLogin) Login(ctx context.Context, account credential.Resource) (session.Token, error) {
	target, err := url.Parse(f.URL)
	if err != nil {
		return session.Token{}, fmt.Errorf("login url: %w", err)
	}
	userField, passField := f.UserField, f.PasswordField
	if userField == "" {
		userField = "email"
	}
	if passField == "" {
		passField = "password"
	}
	form := url.Values{}
	form.Set(userField, account.Username)
	form.Set(passField, account.Secret)
	for k, v := range f.Extra {
		form.Set(k, v)
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jar, _ := cookiejar.New(nil)
	hc := &http.Client{Jar: jar, Timeout: timeout}
	if f.Client != nil {
		base, err := f.Client.httpClient(nil)
		if err != nil {
			return session.Token{}, err
		}
		hc.Transport = base.Transport
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return session.Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", defaultUserAgents[0])
	resp, err := hc.Do(req)
	if err != nil {
		return session.Token{}, fmt.Errorf("login %s: %w", account.Identity, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode >= 400 {
		return session.Token{}, fmt.Errorf("login %s: %w", account.Identity, &StatusError{Code: resp.StatusCode, URL: f.URL})
	}

	cookies := jar.Cookies(target)
	if len(cookies) == 0 {
		return session.Token{}, fmt.Errorf("login %s: no session cookies", account.Identity)
	}
	parts := make([]string, 0, len(cookies))
	found := f.SuccessCookie == ""
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
		if c.Name == f.SuccessCookie {
			found = true
		}
	}
	if !found {
		return session.Token{}, fmt.Errorf("login %s: cookie %q not set", account.Identity, f.SuccessCookie)
	}

	tok := session.Token{Value: strings.Join(parts, "; ")}
	for _, c := range resp.Cookies() {
		if c.Expires.IsZero() {
			continue
		}
		if tok.Expires.IsZero() || c.Expires.Before(tok.Expires) {
			tok.Expires = c.Expires
		}
	}
	return tok, nil
}
