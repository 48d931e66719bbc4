package antigravity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OAuth client registered for the Antigravity IDE. The callback port is
// fixed because the redirect URI is part of the client registration.
const (
	ClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	ClientSecret = "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"
	AuthURL      = "https://accounts.google.com/o/oauth2/v2/auth"
	TokenURL     = "https://oauth2.googleapis.com/token"
	RedirectURL  = "http://localhost:51121/oauth-callback"
	CallbackPort = ":51121"
)

var Scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

// Token holds OAuth token details.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	Expiry       time.Time `json:"expiry"`
	Email        string    `json:"email,omitempty"`
	ProjectID    string    `json:"project_id,omitempty"`
}

// AuthFlowResult holds the PKCE state for one login attempt.
type AuthFlowResult struct {
	Verifier string
	State    string
	AuthURL  string
}

// StartAuth generates the PKCE challenge and authorization URL.
func StartAuth() (*AuthFlowResult, error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, err
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, err
	}
	state := base64.RawURLEncoding.EncodeToString(stateBytes)

	u, err := url.Parse(AuthURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("client_id", ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", RedirectURL)
	q.Set("scope", strings.Join(Scopes, " "))
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")
	u.RawQuery = q.Encode()

	return &AuthFlowResult{
		Verifier: verifier,
		State:    state,
		AuthURL:  u.String(),
	}, nil
}

// ExchangeCode trades an authorization code for tokens and resolves the
// account email.
func ExchangeCode(ctx context.Context, code, verifier string) (*Token, error) {
	data := url.Values{}
	data.Set("client_id", ClientID)
	data.Set("client_secret", ClientSecret)
	data.Set("code", code)
	data.Set("grant_type", "authorization_code")
	data.Set("redirect_uri", RedirectURL)
	data.Set("code_verifier", verifier)

	req, err := http.NewRequestWithContext(ctx, "POST", TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("exchange failed: %s", string(body))
	}

	var token Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, err
	}
	token.Expiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)

	if email, err := fetchUserEmail(ctx, token.AccessToken); err == nil {
		token.Email = email
	}

	return &token, nil
}

// RefreshToken refreshes an access token using a refresh token.
func RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	data := url.Values{}
	data.Set("client_id", ClientID)
	data.Set("client_secret", ClientSecret)
	data.Set("refresh_token", refreshToken)
	data.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, "POST", TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("refresh failed (%d): %s", resp.StatusCode, string(body))
	}

	var token Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, err
	}

	token.Expiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	return &token, nil
}

func fetchUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", "https://www.googleapis.com/oauth2/v1/userinfo?alt=json", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return "", err
	}
	return userInfo.Email, nil
}

// WaitForCallback runs a local HTTP server on the registered callback
// port until the browser delivers the authorization code.
func WaitForCallback(ctx context.Context, expectedState string) (string, error) {
	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		state := q.Get("state")
		code := q.Get("code")
		errStr := q.Get("error")

		if state != expectedState {
			http.Error(w, "Invalid state", http.StatusBadRequest)
			errChan <- fmt.Errorf("invalid state received")
			return
		}

		if errStr != "" {
			http.Error(w, "Auth failed: "+errStr, http.StatusBadRequest)
			errChan <- fmt.Errorf("auth failed: %s", errStr)
			return
		}

		if code == "" {
			http.Error(w, "No code received", http.StatusBadRequest)
			errChan <- fmt.Errorf("no code received")
			return
		}

		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`
			<html>
			<head><title>Success</title></head>
			<body style="font-family: sans-serif; text-align: center; padding: 50px;">
				<h1 style="color: #4CAF50;">Authentication Successful!</h1>
				<p>You can now close this tab and return to the terminal.</p>
				<script>window.close();</script>
			</body>
			</html>
		`))

		codeChan <- code
	})

	server := &http.Server{Addr: CallbackPort, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case code := <-codeChan:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		return code, nil
	case err := <-errChan:
		server.Close()
		return "", err
	case <-ctx.Done():
		server.Close()
		return "", ctx.Err()
	}
}

// Login runs the whole interactive flow: PKCE setup, callback wait,
// code exchange, and project resolution. openBrowser receives the URL
// the user must visit; it may just print it.
func Login(ctx context.Context, openBrowser func(url string)) (*Account, error) {
	flow, err := StartAuth()
	if err != nil {
		return nil, fmt.Errorf("failed to start auth flow: %w", err)
	}

	if openBrowser != nil {
		openBrowser(flow.AuthURL)
	}

	code, err := WaitForCallback(ctx, flow.State)
	if err != nil {
		return nil, fmt.Errorf("authorization failed: %w", err)
	}

	token, err := ExchangeCode(ctx, code, flow.Verifier)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	account := &Account{
		Email:        token.Email,
		RefreshToken: token.RefreshToken,
		AccessToken:  token.AccessToken,
		AccessExpiry: token.Expiry,
	}

	if projectID, err := NewProjectResolver(token.AccessToken).ResolveProjectID(ctx); err == nil {
		account.ProjectID = projectID
	}

	return account, nil
}
