package antigravity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestStartAuth(t *testing.T) {
	res, err := StartAuth()
	if err != nil {
		t.Fatalf("StartAuth failed: %v", err)
	}

	if res.Verifier == "" {
		t.Error("Verifier is empty")
	}
	if res.State == "" {
		t.Error("State is empty")
	}

	u, err := url.Parse(res.AuthURL)
	if err != nil {
		t.Fatalf("AuthURL does not parse: %v", err)
	}
	q := u.Query()
	if q.Get("code_challenge") == "" {
		t.Error("AuthURL missing code_challenge")
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("Expected S256, got %s", q.Get("code_challenge_method"))
	}
	if q.Get("state") != res.State {
		t.Error("AuthURL state does not match result state")
	}
	if q.Get("redirect_uri") != RedirectURL {
		t.Errorf("Unexpected redirect_uri: %s", q.Get("redirect_uri"))
	}
}

func TestStartAuth_StatesAreUnique(t *testing.T) {
	a, _ := StartAuth()
	b, _ := StartAuth()
	if a.State == b.State || a.Verifier == b.Verifier {
		t.Error("Consecutive flows must not share state or verifier")
	}
}

func TestExchangeCode(t *testing.T) {
	origTransport := http.DefaultClient.Transport
	defer func() { http.DefaultClient.Transport = origTransport }()

	http.DefaultClient.Transport = RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.String() == TokenURL {
			body, _ := req.GetBody()
			raw, _ := io.ReadAll(body)
			form, _ := url.ParseQuery(string(raw))
			if form.Get("code_verifier") != "fake-verifier" {
				t.Errorf("Expected code_verifier in exchange, got %q", form.Get("code_verifier"))
			}

			w := httptest.NewRecorder()
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "exchanged-access",
				"refresh_token": "exchanged-refresh",
				"expires_in":    3600,
			})
			return w.Result(), nil
		}
		if strings.HasPrefix(req.URL.String(), "https://www.googleapis.com/oauth2/v1/userinfo") {
			w := httptest.NewRecorder()
			json.NewEncoder(w).Encode(map[string]string{"email": "user@example.com"})
			return w.Result(), nil
		}
		return nil, fmt.Errorf("unexpected url: %s", req.URL.String())
	})

	token, err := ExchangeCode(context.Background(), "fake-code", "fake-verifier")
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}

	if token.AccessToken != "exchanged-access" {
		t.Errorf("Expected exchanged-access, got %s", token.AccessToken)
	}
	if token.Email != "user@example.com" {
		t.Errorf("Expected user@example.com, got %s", token.Email)
	}
	if !token.Expiry.After(time.Now()) {
		t.Error("Expiry should be in the future")
	}
}

func TestRefreshToken(t *testing.T) {
	origTransport := http.DefaultClient.Transport
	defer func() { http.DefaultClient.Transport = origTransport }()

	http.DefaultClient.Transport = RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.String() != TokenURL {
			return nil, fmt.Errorf("unexpected url: %s", req.URL.String())
		}
		w := httptest.NewRecorder()
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access-token",
			"expires_in":    3600,
			"token_type":    "Bearer",
			"refresh_token": "rotated-refresh",
		})
		return w.Result(), nil
	})

	token, err := RefreshToken(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("RefreshToken failed: %v", err)
	}
	if token.AccessToken != "new-access-token" {
		t.Errorf("Expected new access token, got %s", token.AccessToken)
	}
	if token.RefreshToken != "rotated-refresh" {
		t.Errorf("Expected rotated refresh token, got %s", token.RefreshToken)
	}
}

func TestRefreshToken_UpstreamError(t *testing.T) {
	origTransport := http.DefaultClient.Transport
	defer func() { http.DefaultClient.Transport = origTransport }()

	http.DefaultClient.Transport = RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		w := httptest.NewRecorder()
		w.WriteHeader(http.StatusBadRequest)
		w.WriteString(`{"error": "invalid_grant"}`)
		return w.Result(), nil
	})

	if _, err := RefreshToken(context.Background(), "revoked"); err == nil {
		t.Error("Expected error for revoked refresh token")
	}
}

func TestWaitForCallback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultChan := make(chan string)
	errChan := make(chan error)

	go func() {
		code, err := WaitForCallback(ctx, "test-state")
		if err != nil {
			errChan <- err
			return
		}
		resultChan <- code
	}()

	// Give the server time to start.
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://localhost:51121/oauth-callback?state=test-state&code=test-code")
	if err != nil {
		t.Fatalf("Failed to make callback request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Callback returned status %d", resp.StatusCode)
	}

	select {
	case code := <-resultChan:
		if code != "test-code" {
			t.Errorf("Expected code test-code, got %s", code)
		}
	case err := <-errChan:
		t.Fatalf("WaitForCallback failed: %v", err)
	case <-ctx.Done():
		t.Fatal("WaitForCallback timed out")
	}
}

func TestWaitForCallback_RejectsWrongState(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		_, err := WaitForCallback(ctx, "expected-state")
		errChan <- err
	}()

	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://localhost:51121/oauth-callback?state=forged&code=x")
	if err != nil {
		t.Fatalf("Failed to make callback request: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for forged state, got %d", resp.StatusCode)
	}

	select {
	case err := <-errChan:
		if err == nil {
			t.Error("Expected error for forged state")
		}
	case <-ctx.Done():
		t.Fatal("Timed out waiting for error")
	}
}

// RoundTripFunc lets a test function stand in as an http.RoundTripper.
type RoundTripFunc func(req *http.Request) (*http.Response, error)

func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
