package gmail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// TokenStore persists the OAuth token between runs.
type TokenStore interface {
	LoadToken() (*oauth2.Token, error)
	SaveToken(tok *oauth2.Token) error
	DeleteToken() error
}

// LoadOAuthConfig reads client_secret.json from configDir. Scopes: gmail.readonly
// and gmail.modify (trash and label changes).
func LoadOAuthConfig(configDir string) (*oauth2.Config, error) {
	credPath := filepath.Join(configDir, "client_secret.json")
	b, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials at %s: %w", credPath, err)
	}
	cfg, err := google.ConfigFromJSON(b,
		gmailv1.GmailReadonlyScope,
		gmailv1.GmailModifyScope,
	)
	if err != nil {
		return nil, fmt.Errorf("parse oauth config: %w", err)
	}
	return cfg, nil
}

// StoredToken returns a fresh token from the store, refreshing it through the
// OAuth config when it expired. The refreshed token is written back.
func StoredToken(ctx context.Context, cfg *oauth2.Config, tokens TokenStore) (*oauth2.Token, error) {
	tok, err := tokens.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	fresh, err := cfg.TokenSource(ctx, tok).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w: %w", ErrUnauthorized, err)
	}
	if fresh.AccessToken != tok.AccessToken {
		if err := tokens.SaveToken(fresh); err != nil {
			return nil, fmt.Errorf("save refreshed token: %w", err)
		}
	}
	return fresh, nil
}

// NewServiceInteractive returns an authorized Gmail client. A cached token is
// validated with a profile call first; otherwise the browser flow runs. When
// uiEvents and userResponses are set the auth URL is sent on uiEvents and a
// pasted code or redirect URL is read from userResponses, else the terminal
// is used.
func NewServiceInteractive(ctx context.Context, configDir string, tokens TokenStore, uiEvents chan<- interface{}, userResponses <-chan string) (*gmailv1.Service, error) {
	cfg, err := LoadOAuthConfig(configDir)
	if err != nil {
		return nil, err
	}

	if tok, err := tokens.LoadToken(); err == nil {
		svc, err := gmailv1.NewService(ctx, option.WithHTTPClient(cfg.Client(ctx, tok)))
		if err == nil {
			_, err = svc.Users.GetProfile(user).Context(ctx).Do()
		}
		if err == nil {
			return svc, nil
		}
		// Rejected token: drop it and authorize again.
		_ = tokens.DeleteToken()
	}

	var tok *oauth2.Token
	if uiEvents != nil && userResponses != nil {
		tok, err = tokenFromUI(ctx, cfg, uiEvents, userResponses)
	} else {
		tok, err = tokenFromTerminal(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}
	if err := tokens.SaveToken(tok); err != nil {
		return nil, fmt.Errorf("save token: %w", err)
	}

	svc, err := gmailv1.NewService(ctx, option.WithHTTPClient(cfg.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

// loopback captures the OAuth redirect on a random localhost port.
type loopback struct {
	srv      *http.Server
	redirect string
	codes    chan string
}

func startLoopback() (*loopback, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen on loopback: %w", err)
	}
	lb := &loopback{
		redirect: fmt.Sprintf("http://127.0.0.1:%d/", ln.Addr().(*net.TCPAddr).Port),
		codes:    make(chan string, 1),
	}
	mux := http.NewServeMux()
	lb.srv = &http.Server{ReadHeaderTimeout: 5 * time.Second, Handler: mux}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "Missing 'code' parameter", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "Authorization complete. You can close this window.")
		select {
		case lb.codes <- code:
		default:
		}
		go lb.close()
	})
	go func() { _ = lb.srv.Serve(ln) }()
	return lb, nil
}

func (lb *loopback) close() { _ = lb.srv.Shutdown(context.Background()) }

// codeFromInput accepts a bare authorization code or the full redirect URL.
func codeFromInput(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("empty authorization code")
	}
	if !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://") {
		return input, nil
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parse redirect URL: %w", err)
	}
	code := u.Query().Get("code")
	if code == "" {
		return "", errors.New("no 'code' parameter found in pasted URL")
	}
	return code, nil
}

func exchange(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
	tok, err := cfg.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	return tok, nil
}

func authURL(cfg *oauth2.Config) string {
	return cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func tokenFromUI(ctx context.Context, cfg *oauth2.Config, uiEvents chan<- interface{}, userResponses <-chan string) (*oauth2.Token, error) {
	lb, err := startLoopback()
	if err != nil {
		return nil, err
	}
	defer lb.close()

	c := *cfg
	c.RedirectURL = lb.redirect
	uiEvents <- authURL(&c)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case code := <-lb.codes:
		return exchange(ctx, &c, code)
	case input := <-userResponses:
		code, err := codeFromInput(input)
		if err != nil {
			return nil, err
		}
		return exchange(ctx, &c, code)
	}
}

func tokenFromTerminal(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	if lb, err := startLoopback(); err == nil {
		c := *cfg
		c.RedirectURL = lb.redirect
		fmt.Fprintln(os.Stderr, "Open this URL in your browser to authorize declutter:")
		fmt.Fprintln(os.Stderr, authURL(&c))
		fmt.Fprintf(os.Stderr, "Waiting for redirect on %s …\n", lb.redirect)

		select {
		case <-ctx.Done():
			lb.close()
			return nil, ctx.Err()
		case code := <-lb.codes:
			lb.close()
			return exchange(ctx, &c, code)
		case <-time.After(120 * time.Second):
			lb.close()
			fmt.Fprintln(os.Stderr, "Timeout waiting for redirect; falling back to manual paste.")
		}
	}

	fmt.Fprintln(os.Stderr, "Open this URL in your browser to authorize declutter:")
	fmt.Fprintln(os.Stderr, authURL(cfg))
	fmt.Fprintln(os.Stderr, "Paste the AUTH CODE itself or the FULL redirect URL here, then press Enter.")
	fmt.Fprint(os.Stderr, "> ")

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 1024), 1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read auth code: %w", err)
		}
		return nil, errors.New("empty authorization code")
	}
	code, err := codeFromInput(sc.Text())
	if err != nil {
		return nil, err
	}
	return exchange(ctx, cfg, code)
}
