package matrix

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/util/random"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/trestle/internal/store"
)

// FactoryConfig carries the homeserver coordinates the factory needs.
// AdminSecret is Synapse's registration_shared_secret, used to provision
// accounts without an admin session.
type FactoryConfig struct {
	HomeserverURL string
	AdminSecret   string

	// HTTPClient overrides the client used for both the admin API and the
	// Matrix client-server API. Mainly for tests.
	HTTPClient *http.Client
}

// Factory provisions homeserver accounts and produces logged-in clients for
// them. Each app user gets exactly one homeserver account, created lazily on
// first bridge connection.
type Factory struct {
	homeserverURL string
	domain        string
	adminSecret   string
	accounts      store.AccountStore
	sessions      *SessionManager
	httpClient    *http.Client
	log           *slog.Logger
}

func NewFactory(cfg FactoryConfig, accounts store.AccountStore, sessions *SessionManager, log *slog.Logger) (*Factory, error) {
	parsed, err := url.Parse(cfg.HomeserverURL)
	if err != nil {
		return nil, fmt.Errorf("parse homeserver url: %w", err)
	}
	domain := parsed.Hostname()
	if domain == "" {
		return nil, fmt.Errorf("homeserver url %q has no host", cfg.HomeserverURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Factory{
		homeserverURL: strings.TrimRight(cfg.HomeserverURL, "/"),
		domain:        domain,
		adminSecret:   cfg.AdminSecret,
		accounts:      accounts,
		sessions:      sessions,
		httpClient:    httpClient,
		log:           log,
	}, nil
}

// Domain returns the server name derived from the homeserver URL, used to
// build full Matrix user IDs from localparts.
func (f *Factory) Domain() string {
	return f.domain
}

// Acquire returns a logged-in client for the user's homeserver account,
// provisioning the account on first use. The stored access token is tried
// first; if the homeserver no longer accepts it, the factory falls back to a
// password login and persists the fresh token.
func (f *Factory) Acquire(ctx context.Context, userID int64) (*Client, error) {
	account, err := f.accounts.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		account, err = f.provision(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	mxid := id.UserID("@" + account.Username + ":" + f.domain)
	syncStore, err := f.sessions.SyncStore(account.Username)
	if err != nil {
		return nil, err
	}

	if account.AccessToken != "" {
		client, err := f.newClient(mxid, account.AccessToken, account.DeviceID, syncStore)
		if err != nil {
			return nil, err
		}
		resp, whoamiErr := client.mau.Whoami(ctx)
		if whoamiErr == nil {
			if resp.DeviceID != "" && string(resp.DeviceID) != account.DeviceID {
				account.DeviceID = string(resp.DeviceID)
				client.mau.DeviceID = resp.DeviceID
				if err := f.accounts.SaveAccount(ctx, account); err != nil {
					return nil, fmt.Errorf("save account: %w", err)
				}
			}
			return client, nil
		}
		f.log.Warn("stored access token rejected, retrying with password login",
			"user_id", userID, "error", whoamiErr)
	}

	return f.loginWithPassword(ctx, account, mxid, syncStore)
}

func (f *Factory) newClient(mxid id.UserID, token, deviceID string, syncStore mautrix.SyncStore) (*Client, error) {
	cli, err := mautrix.NewClient(f.homeserverURL, mxid, token)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	cli.Client = f.httpClient
	cli.DeviceID = id.DeviceID(deviceID)
	cli.Store = syncStore
	return &Client{mau: cli, log: f.log}, nil
}

func (f *Factory) loginWithPassword(ctx context.Context, account *store.MatrixAccount, mxid id.UserID, syncStore mautrix.SyncStore) (*Client, error) {
	client, err := f.newClient(mxid, "", "", syncStore)
	if err != nil {
		return nil, err
	}
	resp, err := client.mau.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: account.Username,
		},
		Password:         account.Password,
		DeviceID:         id.DeviceID(account.DeviceID),
		StoreCredentials: true,
	})
	if err != nil {
		return nil, fmt.Errorf("password login for %s: %w", mxid, err)
	}

	account.AccessToken = resp.AccessToken
	account.DeviceID = string(resp.DeviceID)
	if err := f.accounts.SaveAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}
	f.log.Info("refreshed homeserver session", "user_id", account.UserID, "mxid", mxid)
	return client, nil
}

// provision registers a fresh homeserver account through Synapse's shared
// secret registration endpoint and persists the credentials.
func (f *Factory) provision(ctx context.Context, userID int64) (*store.MatrixAccount, error) {
	localpart := "appuser_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	password := random.String(32)

	resp, err := f.registerAccount(ctx, localpart, password)
	if err != nil {
		return nil, fmt.Errorf("register homeserver account: %w", err)
	}

	account := &store.MatrixAccount{
		UserID:      userID,
		Username:    localpart,
		Password:    password,
		AccessToken: resp.AccessToken,
		DeviceID:    resp.DeviceID,
		CreatedAt:   time.Now().Unix(),
	}
	if err := f.accounts.SaveAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}
	f.log.Info("provisioned homeserver account", "user_id", userID, "localpart", localpart)
	return account, nil
}

type registerResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// registerAccount drives Synapse's /_synapse/admin/v1/register flow: fetch a
// nonce, then post the registration authenticated with an HMAC over the
// nonce, credentials, and admin flag. mautrix does not cover this endpoint,
// so the two requests go through net/http directly.
func (f *Factory) registerAccount(ctx context.Context, username, password string) (*registerResponse, error) {
	endpoint := f.homeserverURL + "/_synapse/admin/v1/register"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var nonceResp struct {
		Nonce string `json:"nonce"`
	}
	if err := f.doJSON(req, &nonceResp); err != nil {
		return nil, fmt.Errorf("fetch registration nonce: %w", err)
	}
	if nonceResp.Nonce == "" {
		return nil, fmt.Errorf("registration nonce is empty")
	}

	body, err := json.Marshal(map[string]any{
		"nonce":    nonceResp.Nonce,
		"username": username,
		"password": password,
		"admin":    false,
		"mac":      registrationMAC(f.adminSecret, nonceResp.Nonce, username, password),
	})
	if err != nil {
		return nil, err
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp registerResponse
	if err := f.doJSON(req, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("registration response has no access token")
	}
	return &resp, nil
}

func (f *Factory) doJSON(req *http.Request, out any) error {
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// registrationMAC computes the HMAC-SHA1 Synapse expects for shared secret
// registration: nonce, username, password, and the admin flag joined by NUL
// bytes.
func registrationMAC(secret, nonce, username, password string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(nonce))
	mac.Write([]byte{0})
	mac.Write([]byte(username))
	mac.Write([]byte{0})
	mac.Write([]byte(password))
	mac.Write([]byte{0})
	mac.Write([]byte("notadmin"))
	return hex.EncodeToString(mac.Sum(nil))
}
