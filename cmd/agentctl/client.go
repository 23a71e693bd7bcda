package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// errPending is returned while a deactivation request waits for approval.
var errPending = errors.New("deactivation pending approval")

// apiError is a non-success response from the server.
type apiError struct {
	Status int
	Msg    string
}

func (e *apiError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("server: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("server: %d %s", e.Status, e.Msg)
}

type client struct {
	base  *url.URL
	http  *http.Client
	token string
}

func loadTLS(caPath string, insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // dev only, opt-in flag
	}
	if caPath == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func newClient(addr, caPath string, insecure bool, token string) (*client, error) {
	base, err := url.Parse(strings.TrimRight(addr, "/"))
	if err != nil {
		return nil, err
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("addr must be http(s)://host[:port], got %q", addr)
	}
	tlsCfg, err := loadTLS(caPath, insecure)
	if err != nil {
		return nil, err
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if tlsCfg != nil {
		tr.TLSClientConfig = tlsCfg
	}
	return &client{base: base, http: &http.Client{Transport: tr}, token: token}, nil
}

func (c *client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	u := *c.base
	u.Path += path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

// readError turns an unexpected response into an apiError.
func readError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	return &apiError{Status: resp.StatusCode, Msg: body.Error}
}

func (c *client) login(ctx context.Context, email, password string) (string, time.Time, error) {
	b, _ := json.Marshal(map[string]string{"email": email, "password": password})
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/session", bytes.NewReader(b), "application/json")
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, readError(resp)
	}
	var out struct {
		AccessToken string    `json:"access_token"`
		ExpiresAt   time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, err
	}
	return out.AccessToken, out.ExpiresAt, nil
}

func deviceForm(identifier, deviceID string) url.Values {
	return url.Values{"identifier": {identifier}, "device_id": {deviceID}}
}

func (c *client) activate(ctx context.Context, identifier, deviceID string) error {
	form := deviceForm(identifier, deviceID).Encode()
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/agent/activation",
		strings.NewReader(form), "application/x-www-form-urlencoded")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return readError(resp)
	}
	return nil
}

// deactivate polls once. It returns nil when approved and errPending while waiting.
func (c *client) deactivate(ctx context.Context, identifier, deviceID string) error {
	form := deviceForm(identifier, deviceID).Encode()
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/agent/deactivation",
		strings.NewReader(form), "application/x-www-form-urlencoded")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusUnauthorized && resp.Header.Get("X-Deactivation-Status") == "pending":
		return errPending
	default:
		return readError(resp)
	}
}

func (c *client) configHash(ctx context.Context) (string, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/agent/config/hash", nil, "")
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return "", false, nil
	case http.StatusOK:
		b, err := io.ReadAll(io.LimitReader(resp.Body, 256))
		if err != nil {
			return "", false, err
		}
		return strings.TrimSpace(string(b)), true, nil
	default:
		return "", false, readError(resp)
	}
}

// download streams the payload into w and returns the server-side hash from the ETag.
func (c *client) download(ctx context.Context, w io.Writer) (etag string, ok bool, err error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/agent/config", nil, "")
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return "", false, nil
	case http.StatusOK:
	default:
		return "", false, readError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", false, err
	}
	etag = resp.Header.Get("ETag")
	if s, err := strconv.Unquote(etag); err == nil {
		etag = s
	}
	return etag, true, nil
}

func (c *client) publish(ctx context.Context, groupID int64, r io.Reader) (string, error) {
	path := "/api/v1/admin/groups/" + strconv.FormatInt(groupID, 10) + "/payload"
	resp, err := c.do(ctx, http.MethodPut, path, r, "application/octet-stream")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readError(resp)
	}
	var out struct {
		DataSHA1 string `json:"data_sha1"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.DataSHA1, nil
}
