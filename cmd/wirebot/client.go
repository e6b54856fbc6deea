package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/org/wirebot/internal/auth"
)

// tokenTTL bounds locally signed tokens to a single command.
const tokenTTL = 5 * time.Minute

// Client is an HTTP client for the wirebot intent API.
type Client struct {
	addr  string
	token string
	http  *http.Client
}

// bearerToken returns the token to present: a fresh one signed with the
// shared secret, or the configured pre-issued token.
func bearerToken(c CLIConfig) (string, error) {
	secret := c.Secret
	if v := os.Getenv("WIREBOT_API_SECRET"); v != "" {
		secret = v
	}
	id := c.OperatorID
	if v := os.Getenv("WIREBOT_OPERATOR_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return "", fmt.Errorf("WIREBOT_OPERATOR_ID: %w", err)
		}
		id = n
	}
	if secret == "" {
		if v := os.Getenv("WIREBOT_TOKEN"); v != "" {
			return v, nil
		}
		if c.Token == "" {
			return "", errors.New("no credentials: run `wirebot login` or set WIREBOT_API_SECRET")
		}
		return c.Token, nil
	}
	if id <= 0 {
		return "", errors.New("operator id not set: run `wirebot login` or set WIREBOT_OPERATOR_ID")
	}
	tokens, err := auth.NewTokenService([]byte(secret))
	if err != nil {
		return "", err
	}
	return tokens.CreateToken(id, "", tokenTTL)
}

// newClient creates a Client from the current config.
func newClient() (*Client, error) {
	addr := cfg.Address
	if v := os.Getenv("WIREBOT_ADDR"); v != "" {
		addr = v
	}
	caCert := cfg.TLSCACert
	if v := os.Getenv("WIREBOT_CACERT"); v != "" {
		caCert = v
	}
	token, err := bearerToken(cfg)
	if err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCert != "" {
		data, err := os.ReadFile(caCert)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(data)
		tlsCfg.RootCAs = pool
	}

	httpClient := &http.Client{
		// install and restore wait for the lifecycle script
		Timeout:   6 * time.Minute,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}
	return &Client{addr: addr, token: token, http: httpClient}, nil
}

// apiError is an error response from the daemon.
type apiError struct {
	Status     int
	Message    string
	RetryAfter string
}

func (e *apiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.RetryAfter != "" {
		return fmt.Sprintf("%s (retry after %ss)", msg, e.RetryAfter)
	}
	return msg
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.addr+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

func parseError(resp *http.Response) error {
	e := &apiError{Status: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}
	var body struct {
		Errors []string `json:"errors"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) == nil && len(body.Errors) > 0 {
		e.Message = body.Errors[0]
	}
	return e
}

// call performs the request and decodes a JSON response into out, if set.
func (c *Client) call(method, path string, body, out any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// raw performs a GET and returns the body unparsed.
func (c *Client) raw(path string) ([]byte, error) {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
