// Package storyapi talks to the remote story service.
package storyapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ts4z/storyline/model"
)

// TokenSource supplies the bearer token for authenticated calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// APIError is a non-2xx answer, or a 2xx one with "error": true.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("story api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("story api: status %d: %s", e.StatusCode, e.Message)
}

var ErrNoToken = errors.New("no bearer token")

type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenSource
}

// New returns a client for baseURL.  tokens may be nil, in which case only
// unauthenticated calls work.
func New(baseURL string, httpClient *http.Client, tokens TokenSource) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("bad api base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("bad api base url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: u, http: httpClient, tokens: tokens}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

type envelope struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, contentType string, body io.Reader, auth bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if auth {
		if c.tokens == nil {
			return ErrNoToken
		}
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoToken, err)
		}
		if tok == "" {
			return ErrNoToken
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	var env envelope
	_ = json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 || env.Error {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, method, path string, in any, auth bool, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, method, path, nil, "application/json", bytes.NewReader(b), auth, out)
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, name, email, password string) error {
	in := map[string]string{"name": name, "email": email, "password": password}
	return c.postJSON(ctx, http.MethodPost, "/register", in, false, nil)
}

// Login exchanges credentials for a session.
func (c *Client) Login(ctx context.Context, email, password string) (*model.Session, error) {
	in := map[string]string{"email": email, "password": password}
	var out struct {
		LoginResult struct {
			UserID string `json:"userId"`
			Name   string `json:"name"`
			Token  string `json:"token"`
		} `json:"loginResult"`
	}
	if err := c.postJSON(ctx, http.MethodPost, "/login", in, false, &out); err != nil {
		return nil, err
	}
	if out.LoginResult.Token == "" {
		return nil, errors.New("login response has no token")
	}
	return &model.Session{
		UserID: out.LoginResult.UserID,
		Name:   out.LoginResult.Name,
		Token:  out.LoginResult.Token,
	}, nil
}

// Stories lists one page.  page and size default to 1 and 10.
func (c *Client) Stories(ctx context.Context, page, size int) ([]*model.Story, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	var out struct {
		ListStory []*model.Story `json:"listStory"`
	}
	if err := c.do(ctx, http.MethodGet, "/stories", q, "", nil, true, &out); err != nil {
		return nil, err
	}
	return out.ListStory, nil
}

func (c *Client) Story(ctx context.Context, id string) (*model.Story, error) {
	var out struct {
		Story *model.Story `json:"story"`
	}
	if err := c.do(ctx, http.MethodGet, "/stories/"+url.PathEscape(id), nil, "", nil, true, &out); err != nil {
		return nil, err
	}
	if out.Story == nil {
		return nil, fmt.Errorf("story %q: empty response", id)
	}
	return out.Story, nil
}

// NewStory is what AddStory uploads.
type NewStory struct {
	Description string
	PhotoName   string
	Photo       io.Reader
	Lat, Lon    *float64
}

func (c *Client) AddStory(ctx context.Context, s *NewStory) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("description", s.Description); err != nil {
		return err
	}
	name := s.PhotoName
	if name == "" {
		name = "photo.jpg"
	}
	fw, err := w.CreateFormFile("photo", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, s.Photo); err != nil {
		return fmt.Errorf("read photo: %w", err)
	}
	if s.Lat != nil && s.Lon != nil {
		w.WriteField("lat", strconv.FormatFloat(*s.Lat, 'f', -1, 64))
		w.WriteField("lon", strconv.FormatFloat(*s.Lon, 'f', -1, 64))
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/stories", nil, w.FormDataContentType(), &buf, true, nil)
}

// The server wants the subscription keys in standard base64.
type remoteKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

type remoteSubscription struct {
	Endpoint string     `json:"endpoint"`
	Keys     remoteKeys `json:"keys"`
}

func stdBase64(rawURL string) string {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(rawURL, "="))
	if err != nil {
		return rawURL
	}
	return base64.StdEncoding.EncodeToString(b)
}

// SubscribePush registers a push subscription for the logged in user.
func (c *Client) SubscribePush(ctx context.Context, sub *model.Subscription) error {
	in := remoteSubscription{
		Endpoint: sub.Endpoint,
		Keys: remoteKeys{
			P256dh: stdBase64(sub.Keys.P256dh),
			Auth:   stdBase64(sub.Keys.Auth),
		},
	}
	return c.postJSON(ctx, http.MethodPost, "/notifications/subscribe", in, true, nil)
}

func (c *Client) UnsubscribePush(ctx context.Context, endpoint string) error {
	in := map[string]string{"endpoint": endpoint}
	return c.postJSON(ctx, http.MethodDelete, "/notifications/subscribe", in, true, nil)
}
