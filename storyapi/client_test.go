package storyapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ts4z/storyline/model"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

func newTestClient(t *testing.T, h http.Handler, tokens TokenSource) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/v1", srv.Client(), tokens)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestLogin(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/login" || r.Method != http.MethodPost {
			t.Errorf("got %s %s, want POST /v1/login", r.Method, r.URL.Path)
		}
		var in map[string]string
		json.NewDecoder(r.Body).Decode(&in)
		if in["email"] != "a@b.c" || in["password"] != "pw" {
			t.Errorf("got body %v", in)
		}
		io.WriteString(w, `{"error":false,"message":"success","loginResult":{"userId":"user-1","name":"Ani","token":"tok"}}`)
	})
	c := newTestClient(t, h, nil)

	sess, err := c.Login(context.Background(), "a@b.c", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	want := model.Session{UserID: "user-1", Name: "Ani", Token: "tok"}
	if *sess != want {
		t.Errorf("got %+v, want %+v", *sess, want)
	}
}

func TestStoriesSendsBearerAndPaging(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("got Authorization %q", got)
		}
		if r.URL.Query().Get("page") != "2" || r.URL.Query().Get("size") != "5" {
			t.Errorf("got query %s", r.URL.RawQuery)
		}
		io.WriteString(w, `{"error":false,"message":"ok","listStory":[{"id":"story-1","name":"Ani","description":"d","photoUrl":"p","createdAt":"2026-01-02T03:04:05.000Z","lat":-6.1,"lon":null}]}`)
	})
	c := newTestClient(t, h, staticToken("tok"))

	stories, err := c.Stories(context.Background(), 2, 5)
	if err != nil {
		t.Fatalf("Stories: %v", err)
	}
	if len(stories) != 1 || stories[0].ID != "story-1" {
		t.Fatalf("got %+v", stories)
	}
	if stories[0].Lat == nil || *stories[0].Lat != -6.1 || stories[0].Lon != nil {
		t.Errorf("got lat/lon %v/%v", stories[0].Lat, stories[0].Lon)
	}
}

func TestAPIErrors(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":true,"message":"Missing authentication"}`)
	})
	c := newTestClient(t, h, staticToken("tok"))

	_, err := c.Story(context.Background(), "story-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("got %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "Missing authentication" {
		t.Errorf("got %+v", apiErr)
	}
}

func TestAuthenticatedCallWithoutToken(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request sent without a token")
	})
	c := newTestClient(t, h, nil)
	if _, err := c.Stories(context.Background(), 1, 10); !errors.Is(err, ErrNoToken) {
		t.Errorf("got %v, want ErrNoToken", err)
	}
}

func TestPushSubscription(t *testing.T) {
	var methods []string
	var body map[string]any
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/notifications/subscribe" {
			t.Errorf("got path %s", r.URL.Path)
		}
		methods = append(methods, r.Method)
		body = nil
		json.NewDecoder(r.Body).Decode(&body)
		io.WriteString(w, `{"error":false,"message":"ok"}`)
	})
	c := newTestClient(t, h, staticToken("tok"))
	ctx := context.Background()

	raw := []byte{0xfb, 0xff, 0x01}
	sub := &model.Subscription{
		Endpoint: "https://push.test/e1",
		Keys: model.SubscriptionKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(raw),
			Auth:   base64.RawURLEncoding.EncodeToString(raw[:2]),
		},
	}
	if err := c.SubscribePush(ctx, sub); err != nil {
		t.Fatalf("SubscribePush: %v", err)
	}
	keys, _ := body["keys"].(map[string]any)
	if keys["p256dh"] != base64.StdEncoding.EncodeToString(raw) {
		t.Errorf("got p256dh %v, want standard base64", keys["p256dh"])
	}
	if keys["auth"] != base64.StdEncoding.EncodeToString(raw[:2]) {
		t.Errorf("got auth %v, want standard base64", keys["auth"])
	}

	if err := c.UnsubscribePush(ctx, sub.Endpoint); err != nil {
		t.Fatalf("UnsubscribePush: %v", err)
	}
	if body["endpoint"] != sub.Endpoint {
		t.Errorf("got body %v", body)
	}
	if strings.Join(methods, ",") != "POST,DELETE" {
		t.Errorf("got methods %v", methods)
	}
}

func TestAddStoryMultipart(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		if r.FormValue("description") != "hello" || r.FormValue("lat") != "-6.2" || r.FormValue("lon") != "106.8" {
			t.Errorf("got form %v", r.MultipartForm.Value)
		}
		f, _, err := r.FormFile("photo")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		b, _ := io.ReadAll(f)
		if string(b) != "jpegbytes" {
			t.Errorf("got photo %q", b)
		}
		io.WriteString(w, `{"error":false,"message":"Story created successfully"}`)
	})
	c := newTestClient(t, h, staticToken("tok"))

	lat, lon := -6.2, 106.8
	err := c.AddStory(context.Background(), &NewStory{
		Description: "hello",
		Photo:       strings.NewReader("jpegbytes"),
		Lat:         &lat,
		Lon:         &lon,
	})
	if err != nil {
		t.Fatalf("AddStory: %v", err)
	}
}
