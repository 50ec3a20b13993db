package pushsvc

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ts4z/storyline/he"
	"github.com/ts4z/storyline/varz"
)

var (
	serviceSubscribes = varz.NewInt("serviceSubscribes")
	serviceDeliveries = varz.NewInt("serviceDeliveries")
	serviceGone       = varz.NewInt("serviceGone")
)

const maxMessageSize = 4096

// Deliverer receives a push message addressed to the current subscription.
// encoding is the request's Content-Encoding; "aes128gcm" means body is
// encrypted.
type Deliverer func(ctx context.Context, body []byte, encoding string) error

// Service is a small push service for a single user agent: enough of
// RFC 8030 for storylined to be its own push service.  Mount it with
// http.StripPrefix.
type Service struct {
	platform *Platform
	deliver  Deliverer
	mux      *http.ServeMux
}

func NewService(platform *Platform, deliver Deliverer) *Service {
	s := &Service{platform: platform, deliver: deliver, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /subscribe", s.handleSubscribe)
	s.mux.HandleFunc("POST /r/{id}", s.handlePush)
	s.mux.HandleFunc("DELETE /r/{id}", s.handleRelease)
	return s
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Service) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	serviceSubscribes.Add(1)
	w.Header().Set("Location", "r/"+id)
	w.WriteHeader(http.StatusCreated)
}

func (s *Service) current(ctx context.Context, id string) bool {
	rec, err := s.platform.Record(ctx)
	if err != nil {
		log.Printf("can't read subscription: %v", err)
		return false
	}
	return rec != nil && strings.HasSuffix(rec.Endpoint, "/r/"+id)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.current(ctx, r.PathValue("id")) {
		serviceGone.Add(1)
		he.SendErrorToHTTPClient(w, "push", he.HTTPCodedErrorf(http.StatusGone, "no such subscription"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize+1))
	if err != nil {
		he.SendErrorToHTTPClient(w, "push", he.HTTPCodedErrorf(http.StatusBadRequest, "can't read message: %v", err))
		return
	}
	if len(body) > maxMessageSize {
		he.SendErrorToHTTPClient(w, "push", he.HTTPCodedErrorf(http.StatusRequestEntityTooLarge, "message too large"))
		return
	}
	if err := s.deliver(ctx, body, r.Header.Get("Content-Encoding")); err != nil {
		he.SendErrorToHTTPClient(w, "push", err)
		return
	}
	serviceDeliveries.Add(1)
	w.WriteHeader(http.StatusCreated)
}

func (s *Service) handleRelease(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
