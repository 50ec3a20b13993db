package webapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"

	"github.com/ts4z/storyline/assets"
	"github.com/ts4z/storyline/cachectl"
	"github.com/ts4z/storyline/dep"
	"github.com/ts4z/storyline/he"
	"github.com/ts4z/storyline/lifecycle"
	"github.com/ts4z/storyline/middleware"
	"github.com/ts4z/storyline/model"
	"github.com/ts4z/storyline/notify"
	"github.com/ts4z/storyline/push"
	"github.com/ts4z/storyline/pushsvc"
	"github.com/ts4z/storyline/urlpath"
	"github.com/ts4z/storyline/varz"
	"github.com/ts4z/storyline/windows"
)

var (
	clientClosedWhileListening = varz.NewInt("clientClosedWhileListening")
	timedOutWhileListening     = varz.NewInt("timedOutWhileListening")
	errorListening             = varz.NewInt("errorListening")
	listenNotifiedClient       = varz.NewInt("listenNotifiedClient")
	proxyErrors                = varz.NewInt("proxyErrors")
	offlinePagesServed         = varz.NewInt("offlinePagesServed")
)

const (
	listenTimeout = 50 * time.Second
	maxBodySize   = 1 << 20
)

type nower interface {
	Now() time.Time
}

// SavedStore is the saved-story store.  *localstore.Store satisfies it.
type SavedStore interface {
	Save(ctx context.Context, r *model.StoryRecord) bool
	Exists(ctx context.Context, id string) bool
	All(ctx context.Context) []*model.StoryRecord
	SavedSince(ctx context.Context, since time.Time) []*model.StoryRecord
	ByID(ctx context.Context, id string) (*model.StoryRecord, bool)
	Delete(ctx context.Context, id string) bool
	Count(ctx context.Context) int
}

// PushManager is satisfied by *push.Manager.
type PushManager interface {
	CheckStatus(ctx context.Context) model.SubscriptionState
	Subscribe(ctx context.Context) (*model.Subscription, error)
	Unsubscribe(ctx context.Context) bool
}

// Permissions is satisfied by *pushsvc.Platform.
type Permissions interface {
	Permission(ctx context.Context) (model.Permission, error)
	SetPermission(ctx context.Context, p model.Permission) error
}

// Agent is satisfied by *agent.Agent.
type Agent interface {
	http.RoundTripper
	Push(body []byte, encoding string) *lifecycle.Pending
	NotificationClick(tag string) *lifecycle.Pending
	NotificationClose(tag string) *lifecycle.Pending
}

// Notifications is satisfied by *notify.Dispatcher.
type Notifications interface {
	List() []model.Notification
}

// Windows is satisfied by *windows.Registry.
type Windows interface {
	Register(u string) model.Window
	Unregister(id string) bool
	Navigated(id, u string) error
	List() []model.Window
	Listen(ctx context.Context, id string) ([]windows.Command, error)
}

// Cache is satisfied by *cachectl.Controller.
type Cache interface {
	Generation() string
	Phase() cachectl.Phase
	Generations(ctx context.Context) ([]string, error)
}

// Config holds the configuration for creating a new App.
type Config struct {
	Origin         *url.URL
	Saved          SavedStore
	Push           PushManager
	Permissions    Permissions
	PushService    http.Handler
	Agent          Agent
	Notifications  Notifications
	Windows        Windows
	Cache          Cache
	AllowedOrigins []string
	Clock          nower
}

// App is storylined's HTTP face: the agent API under /_agent/, the push
// service under /_push/, and everything else proxied to the origin through
// the agent.
type App struct {
	origin        *url.URL
	saved         SavedStore
	push          PushManager
	permissions   Permissions
	pushService   http.Handler
	agent         Agent
	notifications Notifications
	windows       Windows
	cache         Cache
	clock         nower

	mux     *http.ServeMux
	handler http.Handler
}

func allowedOrigins(origin *url.URL, extra []string) []string {
	r := []string{origin.Scheme + "://" + origin.Host}
	r = append(r, extra...)
	for _, o := range r {
		log.Printf("CORS allowing origin %s", o)
	}
	return r
}

// New creates a new App with the given configuration.
func New(config *Config) *App {
	app := &App{
		origin:        dep.Required(config.Origin),
		saved:         dep.Required(config.Saved),
		push:          dep.Required(config.Push),
		permissions:   dep.Required(config.Permissions),
		pushService:   config.PushService,
		agent:         dep.Required(config.Agent),
		notifications: dep.Required(config.Notifications),
		windows:       dep.Required(config.Windows),
		cache:         dep.Required(config.Cache),
		clock:         dep.Required(config.Clock),
		mux:           http.NewServeMux(),
	}

	noStore := middleware.NewCacheHeaderAdder(&middleware.CacheHeaderAdderConfig{
		Maybe:   func(r *http.Request) bool { return strings.HasPrefix(r.URL.Path, "/_agent/") },
		Next:    app.mux,
		NoStore: true,
	})
	csp := http.NewCrossOriginProtection()
	logger := middleware.NewRequestLogger(csp.Handler(noStore), app.clock)
	corsMW := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins(app.origin, config.AllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowCredentials: true,
	})
	app.handler = corsMW.Handler(logger)

	app.InstallHandlers()
	return app
}

// Handler returns the configured HTTP handler.
func (app *App) Handler() http.Handler {
	return app.handler
}

func (app *App) handleFunc(pattern string, handler func(context.Context, http.ResponseWriter, *http.Request)) {
	app.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		handler(ctx, w, r)
	})
}

func (app *App) handleFuncTakingID(pattern string, handler func(context.Context, string, http.ResponseWriter, *http.Request)) {
	app.handleFunc(pattern, func(ctx context.Context, w http.ResponseWriter, r *http.Request) {
		id, err := urlpath.IDPathValue(w, r)
		if err != nil {
			return
		}
		handler(ctx, id, w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	bytes, err := json.Marshal(v)
	if err != nil {
		he.SendErrorToHTTPClient(w, "marshal response", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writ, err := w.Write(bytes)
	if err != nil {
		log.Printf("error writing response to client: %v", err)
	} else if writ != len(bytes) {
		log.Println("short write to client")
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		return he.HTTPCodedErrorf(http.StatusBadRequest, "decoding json: %w", err)
	}
	return nil
}

func (app *App) handleListSaved(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")
	if since == "" {
		writeJSON(w, http.StatusOK, app.saved.All(ctx))
		return
	}
	t, err := time.Parse(time.RFC3339, since)
	if err != nil {
		he.SendErrorToHTTPClient(w, "parse since", he.HTTPCodedErrorf(http.StatusBadRequest, "bad since %q: %v", since, err))
		return
	}
	writeJSON(w, http.StatusOK, app.saved.SavedSince(ctx, t))
}

func (app *App) handleGetSaved(ctx context.Context, id string, w http.ResponseWriter, r *http.Request) {
	rec, ok := app.saved.ByID(ctx, id)
	if !ok {
		he.SendErrorToHTTPClient(w, "find saved story", he.HTTPCodedErrorf(http.StatusNotFound, "story %s is not saved", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (app *App) handleSavedExists(ctx context.Context, id string, w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"exists": app.saved.Exists(ctx, id)})
}

func (app *App) handlePutSaved(ctx context.Context, id string, w http.ResponseWriter, r *http.Request) {
	var rec model.StoryRecord
	if err := decodeJSON(r, &rec); err != nil {
		he.SendErrorToHTTPClient(w, "save story", err)
		return
	}
	if rec.ID == "" {
		rec.ID = id
	}
	if rec.ID != id {
		he.SendErrorToHTTPClient(w, "save story", he.HTTPCodedErrorf(http.StatusBadRequest, "id %q in body does not match %q in path", rec.ID, id))
		return
	}
	if !app.saved.Save(ctx, &rec) {
		he.SendErrorToHTTPClient(w, "save story", errors.New("store refused the write"))
		return
	}
	saved, ok := app.saved.ByID(ctx, id)
	if !ok {
		saved = &rec
	}
	writeJSON(w, http.StatusOK, saved)
}

func (app *App) handleDeleteSaved(ctx context.Context, id string, w http.ResponseWriter, r *http.Request) {
	if !app.saved.Delete(ctx, id) {
		he.SendErrorToHTTPClient(w, "delete story", errors.New("store refused the delete"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (app *App) handleCountSaved(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": app.saved.Count(ctx)})
}

type pushStatus struct {
	model.SubscriptionState
	Permission model.Permission `json:"permission"`
}

func (app *App) handlePushStatus(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	perm, err := app.permissions.Permission(ctx)
	if err != nil {
		log.Printf("can't read notification permission: %v", err)
		perm = model.PermissionDefault
	}
	writeJSON(w, http.StatusOK, pushStatus{app.push.CheckStatus(ctx), perm})
}

type subscribeRequest struct {
	// Permission, when set, records the user's answer before subscribing.
	Permission model.Permission `json:"permission"`
}

func (app *App) handlePushSubscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			he.SendErrorToHTTPClient(w, "subscribe", err)
			return
		}
	}
	if req.Permission != "" {
		if err := app.permissions.SetPermission(ctx, req.Permission); err != nil {
			he.SendErrorToHTTPClient(w, "record permission", he.New(http.StatusBadRequest, err))
			return
		}
	}

	sub, err := app.push.Subscribe(ctx)
	switch {
	case errors.Is(err, push.ErrUnsupported):
		he.SendErrorToHTTPClient(w, "subscribe", he.New(http.StatusNotImplemented, err))
		return
	case errors.Is(err, push.ErrPermissionDenied):
		he.SendErrorToHTTPClient(w, "subscribe", he.New(http.StatusForbidden, err))
		return
	case err != nil:
		he.SendErrorToHTTPClient(w, "subscribe", err)
		return
	}
	writeJSON(w, http.StatusOK, model.SubscriptionState{Status: model.StatusSubscribed, Subscription: sub})
}

func (app *App) handlePushUnsubscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ok := app.push.Unsubscribe(ctx)
	writeJSON(w, http.StatusOK, map[string]bool{"unsubscribed": ok})
}

// handlePushDeliver takes a push message directly, without going through a
// push service.
func (app *App) handlePushDeliver(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		he.SendErrorToHTTPClient(w, "read push message", he.HTTPCodedErrorf(http.StatusBadRequest, "%v", err))
		return
	}
	if err := app.agent.Push(body, r.Header.Get("Content-Encoding")).Wait(); err != nil {
		he.SendErrorToHTTPClient(w, "deliver push message", he.New(http.StatusBadRequest, err))
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (app *App) handleListNotifications(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.notifications.List())
}

func notificationError(err error) error {
	if errors.Is(err, notify.ErrNoSuchNotification) {
		return he.New(http.StatusNotFound, err)
	}
	return err
}

func (app *App) handleNotificationClick(ctx context.Context, tag string, w http.ResponseWriter, r *http.Request) {
	if err := app.agent.NotificationClick(tag).Wait(); err != nil {
		he.SendErrorToHTTPClient(w, "click notification", notificationError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (app *App) handleNotificationClose(ctx context.Context, tag string, w http.ResponseWriter, r *http.Request) {
	if err := app.agent.NotificationClose(tag).Wait(); err != nil {
		he.SendErrorToHTTPClient(w, "close notification", notificationError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type windowRequest struct {
	URL string `json:"url"`
}

func (app *App) handleRegisterWindow(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var req windowRequest
	if err := decodeJSON(r, &req); err != nil {
		he.SendErrorToHTTPClient(w, "register window", err)
		return
	}
	if req.URL == "" {
		he.SendErrorToHTTPClient(w, "register window", he.HTTPCodedErrorf(http.StatusBadRequest, "url is required"))
		return
	}
	writeJSON(w, http.StatusCreated, app.windows.Register(req.URL))
}

func (app *App) handleListWindows(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.windows.List())
}

func windowError(err error) error {
	if errors.Is(err, windows.ErrNoSuchWindow) {
		return he.New(http.StatusNotFound, err)
	}
	return err
}

func (app *App) handleUnregisterWindow(ctx context.Context, id string, w http.ResponseWriter, r *http.Request) {
	if !app.windows.Unregister(id) {
		he.SendErrorToHTTPClient(w, "unregister window", windowError(windows.ErrNoSuchWindow))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (app *App) handleWindowNavigated(ctx context.Context, id string, w http.ResponseWriter, r *http.Request) {
	var req windowRequest
	if err := decodeJSON(r, &req); err != nil {
		he.SendErrorToHTTPClient(w, "record navigation", err)
		return
	}
	if err := app.windows.Navigated(id, req.URL); err != nil {
		he.SendErrorToHTTPClient(w, "record navigation", windowError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWindowListen is a long poll.  It answers with the queued commands,
// or an empty list after listenTimeout.
func (app *App) handleWindowListen(ctx context.Context, id string, w http.ResponseWriter, r *http.Request) {
	lctx, cancel := context.WithTimeout(ctx, listenTimeout)
	defer cancel()

	cmds, err := app.windows.Listen(lctx, id)
	if err != nil {
		errorListening.Add(1)
		he.SendErrorToHTTPClient(w, "listen for window commands", windowError(err))
		return
	}
	if ctx.Err() != nil {
		clientClosedWhileListening.Add(1)
		log.Printf("client closed connection while listening for window %s", id)
		return
	}
	if len(cmds) == 0 {
		timedOutWhileListening.Add(1)
	} else {
		listenNotifiedClient.Add(1)
	}
	writeJSON(w, http.StatusOK, cmds)
}

type cacheStatus struct {
	Generation  string         `json:"generation"`
	Phase       cachectl.Phase `json:"phase"`
	Generations []string       `json:"generations"`
}

func (app *App) handleCacheStatus(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	names, err := app.cache.Generations(ctx)
	if err != nil {
		he.SendErrorToHTTPClient(w, "list cache generations", err)
		return
	}
	writeJSON(w, http.StatusOK, cacheStatus{
		Generation:  app.cache.Generation(),
		Phase:       app.cache.Phase(),
		Generations: names,
	})
}

// serveOffline answers a navigation the agent could not satisfy.
func (app *App) serveOffline(w http.ResponseWriter, r *http.Request, cause error) {
	proxyErrors.Add(1)
	if !cachectl.IsNavigation(r) {
		he.SendErrorToHTTPClient(w, "reach origin", he.New(http.StatusBadGateway, cause))
		return
	}
	page, err := fs.ReadFile(assets.FS, assets.OfflinePage)
	if err != nil {
		he.SendErrorToHTTPClient(w, "load offline page", err)
		return
	}
	offlinePagesServed.Add(1)
	log.Printf("offline navigation to %s: %v", r.URL.Path, cause)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write(page)
}

func (app *App) newProxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(app.origin)
			pr.SetXForwarded()
		},
		Transport:    app.agent,
		ErrorHandler: app.serveOffline,
	}
}

// InstallHandlers registers all HTTP routes.
func (app *App) InstallHandlers() {
	app.handleFunc("GET /_agent/saved", app.handleListSaved)
	app.handleFunc("GET /_agent/saved/count", app.handleCountSaved)
	app.handleFuncTakingID("GET /_agent/saved/{id}", app.handleGetSaved)
	app.handleFuncTakingID("GET /_agent/saved/{id}/exists", app.handleSavedExists)
	app.handleFuncTakingID("PUT /_agent/saved/{id}", app.handlePutSaved)
	app.handleFuncTakingID("DELETE /_agent/saved/{id}", app.handleDeleteSaved)

	app.handleFunc("GET /_agent/push", app.handlePushStatus)
	app.handleFunc("POST /_agent/push/subscribe", app.handlePushSubscribe)
	app.handleFunc("POST /_agent/push/unsubscribe", app.handlePushUnsubscribe)
	app.handleFunc("POST /_agent/push/deliver", app.handlePushDeliver)

	app.handleFunc("GET /_agent/notifications", app.handleListNotifications)
	app.handleFuncTakingID("POST /_agent/notifications/{id}/click", app.handleNotificationClick)
	app.handleFuncTakingID("POST /_agent/notifications/{id}/close", app.handleNotificationClose)

	app.handleFunc("GET /_agent/windows", app.handleListWindows)
	app.handleFunc("POST /_agent/windows", app.handleRegisterWindow)
	app.handleFuncTakingID("DELETE /_agent/windows/{id}", app.handleUnregisterWindow)
	app.handleFuncTakingID("POST /_agent/windows/{id}/navigated", app.handleWindowNavigated)
	app.handleFuncTakingID("POST /_agent/windows/{id}/listen", app.handleWindowListen)

	app.handleFunc("GET /_agent/cache", app.handleCacheStatus)

	if app.pushService != nil {
		app.mux.Handle("/_push/", http.StripPrefix("/_push", app.pushService))
	}

	app.mux.Handle("GET /debug/vars", varz.Handler())

	app.mux.Handle("/", app.newProxy())
}

// Wrapper to just return the input context.
func contextualizer(ctx context.Context) func(net.Listener) context.Context {
	return func(_ net.Listener) context.Context {
		return ctx
	}
}

// Serve starts the HTTP server on the given listen address and shuts it
// down when ctx is done.
func (app *App) Serve(ctx context.Context, listenAddress string) error {
	server := &http.Server{
		Addr:         listenAddress,
		Handler:      app.handler,
		BaseContext:  contextualizer(ctx),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * listenTimeout,
		IdleTimeout:  12 * time.Hour,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			log.Printf("can't shut down http server: %v", err)
		}
	}()

	log.Printf("listening on %s", listenAddress)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server exited: %w", err)
	}
	wg.Wait()
	return nil
}

var (
	_ Permissions = (*pushsvc.Platform)(nil)
	_ PushManager = (*push.Manager)(nil)
)
