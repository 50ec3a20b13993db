package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ts4z/storyline/agent"
	"github.com/ts4z/storyline/cachectl"
	"github.com/ts4z/storyline/config"
	"github.com/ts4z/storyline/dbcache"
	"github.com/ts4z/storyline/dbnotify"
	"github.com/ts4z/storyline/dbutil"
	"github.com/ts4z/storyline/generations"
	"github.com/ts4z/storyline/gossip"
	"github.com/ts4z/storyline/localstore"
	"github.com/ts4z/storyline/model"
	"github.com/ts4z/storyline/notify"
	"github.com/ts4z/storyline/push"
	"github.com/ts4z/storyline/pushsvc"
	"github.com/ts4z/storyline/session"
	"github.com/ts4z/storyline/state"
	"github.com/ts4z/storyline/storyapi"
	"github.com/ts4z/storyline/ts"
	"github.com/ts4z/storyline/webapp"
	"github.com/ts4z/storyline/windows"
)

// listenForChanges forwards writes made by other processes to the cache and
// the windows.  Only PostgreSQL can tell us about those.
func listenForChanges(ctx context.Context, conn *dbutil.Connector, cache *dbcache.StoryStorage, registry *windows.Registry) {
	db, err := conn.Open(ctx)
	if err != nil {
		log.Printf("can't open notification connection: %v", err)
		return
	}
	dispatcher := dbnotify.NewChangeDispatcher[*model.StoryRecord]("saved_stories", registry, cache, cache)
	listener, err := dbnotify.NewDBNotifyListener(db.DB, dispatcher)
	if err != nil {
		log.Printf("can't create notification listener: %v", err)
		db.Close()
		return
	}
	go func() {
		defer listener.Close()
		if err := listener.Listen(ctx); err != nil && ctx.Err() == nil {
			log.Printf("database listener stopped: %v", err)
		}
	}()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	config.Init()

	clock := ts.NewRealClock()

	if err := os.MkdirAll(config.DataDir(), 0o700); err != nil {
		log.Fatalf("can't create data dir: %v", err)
	}

	origin, err := url.Parse(config.OriginURL())
	if err != nil {
		log.Fatalf("can't parse origin_url: %v", err)
	}
	daemon, err := url.Parse(config.DaemonURL())
	if err != nil {
		log.Fatalf("can't parse listen_address: %v", err)
	}

	conn, err := dbutil.Connect(ctx, config.StoreDriver(), config.SQLitePath(), config.DBURL())
	if err != nil {
		log.Fatalf("can't configure database: %v", err)
	}

	storage, err := state.NewDBStorage(ctx, conn, clock)
	if err != nil {
		log.Fatalf("can't open database: %v", err)
	}

	registry := windows.New(daemon, clock)

	cached := dbcache.NewStoryStorage(config.LRUSize(), storage)
	saved := localstore.New(gossip.NewStoryStorage(cached, registry))
	defer cached.Close()

	if conn.Dialect() == dbutil.DialectPostgres {
		listenForChanges(ctx, conn, cached, registry)
	}

	gens, err := generations.Open(config.GenerationsPath())
	if err != nil {
		log.Fatalf("can't open cache generations: %v", err)
	}
	defer gens.Close()

	ctl, err := cachectl.New(cachectl.Config{
		Generation:         config.CacheName(),
		Origin:             origin,
		Manifest:           config.ShellManifest(),
		Allowlist:          cachectl.Allowlist(config.StaticAllowlist()),
		NavigationFallback: config.NavigationFallback(),
		SkipWaiting:        config.SkipWaiting(),
	}, gens, http.DefaultTransport, clock)
	if err != nil {
		log.Fatalf("can't create cache controller: %v", err)
	}

	sess, err := session.Open(config.SessionPath(), config.SessionHashKey(), config.SessionBlockKey())
	if err != nil {
		log.Fatalf("can't open session: %v", err)
	}

	api, err := storyapi.New(config.APIBaseURL(), nil, sess)
	if err != nil {
		log.Fatalf("can't create api client: %v", err)
	}

	// The daemon never prompts; storylinectl records the user's decision.
	platform := pushsvc.New(config.PushServiceURL(), nil, storage, nil, clock)
	manager := push.NewManager(platform, api, config.VAPIDPublicKey())
	dispatcher := notify.New(platform, registry, clock)

	worker := agent.New(ctx, ctl, dispatcher)
	go func() {
		if err := worker.Start().Wait(); err != nil {
			log.Printf("can't start cache: %v", err)
		}
	}()

	pushService := pushsvc.NewService(platform, func(ctx context.Context, body []byte, encoding string) error {
		return worker.Push(body, encoding).Wait()
	})

	app := webapp.New(&webapp.Config{
		Origin:         origin,
		Saved:          saved,
		Push:           manager,
		Permissions:    platform,
		PushService:    pushService,
		Agent:          worker,
		Notifications:  dispatcher,
		Windows:        registry,
		Cache:          ctl,
		AllowedOrigins: config.AllowedOrigins(),
		Clock:          clock,
	})

	if config.OpenBrowser() {
		go func() {
			if err := registry.Open("/"); err != nil {
				log.Printf("can't open browser: %v", err)
			}
		}()
	}

	serveErr := app.Serve(ctx, config.ListenAddress())

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := worker.Stop(stopCtx); err != nil {
		log.Printf("can't stop agent cleanly: %v", err)
	}

	if serveErr != nil {
		log.Fatalf("can't serve: %v", serveErr)
	}
}
