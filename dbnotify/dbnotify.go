/*

package dbnotify provides a backchannel from the database so that writes made
by other processes sharing a PostgreSQL store reach our caches.

SQLite has no equivalent; with it, storylined is the only writer.
*/

package dbnotify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
)

const (
	sleepOnErrorTime = 5 * time.Second
)

// Op values come from TG_OP in the trigger.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

type NotificationEvent struct {
	Table string
	OnID  string
	Op    string
}

type DBNotifyListener struct {
	db                  *sql.DB
	tableNameToConsumer map[string]Consumer
}

type CacheStorage interface {
	CacheInvalidate(ctx context.Context, key string)
}

// Caller must implement.
type ClientNotifier[StoredType any] interface {
	NotifyUpdated(ctx context.Context, m StoredType)
	NotifyDeleted(ctx context.Context, id string)
}

type StorageFetcher[StoredType any] interface {
	Fetch(ctx context.Context, id string) (StoredType, error)
}

// ChangeDispatcher is a Consumer that invalidates a cache and then tells
// clients what changed.
type ChangeDispatcher[StoredType any] struct {
	tableName      string
	clientNotifier ClientNotifier[StoredType]
	cacheStorage   CacheStorage
	fetcher        StorageFetcher[StoredType]
}

func (cd *ChangeDispatcher[StoredType]) TableName() string {
	return cd.tableName
}

// NewChangeDispatcher builds a dispatcher; clientNotifier may be nil.
func NewChangeDispatcher[StoredType any](tableName string, clientNotifier ClientNotifier[StoredType], cacheStorage CacheStorage, fetcher StorageFetcher[StoredType]) *ChangeDispatcher[StoredType] {
	return &ChangeDispatcher[StoredType]{
		tableName:      tableName,
		clientNotifier: clientNotifier,
		cacheStorage:   cacheStorage,
		fetcher:        fetcher,
	}
}

type Consumer interface {
	TableName() string
	Consume(ctx context.Context, event *NotificationEvent)
}

func NewDBNotifyListener(db *sql.DB, consumers ...Consumer) (*DBNotifyListener, error) {
	m := make(map[string]Consumer)
	for _, c := range consumers {
		tableName := c.TableName()
		if _, exists := m[tableName]; exists {
			return nil, fmt.Errorf("duplicate consumer for table %s", tableName)
		}
		m[tableName] = c
	}

	return &DBNotifyListener{db: db, tableNameToConsumer: m}, nil
}

func (cl *DBNotifyListener) Close() error {
	err := cl.db.Close()
	cl.db = nil
	return err
}

// Listen blocks until ctx is done or the connection fails.
func (cl *DBNotifyListener) Listen(ctx context.Context) error {
	conn, err := cl.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var pgxConn *stdlib.Conn
	err = conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return errors.New("not a pgx connection")
		}
		pgxConn = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to get pgx connection: %w", err)
	}

	for table := range cl.tableNameToConsumer {
		channel := fmt.Sprintf("%s_changes", table)
		if _, err := pgxConn.Conn().Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
			return fmt.Errorf("failed to listen on channel %s: %w", channel, err)
		}
	}

	ch := make(chan *NotificationEvent)
	defer close(ch)
	go cl.consumeEvents(ctx, ch)

	for {
		var notification *pgconn.Notification
		if nf, err := pgxConn.Conn().WaitForNotification(ctx); err == nil {
			notification = nf
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("error waiting for notification: %w", err)
		}

		log.Printf("(received db notification %d %s)", notification.PID, notification.Payload)

		event, err := ParseEvent(notification.Payload)
		if err != nil {
			log.Printf("can't unmarshal notification payload '%s': %v", notification.Payload, err)
			time.Sleep(sleepOnErrorTime)
			continue
		}

		ch <- event
	}
}

// ParseEvent decodes a trigger payload.
func ParseEvent(payload string) (*NotificationEvent, error) {
	event := &NotificationEvent{}
	if err := json.Unmarshal([]byte(payload), event); err != nil {
		return nil, err
	}
	if event.Table == "" || event.OnID == "" {
		return nil, fmt.Errorf("incomplete event %q", payload)
	}
	return event, nil
}

func (cl *DBNotifyListener) consumeEvents(ctx context.Context, ch <-chan *NotificationEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			go cl.dispatch(ctx, event)
		}
	}
}

func (cl *DBNotifyListener) dispatch(ctx context.Context, event *NotificationEvent) {
	consumer, ok := cl.tableNameToConsumer[event.Table]
	if !ok {
		log.Printf("no listener for table %s", event.Table)
		return
	}
	consumer.Consume(ctx, event)
}

func (cd *ChangeDispatcher[StoredType]) Consume(ctx context.Context, event *NotificationEvent) {
	cd.cacheStorage.CacheInvalidate(ctx, event.OnID)

	if cd.clientNotifier == nil {
		return
	}
	if event.Op == OpDelete {
		cd.clientNotifier.NotifyDeleted(ctx, event.OnID)
		return
	}

	// Read-through.
	item, err := cd.fetcher.Fetch(ctx, event.OnID)
	if err != nil {
		log.Printf("drop notification: can't fetch item %s %s: %v", cd.tableName, event.OnID, err)
		return
	}
	cd.clientNotifier.NotifyUpdated(ctx, item)
}
