package listener

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"
)

const (
	// ChannelSyncRequested carries a connection ID in its payload
	ChannelSyncRequested = "sync_requested"
	reconnectInterval    = 5 * time.Second
	pingInterval         = 90 * time.Second
)

// SyncRequestHandler receives the connection ID of each out-of-band sync request
type SyncRequestHandler func(connectionID string)

// SyncListener listens for PostgreSQL notifications requesting a connection sync
type SyncListener struct {
	connStr    string
	handle     SyncRequestHandler
	shutdownCh chan struct{}
	done       chan struct{}
}

// NewSyncListener creates a new listener for sync request notifications
func NewSyncListener(connStr string, handle SyncRequestHandler) *SyncListener {
	return &SyncListener{
		connStr:    connStr,
		handle:     handle,
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins listening for notifications in a background goroutine
func (l *SyncListener) Start(ctx context.Context) {
	go l.listen(ctx)
	log.Println("Sync request listener started")
}

// Stop gracefully shuts down the listener
func (l *SyncListener) Stop() {
	close(l.shutdownCh)
	<-l.done
	log.Println("Sync request listener stopped")
}

func (l *SyncListener) listen(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		default:
			l.connectAndListen(ctx)
		}

		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
			log.Println("Reconnecting to PostgreSQL for sync requests...")
		}
	}
}

func (l *SyncListener) connectAndListen(ctx context.Context) {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			log.Println("Connected to PostgreSQL notification channel")
		case pq.ListenerEventDisconnected:
			log.Printf("Disconnected from PostgreSQL notification channel: %v", err)
		case pq.ListenerEventReconnected:
			log.Println("Reconnected to PostgreSQL notification channel")
		case pq.ListenerEventConnectionAttemptFailed:
			log.Printf("Connection attempt failed: %v", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(ChannelSyncRequested); err != nil {
		log.Printf("Failed to listen on channel %s: %v", ChannelSyncRequested, err)
		return
	}
	log.Printf("Listening on channel: %s", ChannelSyncRequested)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// Connection lost; pq re-establishes it and notifications sent meanwhile are gone
				log.Println("Notification connection lost, pending requests may have been dropped")
				continue
			}
			l.dispatch(n)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					log.Printf("Listener ping failed: %v", err)
				}
			}()
		}
	}
}

func (l *SyncListener) dispatch(n *pq.Notification) {
	connectionID := strings.TrimSpace(n.Extra)
	if connectionID == "" {
		log.Printf("Ignoring empty %s notification", n.Channel)
		return
	}
	log.Printf("Connection %s: sync requested via %s", connectionID, n.Channel)
	l.handle(connectionID)
}

// Execer is satisfied by *sql.DB and postgres.DB
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Notify publishes a sync request for a connection
func Notify(ctx context.Context, db Execer, connectionID string) error {
	if _, err := db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, ChannelSyncRequested, connectionID); err != nil {
		return fmt.Errorf("failed to notify %s: %w", ChannelSyncRequested, err)
	}
	return nil
}
