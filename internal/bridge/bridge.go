// ABOUTME: Bridge core wiring the store, Zulip clients, and the Matrix side together
// ABOUTME: Owns per-organization event loops, the sweep ticker, and shutdown order

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/2389/zulip-bridge/internal/config"
	"github.com/2389/zulip-bridge/internal/matrix"
	"github.com/2389/zulip-bridge/internal/store"
	"github.com/2389/zulip-bridge/internal/zulip"
)

// orgRuntime is the live state for one connected Zulip organization.
type orgRuntime struct {
	org         *store.Organization
	client      *zulip.Client
	source      zulip.Source
	botUserID   int64
	maxBackfill int
}

// Bridge owns every moving part of the running bridge.
type Bridge struct {
	cfg    *config.Config
	db     *store.Database
	matrix *matrix.Client
	ghosts *matrix.GhostManager
	server *matrix.Server
	logger *slog.Logger

	// orgs is keyed by the store's organization row id.
	orgs map[int64]*orgRuntime
}

// New builds the bridge from configuration: the Matrix client, the ghost
// manager, one Zulip client per organization (rows upserted into the
// store), and the appservice transaction server.
func New(cfg *config.Config, db *store.Database, logger *slog.Logger) (*Bridge, error) {
	botMXID := id.NewUserID(cfg.Registration.SenderLocalpart, cfg.Bridge.Domain)

	mxClient, err := matrix.NewClient(cfg.Bridge.HomeserverURL, botMXID,
		cfg.Registration.AppserviceToken, cfg.Bridge.Domain, logger)
	if err != nil {
		return nil, err
	}

	ghosts, err := matrix.NewGhostManager(mxClient, db.Users, cfg.GhostPrefix(), logger)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:    cfg,
		db:     db,
		matrix: mxClient,
		ghosts: ghosts,
		logger: logger.With("component", "bridge"),
		orgs:   make(map[int64]*orgRuntime),
	}

	ctx := context.Background()
	for _, orgCfg := range cfg.Zulip.Organizations {
		org := &store.Organization{
			OrgID:             orgCfg.ID,
			Name:              orgCfg.Name,
			Site:              orgCfg.Site,
			Email:             orgCfg.Email,
			APIKey:            orgCfg.APIKey,
			MaxBackfillAmount: orgCfg.MaxBackfillAmount,
		}
		if err := db.Organizations.Upsert(ctx, org); err != nil {
			return nil, fmt.Errorf("provisioning organization %s: %w", orgCfg.ID, err)
		}

		b.orgs[org.ID] = &orgRuntime{
			org:         org,
			client:      zulip.NewClient(orgCfg.Site, orgCfg.Email, orgCfg.APIKey, logger),
			maxBackfill: orgCfg.MaxBackfillAmount,
		}
	}

	processor := matrix.NewProcessor(b, db.Events, botMXID, cfg.GhostPrefix(),
		cfg.Limits.AgeLimitMS(), logger)
	b.server = matrix.NewServer(cfg.ListenAddr(), cfg.Registration.HomeserverToken,
		processor, logger)

	return b, nil
}

// Run starts everything and blocks until ctx is cancelled or a fatal
// component error.
func (b *Bridge) Run(ctx context.Context) error {
	if botID, err := b.matrix.Whoami(ctx); err != nil {
		b.logger.Warn("homeserver token probe failed", "error", err)
	} else {
		b.logger.Info("connected to homeserver", "bot", botID)
	}

	for _, rt := range b.orgs {
		b.probeOrganization(ctx, rt)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	fatal := make(chan error, len(b.orgs)+1)

	for _, rt := range b.orgs {
		rt := rt
		rt.source = b.newSource(rt)

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := b.runSource(runCtx, rt); err != nil {
				fatal <- err
			}
		}()
		go func() {
			defer wg.Done()
			b.dispatchZulipEvents(runCtx, rt)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.runSweep(runCtx)
	}()

	serverErr := make(chan error, 1)
	go func() { serverErr <- b.server.ListenAndServe() }()

	b.logger.Info("bridge running", "addr", b.cfg.ListenAddr(), "organizations", len(b.orgs))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-fatal:
		b.logger.Error("fatal component error", "error", runErr)
	case runErr = <-serverErr:
		if runErr != nil {
			b.logger.Error("appservice listener failed", "error", runErr)
		}
	}

	cancel()
	b.shutdown()
	wg.Wait()
	return runErr
}

// probeOrganization checks the org's credentials and records the result
// on the connected flag.
func (b *Bridge) probeOrganization(ctx context.Context, rt *orgRuntime) {
	profile, err := rt.client.GetProfile(ctx)
	if err != nil {
		b.logger.Warn("zulip profile probe failed",
			"organization", rt.org.OrgID, "error", err)
		if err := b.db.Organizations.SetConnected(ctx, rt.org.ID, false); err != nil {
			b.logger.Error("updating connected flag failed", "error", err)
		}
		return
	}
	rt.botUserID = profile.UserID
	b.logger.Info("connected to zulip",
		"organization", rt.org.OrgID, "bot_user_id", profile.UserID)
	if err := b.db.Organizations.SetConnected(ctx, rt.org.ID, true); err != nil {
		b.logger.Error("updating connected flag failed", "error", err)
	}
}

// newSource picks the event transport for an organization.
func (b *Bridge) newSource(rt *orgRuntime) zulip.Source {
	if b.cfg.Zulip.Transport == config.TransportWebSocket {
		return zulip.NewWebSocketSource(rt.client, b.logger)
	}
	return zulip.NewPoller(rt.client, b.cfg.Zulip.PollInterval, b.logger)
}

// runSource runs the org's event source, falling back from WebSocket to
// polling when the server has no WS endpoint.
func (b *Bridge) runSource(ctx context.Context, rt *orgRuntime) error {
	err := rt.source.Run(ctx)
	if errors.Is(err, zulip.ErrWebSocketUnsupported) {
		b.logger.Warn("server has no websocket endpoint, falling back to polling",
			"organization", rt.org.OrgID)
		poller := zulip.NewPoller(rt.client, b.cfg.Zulip.PollInterval, b.logger)
		rt.source = poller
		err = poller.Run(ctx)
	}
	if err != nil {
		return fmt.Errorf("organization %s: %w", rt.org.OrgID, err)
	}
	return nil
}

// dispatchZulipEvents consumes the org's event channel until it closes.
func (b *Bridge) dispatchZulipEvents(ctx context.Context, rt *orgRuntime) {
	for evt := range rt.source.Events() {
		if err := b.handleZulipEvent(ctx, rt, &evt); err != nil {
			b.logger.Error("zulip event handling failed",
				"organization", rt.org.OrgID, "event_id", evt.ID,
				"type", evt.Type, "error", err)
		}
	}
}

// runSweep prunes aged processed_events rows and orphaned reaction
// mappings: once at startup, then on the configured interval.
func (b *Bridge) runSweep(ctx context.Context) {
	b.sweep(ctx)

	ticker := time.NewTicker(b.cfg.Limits.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) sweep(ctx context.Context) {
	retention := time.Duration(b.cfg.Limits.EventRetentionDays) * 24 * time.Hour
	cutoff := time.Now().Add(-retention)

	deleted, err := b.db.Events.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		b.logger.Error("event sweep failed", "error", err)
	} else if deleted > 0 {
		b.logger.Info("swept processed events", "deleted", deleted, "cutoff", cutoff)
	}

	orphans, err := b.db.Reactions.DeleteOrphaned(ctx)
	if err != nil {
		b.logger.Error("orphan sweep failed", "error", err)
	} else if orphans > 0 {
		b.logger.Info("swept orphaned reactions", "deleted", orphans)
	}
}

// shutdown tears down in order: stop accepting transactions, then drop
// the event queues so the server stops holding events for us.
func (b *Bridge) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.server.Shutdown(shutdownCtx); err != nil {
		b.logger.Warn("appservice shutdown failed", "error", err)
	}

	for _, rt := range b.orgs {
		if rt.source == nil {
			continue
		}
		if queueID := rt.source.QueueID(); queueID != "" {
			if err := rt.client.DeleteEventQueue(shutdownCtx, queueID); err != nil {
				b.logger.Debug("deleting event queue failed",
					"organization", rt.org.OrgID, "error", err)
			}
		}
	}
	b.logger.Info("bridge stopped")
}

// orgForRoom resolves the runtime for a mapped room.
func (b *Bridge) orgForRoom(room *store.RoomMapping) (*orgRuntime, error) {
	rt, ok := b.orgs[room.OrganizationID]
	if !ok {
		return nil, fmt.Errorf("room %s maps to unknown organization %d",
			room.MatrixRoomID, room.OrganizationID)
	}
	return rt, nil
}
