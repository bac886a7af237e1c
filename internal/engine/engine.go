// Package engine bootstraps the agent: it wires identity, storage,
// transport, connection management, message handling, and the
// enforcement pipeline into a single handle with no upward pointers
// from any component back to the engine itself.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pinch-protocol/pinch/internal/agentstore"
	"github.com/pinch-protocol/pinch/internal/audit"
	"github.com/pinch-protocol/pinch/internal/breaker"
	"github.com/pinch-protocol/pinch/internal/connmgr"
	"github.com/pinch-protocol/pinch/internal/connstore"
	"github.com/pinch-protocol/pinch/internal/identity"
	"github.com/pinch-protocol/pinch/internal/messageengine"
	"github.com/pinch-protocol/pinch/internal/permissions"
	"github.com/pinch-protocol/pinch/internal/pipeline"
	"github.com/pinch-protocol/pinch/internal/policy"
	"github.com/pinch-protocol/pinch/internal/protocol"
	"github.com/pinch-protocol/pinch/internal/transport"
)

// Config carries the agent bootstrap parameters, sourced from the
// PINCH_RELAY_URL / PINCH_RELAY_HOST / PINCH_KEYPAIR_PATH / PINCH_DATA_DIR
// environment variables (spec §6) or set directly by tests.
type Config struct {
	RelayURL    string
	RelayHost   string
	KeypairPath string
	DataDir     string
	Evaluator   policy.Evaluator
	Now         func() time.Time
}

// ConfigFromEnv reads Config from the spec-mandated environment
// variables, applying the documented defaults.
func ConfigFromEnv() (Config, error) {
	keypairPath := os.Getenv("PINCH_KEYPAIR_PATH")
	if keypairPath == "" {
		p, err := identity.DefaultKeypairPath()
		if err != nil {
			return Config{}, err
		}
		keypairPath = p
	}
	dataDir := os.Getenv("PINCH_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("engine: resolve home dir: %w", err)
		}
		dataDir = filepath.Join(home, ".pinch", "data")
	}
	return Config{
		RelayURL:    os.Getenv("PINCH_RELAY_URL"),
		RelayHost:   os.Getenv("PINCH_RELAY_HOST"),
		KeypairPath: keypairPath,
		DataDir:     dataDir,
	}, nil
}

func (c Config) withDefaults() Config {
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Engine is the fully wired agent: identity, local storage, relay
// transport, and the collaborators that process inbound/outbound
// traffic.
type Engine struct {
	Identity    *identity.Keypair
	Address     string
	DB          *sql.DB
	Connections *connstore.Store
	Messages    *agentstore.MessageStore
	Activities  *agentstore.ActivityStore
	Audit       *audit.Log
	Breaker     *breaker.Breaker
	Permissions *permissions.Enforcer
	Policy      policy.SafeDefault
	Pipeline    *pipeline.Pipeline
	Transport   *transport.Client
	ConnMgr     *connmgr.Manager
	Messaging   *messageengine.Engine

	now func() time.Time
}

// New wires the full engine and connects to the relay. Callers own the
// returned Engine's lifetime and must call Close when done.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("engine: PINCH_RELAY_URL is required")
	}
	if cfg.RelayHost == "" {
		return nil, fmt.Errorf("engine: PINCH_RELAY_HOST is required")
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("engine: a policy evaluator is required")
	}

	kp, db, conns, messages, activities, auditLog, err := openLocalStores(cfg)
	if err != nil {
		return nil, err
	}
	if err := conns.ClearPassthrough(); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: clear passthrough: %w", err)
	}

	address := identity.GenerateAddress(kp.PublicKey, cfg.RelayHost)
	br := breaker.New(breaker.DefaultConfig())
	safePolicy := policy.SafeDefault{Inner: cfg.Evaluator}
	perm := permissions.New(safePolicy)
	pl := pipeline.New(conns, perm, br, safePolicy, auditLog, cfg.Now)

	tc := transport.New(cfg.RelayURL, cfg.RelayHost, kp.PublicKey, kp.PrivateKey)
	mgr := connmgr.New(conns, tc, address, kp.PublicKey, cfg.Now)
	me, err := messageengine.New(conns, messages, pl, tc, address, kp.PublicKey, kp.PrivateKey, cfg.Now)
	if err != nil {
		db.Close()
		return nil, err
	}

	e := &Engine{
		Identity:    kp,
		Address:     address,
		DB:          db,
		Connections: conns,
		Messages:    messages,
		Activities:  activities,
		Audit:       auditLog,
		Breaker:     br,
		Permissions: perm,
		Policy:      safePolicy,
		Pipeline:    pl,
		Transport:   tc,
		ConnMgr:     mgr,
		Messaging:   me,
		now:         cfg.Now,
	}
	tc.OnEnvelope(e.dispatch)

	if err := tc.Connect(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: connect to relay: %w", err)
	}
	return e, nil
}

// dispatch routes a post-auth envelope to the collaborator that owns its
// message type. Errors are logged, never propagated -- a single bad
// envelope must not take down the read loop.
func (e *Engine) dispatch(env *protocol.Envelope) {
	ctx := context.Background()
	var err error
	switch env.Type {
	case protocol.MessageTypeMessage:
		err = e.Messaging.HandleIncomingMessage(ctx, env)
	case protocol.MessageTypeDeliveryConfirm:
		err = e.Messaging.HandleDeliveryConfirmation(env)
	case protocol.MessageTypeConnectionRequest:
		err = e.ConnMgr.HandleIncomingRequest(env.ConnectionRequest)
	case protocol.MessageTypeConnectionResponse:
		err = e.ConnMgr.HandleIncomingResponse(env.ConnectionResponse)
	case protocol.MessageTypeConnectionRevoke:
		err = e.ConnMgr.HandleIncomingRevoke(env.ConnectionRevoke)
	case protocol.MessageTypeQueueStatus:
		e.Messaging.HandleQueueStatus(env)
	case protocol.MessageTypeQueueFull:
		slog.Warn("engine: recipient queue full", "recipient", env.QueueFull.RecipientAddress, "reason", env.QueueFull.Reason)
	case protocol.MessageTypeRateLimited:
		slog.Warn("engine: rate limited by relay", "reason", env.RateLimited.Reason)
	case protocol.MessageTypeBlockNotification, protocol.MessageTypeUnblockNotification, protocol.MessageTypeHeartbeat:
		// No local state change required on receipt; the relay itself
		// enforces routing blocks.
	default:
		slog.Debug("engine: dropping envelope of unhandled type", "type", env.Type.String())
	}
	if err != nil {
		slog.Error("engine: dispatch error", "type", env.Type.String(), "error", err)
	}
}

// Close releases the engine's local resources and disconnects from the
// relay.
func (e *Engine) Close() error {
	if e.Transport != nil {
		e.Transport.Disconnect()
	}
	if e.DB != nil {
		return e.DB.Close()
	}
	return nil
}

// LocalEngine is the reduced bootstrap for CLI tools that touch only
// local state (permissions manifest editing, audit verification/export)
// and must never read PINCH_RELAY_URL nor open a socket (spec §6).
type LocalEngine struct {
	Identity    *identity.Keypair
	Address     string
	DB          *sql.DB
	Connections *connstore.Store
	Messages    *agentstore.MessageStore
	Activities  *agentstore.ActivityStore
	Audit       *audit.Log
}

// NewLocalOnly opens the local stores without touching the network.
func NewLocalOnly(cfg Config) (*LocalEngine, error) {
	cfg = cfg.withDefaults()
	kp, db, conns, messages, activities, auditLog, err := openLocalStores(cfg)
	if err != nil {
		return nil, err
	}
	address := ""
	if cfg.RelayHost != "" {
		address = identity.GenerateAddress(kp.PublicKey, cfg.RelayHost)
	}
	return &LocalEngine{
		Identity:    kp,
		Address:     address,
		DB:          db,
		Connections: conns,
		Messages:    messages,
		Activities:  activities,
		Audit:       auditLog,
	}, nil
}

// Close releases the local engine's resources.
func (e *LocalEngine) Close() error {
	if e.DB != nil {
		return e.DB.Close()
	}
	return nil
}

func openLocalStores(cfg Config) (*identity.Keypair, *sql.DB, *connstore.Store, *agentstore.MessageStore, *agentstore.ActivityStore, *audit.Log, error) {
	if cfg.DataDir == "" {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("engine: DataDir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("engine: create data dir: %w", err)
	}

	keypairPath := cfg.KeypairPath
	if keypairPath == "" {
		p, err := identity.DefaultKeypairPath()
		if err != nil {
			return nil, nil, nil, nil, nil, nil, err
		}
		keypairPath = p
	}
	kp, err := identity.LoadOrCreate(keypairPath)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("engine: load identity: %w", err)
	}

	conns, err := connstore.Open(filepath.Join(cfg.DataDir, "connections.json"))
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("engine: open connection store: %w", err)
	}

	db, err := agentstore.Open(filepath.Join(cfg.DataDir, "agent.db"))
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("engine: open agent store: %w", err)
	}

	messages := agentstore.NewMessageStore(db)
	activities := agentstore.NewActivityStore(db)
	auditLog := audit.New(activities)

	return kp, db, conns, messages, activities, auditLog, nil
}
