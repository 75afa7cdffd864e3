// Package relay carries room fan-out between server instances over
// Redis pub/sub. Each instance publishes the frames it broadcast locally
// and delivers frames from other instances to its own members.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"collabspace/internal/crdt"
	"collabspace/internal/event"
	"collabspace/pkg/logger"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultPrefix = "collab:ws:"

// Frame is the unit published on a workspace channel.
type Frame struct {
	Origin    string     `cbor:"1,keyasint"`
	Workspace string     `cbor:"2,keyasint"`
	Kind      event.Kind `cbor:"3,keyasint"`
	Envelope  []byte     `cbor:"4,keyasint"`

	// Compressed envelopes are zstd frames of Size bytes.
	Compressed bool `cbor:"5,keyasint,omitempty"`
	Size       int  `cbor:"6,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("relay: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("relay: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeFrame compresses large envelopes and encodes f
// deterministically.
func EncodeFrame(f Frame) ([]byte, error) {
	pack(&f)
	return encMode.Marshal(f)
}

// DecodeFrame decodes data into f, restoring a compressed envelope.
func DecodeFrame(data []byte, f *Frame) error {
	if err := decMode.Unmarshal(data, f); err != nil {
		return err
	}
	return unpack(f)
}

// LocalHub delivers frames to members connected to this instance.
type LocalHub interface {
	Deliver(workspaceID string, frame []byte) int
}

// RemoteApplier merges document operations made on other instances.
type RemoteApplier interface {
	Loaded(workspaceID string) bool
	ReceiveRemoteOperation(ctx context.Context, workspaceID, path string, op crdt.Operation, authorID string) (bool, error)
}

type Config struct {
	Origin string
	Prefix string
	// QueueSize bounds frames waiting to be published. Publish drops
	// frames once it is full.
	QueueSize int
}

type outgoing struct {
	channel string
	payload []byte
}

type Relay struct {
	client *redis.Client
	hub    LocalHub
	docs   RemoteApplier
	cfg    Config
	queue  chan outgoing
}

func New(client *redis.Client, hub LocalHub, docs RemoteApplier, cfg Config) *Relay {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Relay{
		client: client,
		hub:    hub,
		docs:   docs,
		cfg:    cfg,
		queue:  make(chan outgoing, cfg.QueueSize),
	}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *Relay) Origin() string { return r.cfg.Origin }

// Publish queues frame for the other instances. It never blocks.
func (r *Relay) Publish(workspaceID string, kind event.Kind, frame []byte) {
	payload, err := EncodeFrame(Frame{Origin: r.cfg.Origin, Workspace: workspaceID, Kind: kind, Envelope: frame})
	if err != nil {
		logger.Sugar.Errorf("Relay: failed to encode %s frame: %v", kind, err)
		return
	}
	select {
	case r.queue <- outgoing{channel: r.cfg.Prefix + workspaceID, payload: payload}:
	default:
		logger.Log.Warn("Relay queue full, dropping frame",
			zap.String("workspace_id", workspaceID),
			zap.String("kind", string(kind)))
	}
}

// Run subscribes to every workspace channel and publishes queued
// frames until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.cfg.Prefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	logger.Sugar.Infof("Relay %s subscribed to %s*", r.cfg.Origin, r.cfg.Prefix)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case out := <-r.queue:
				if err := r.client.Publish(ctx, out.channel, out.payload).Err(); err != nil && ctx.Err() == nil {
					logger.Sugar.Errorf("Relay: publish to %s failed: %v", out.channel, err)
				}
			}
		}
	})
	g.Go(func() error {
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-messages:
				if !ok {
					return nil
				}
				r.handle(ctx, msg.Channel, []byte(msg.Payload))
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Relay) handle(ctx context.Context, channel string, payload []byte) {
	var f Frame
	if err := DecodeFrame(payload, &f); err != nil {
		logger.Sugar.Warnf("Relay: undecodable frame on %s: %v", channel, err)
		return
	}
	if f.Origin == r.cfg.Origin {
		return
	}
	if f.Workspace == "" {
		f.Workspace = strings.TrimPrefix(channel, r.cfg.Prefix)
	}

	if f.Kind == event.DocOpApplied && r.docs != nil {
		r.applyRemote(ctx, f)
		return
	}
	r.hub.Deliver(f.Workspace, f.Envelope)
}

// applyRemote merges a document operation. The engine fans it out to
// local members itself once it integrates.
func (r *Relay) applyRemote(ctx context.Context, f Frame) {
	// A workspace nobody here has open is loaded from its last commit
	// when first needed.
	if !r.docs.Loaded(f.Workspace) {
		return
	}
	var env event.Envelope
	if err := json.Unmarshal(f.Envelope, &env); err != nil {
		logger.Sugar.Warnf("Relay: bad envelope from %s: %v", f.Origin, err)
		return
	}
	var op event.DocOpBroadcast
	if err := json.Unmarshal(env.Payload, &op); err != nil {
		logger.Sugar.Warnf("Relay: bad doc-op payload from %s: %v", f.Origin, err)
		return
	}
	if _, err := r.docs.ReceiveRemoteOperation(ctx, f.Workspace, op.Path, op.Op, op.Author); err != nil {
		logger.Sugar.Warnf("Relay: remote operation %s on %s/%s rejected: %v", op.Op.ID, f.Workspace, op.Path, err)
	}
}
