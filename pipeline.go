package coedit

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"
)

/*
Append path: reserve -> transform -> commit with compare-and-swap.

No lock is held across the transform. Only the scripted reserve and commit
phases are atomic; the commit precondition "every earlier slot is committed"
is what makes the ledger a totally ordered log without a central mutex.

A reserved slot must never leak: every exit path that does not commit
abandons the reservation, which preserves gaplessness for later commits.
Reservations are additionally tracked in a ttl cache whose expiry abandons
slots leaked by a crashed request path, as a safety net behind the reaper.
*/

type PipelineSettings struct {
	MaxRetries int
	// pause before re-reading the context after a cas failure, giving the
	// blocking submitter time to finish its commit
	RetryDelay time.Duration
	// a reservation older than this is considered leaked and may be
	// reaped; sized to the transform's worst case runtime
	PendingCommitTimeout time.Duration
	// timeout for the safety-net abandon issued off the request path
	AbandonTimeout time.Duration
}

func DefaultPipelineSettings() *PipelineSettings {
	return &PipelineSettings{
		MaxRetries:           5,
		RetryDelay:           20 * time.Millisecond,
		PendingCommitTimeout: 30 * time.Second,
		AbandonTimeout:       5 * time.Second,
	}
}

type reservationKey struct {
	doc     string
	version int64
}

type Pipeline struct {
	ctx context.Context

	coordinator Coordinator
	transformer Transformer
	hub         *Hub
	registry    *SessionRegistry

	settings *PipelineSettings

	reservations *ttlcache.Cache[reservationKey, bool]

	log LogFunction
}

func NewPipelineWithDefaults(
	ctx context.Context,
	coordinator Coordinator,
	transformer Transformer,
	hub *Hub,
	registry *SessionRegistry,
) *Pipeline {
	return NewPipeline(ctx, coordinator, transformer, hub, registry, DefaultPipelineSettings())
}

func NewPipeline(
	ctx context.Context,
	coordinator Coordinator,
	transformer Transformer,
	hub *Hub,
	registry *SessionRegistry,
	settings *PipelineSettings,
) *Pipeline {
	pipeline := &Pipeline{
		ctx:         ctx,
		coordinator: coordinator,
		transformer: transformer,
		hub:         hub,
		registry:    registry,
		settings:    settings,
		reservations: ttlcache.New[reservationKey, bool](
			ttlcache.WithTTL[reservationKey, bool](settings.PendingCommitTimeout),
			ttlcache.WithDisableTouchOnHit[reservationKey, bool](),
		),
		log: LogFn(LogLevelDebug, "[pipeline]"),
	}
	pipeline.reservations.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[reservationKey, bool]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		key := item.Key()
		abandonCtx, cancel := context.WithTimeout(ctx, settings.AbandonTimeout)
		defer cancel()
		if err := coordinator.Abandon(abandonCtx, key.doc, key.version); err != nil {
			glog.Infof("[pipeline]abandon of leaked reservation %s@%d failed: %v\n", key.doc, key.version, err)
		} else {
			glog.Infof("[pipeline]abandoned leaked reservation %s@%d\n", key.doc, key.version)
		}
	})
	go pipeline.reservations.Start()
	go func() {
		<-ctx.Done()
		pipeline.reservations.Stop()
	}()
	return pipeline
}

// Submit orders, transforms and commits one edit. On success the returned
// operation carries the assigned version, is marked transformed, and has
// already been published to fan-out subscribers.
func (self *Pipeline) Submit(ctx context.Context, requestContext *RequestContext, clientVersion int64, op *Operation) (*Operation, error) {
	doc := requestContext.DocumentId

	if _, err := self.coordinator.EnsureMin(ctx, doc); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(self.settings.PendingCommitTimeout)
	reserved, err := self.coordinator.Reserve(ctx, doc, clientVersion, deadline)
	if err != nil {
		return nil, err
	}
	if reserved.Stale {
		return nil, &StaleClientError{
			ClientVersion:    clientVersion,
			PersistedVersion: reserved.PersistedVersion,
		}
	}

	version := reserved.NewVersion
	reservation := reservationKey{doc: doc, version: version}
	self.reservations.Set(reservation, true, ttlcache.DefaultTTL)
	self.log("%s reserved %d (client at %d)", doc, version, clientVersion)

	committed := false
	defer func() {
		// release on every exit path, including cancellation and panics
		self.reservations.Delete(reservation)
		if !committed {
			abandonCtx, cancel := context.WithTimeout(self.ctx, self.settings.AbandonTimeout)
			defer cancel()
			if err := self.coordinator.Abandon(abandonCtx, doc, version); err != nil {
				glog.Infof("[pipeline]abandon %s@%d failed: %v\n", doc, version, err)
			}
		}
	}()

	base := op.Clone()
	base.FileId = doc
	base.Version = version
	base.ClientVersion = clientVersion
	base.UserName = requestContext.UserName
	base.ConnectionId = requestContext.SessionId

	transformContext, err := decodePayloads(reserved.PriorOps)
	if err != nil {
		return nil, err
	}

	// every version in (clientVersion, version) must be in the transform
	// context before a commit may be attempted. A shorter context means a
	// slot below was still uncommitted when the context was read; if that
	// slot commits between our read and our commit, the commit would
	// succeed against an op the transform never saw.
	contextWanted := version - clientVersion - 1

	for retry := 0; retry <= self.settings.MaxRetries; retry += 1 {
		if contextWanted <= int64(len(transformContext)) {
			transformed, err := self.transformer.Transform(base, transformContext)
			if err != nil {
				return nil, &TransformError{Version: version, Cause: err}
			}
			transformed.IsTransformed = true

			payload, err := EncodeOperation(transformed)
			if err != nil {
				return nil, err
			}

			status, err := self.coordinator.Commit(ctx, doc, version, payload)
			if err != nil {
				return nil, err
			}

			switch status {
			case CommitOk:
				committed = true
				self.log("%s committed %d", doc, version)
				if self.registry != nil {
					if err := self.registry.Touch(ctx, doc, requestContext.UserName, Touch{Heartbeat: true, Action: true}); err != nil {
						glog.Infof("[pipeline]touch after commit failed: %v\n", err)
					}
				}
				self.hub.PublishOpCommitted(doc, transformed)
				return transformed, nil
			case CommitVersionConflict:
				// the slot was tampered with. Log and retry like a cas failure.
				glog.Infof("[pipeline]version conflict at %s@%d\n", doc, version)
			default:
				self.log("%s commit %d: %s (retry %d)", doc, version, status, retry)
			}
		} else {
			self.log("%s context for %d covers %d of %d, waiting", doc, version, len(transformContext), contextWanted)
		}

		// a concurrent submitter holds a slot below ours or advanced the
		// log between our reserve and commit. Re-read the committed prefix
		// and transform again.
		if 0 < self.settings.RetryDelay {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(self.settings.RetryDelay):
			}
		}
		pending, err := self.coordinator.GetPending(ctx, doc, clientVersion)
		if err != nil {
			return nil, err
		}
		if pending.Resync {
			// the persisted tip advanced past the client mid flight
			return nil, &StaleClientError{
				ClientVersion:    clientVersion,
				PersistedVersion: pending.WindowStart - 1,
			}
		}
		transformContext, err = decodePayloads(pending.Ops)
		if err != nil {
			return nil, err
		}
	}

	glog.Infof("[pipeline]retries exhausted at %s@%d\n", doc, version)
	return nil, ErrRetriesExhausted
}

func decodePayloads(payloads [][]byte) ([]*Operation, error) {
	ops := make([]*Operation, 0, len(payloads))
	for _, payload := range payloads {
		op, err := DecodeOperation(payload)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}
