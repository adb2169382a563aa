// Package service implements the Service (Aligner) specialization of the
// Component Base: a component with N>0 declared input kinds that buckets
// incoming messages by (kind, source) and joins them by a watermark over
// their origin timestamps before handing a tuple to Execute, grounded on
// service_python2.py's SICService.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/social-interaction-cloud/sic/pkg/component"
	"github.com/social-interaction-cloud/sic/pkg/concurrency"
	"github.com/social-interaction-cloud/sic/pkg/envelope"
)

const (
	// DefaultBufferSize is MAX_MESSAGE_BUFFER_SIZE.
	DefaultBufferSize = 10
	// DefaultMaxTimestampDiff is MAX_TIMESTAMP_DIFF_SECONDS.
	DefaultMaxTimestampDiff = 0.5
	// PollInterval is LISTEN_POLL_INTERVAL_SECONDS.
	PollInterval = 100 * time.Millisecond
)

type bucketedMessage struct {
	envelope  envelope.Envelope
	timestamp float64
}

type bucketKey struct {
	kind   string
	source string
}

// Aligned is the tuple Execute receives: one message per declared input
// kind, filterable by source component name the way SICMessageDictionary.Get
// filters by source_component.
type Aligned struct {
	messages map[bucketKey]envelope.Envelope
}

// Get returns the message of kind from source, or false if none was
// selected for this alignment window.
func (a Aligned) Get(kind, source string) (envelope.Envelope, bool) {
	env, ok := a.messages[bucketKey{kind: kind, source: source}]
	return env, ok
}

// Executor is implemented by a service's concrete alignment logic.
type Executor interface {
	Execute(ctx context.Context, in Aligned) (payload interface{}, kind string, ok bool, err error)
}

// Aligner wraps a Base with the buffering, watermark-join, and worker loop
// that make a Service out of a plain request/message component.
type Aligner struct {
	*component.Base
	executor         Executor
	bufferSize       int
	maxTimestampDiff float64

	mu       sync.Mutex
	buckets  map[bucketKey]*ring
	newData  chan struct{}
}

// NewAligner wraps base, whose Config.Inputs lists the declared kinds this
// service requires one of each to fire Execute.
func NewAligner(base *component.Base, executor Executor, bufferSize int, maxTimestampDiff float64) *Aligner {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if maxTimestampDiff == 0 {
		maxTimestampDiff = 0.5
	}
	base.SetHasWorker(true)
	a := &Aligner{
		Base:             base,
		executor:         executor,
		bufferSize:       bufferSize,
		maxTimestampDiff: maxTimestampDiff,
		buckets:          make(map[bucketKey]*ring),
		newData:          make(chan struct{}, 1),
	}
	// Base dispatches OnMessage to whatever impl it was constructed with;
	// rebind it to the Aligner so input messages reach bucketing before
	// Executor ever sees them.
	base.SetImpl(a)
	return a
}

// Start registers the base handlers then launches the alignment worker.
func (a *Aligner) Start(ctx context.Context) error {
	if err := a.Base.Start(ctx); err != nil {
		return err
	}
	// The loop must outlive ctx, which is scoped to Start (the manager calls
	// Start with a context bounded by its own startup timeout). Its only
	// exit signal is StopRequested.
	runCtx := context.Background()
	concurrency.SafeGo(runCtx, func() { a.listen(runCtx) })
	return nil
}

// OnMessage buffers the envelope into its (kind, source) bucket and wakes
// the alignment worker, implementing component.MessageHandler so Base's
// dispatch routes input-channel traffic here.
func (a *Aligner) OnMessage(ctx context.Context, env envelope.Envelope) error {
	key := bucketKey{kind: env.Kind, source: env.PreviousComponentName}

	a.mu.Lock()
	r, ok := a.buckets[key]
	if !ok {
		r = newRing(a.bufferSize, env.Kind, a.Logger())
		a.buckets[key] = r
	}
	r.push(bucketedMessage{envelope: env, timestamp: env.Timestamp})
	a.mu.Unlock()

	select {
	case a.newData <- struct{}{}:
	default:
	}
	return nil
}

func (a *Aligner) listen(ctx context.Context) {
	defer a.MarkStoppedByWorker()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.StopRequested():
			return
		case <-a.newData:
		case <-ticker.C:
		}

		aligned, referenceTimestamp, ok := a.popAligned()
		if !ok {
			continue
		}

		payload, kind, shouldPublish, err := a.executor.Execute(ctx, aligned)
		if err != nil {
			a.Logger().ErrorContext(ctx, "service execute failed", "error", err)
			continue
		}
		if !shouldPublish {
			continue
		}

		env, err := envelope.New(kind, payload)
		if err != nil {
			a.Logger().ErrorContext(ctx, "failed to encode service output", "error", err)
			continue
		}
		env.Timestamp = referenceTimestamp

		if err := a.Publish(ctx, env); err != nil {
			a.Logger().ErrorContext(ctx, "failed to publish service output", "error", err)
		}
	}
}

// popAligned finds and removes one time-aligned message per declared input
// kind, or reports ok=false ("alignment pending") without consuming
// anything, mirroring _pop_aligned_messages's all-or-nothing semantics.
func (a *Aligner) popAligned() (Aligned, float64, bool) {
	declared := a.Config().Inputs
	if len(declared) == 0 {
		return Aligned{}, 0, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buckets) < len(declared) {
		return Aligned{}, 0, false
	}

	reference, ok := a.referenceTimestampLocked(declared)
	if !ok {
		return Aligned{}, 0, false
	}

	selections := make(map[bucketKey]int, len(a.buckets))

	for key, r := range a.buckets {
		idx := r.findAlignedIndex(reference, a.maxTimestampDiff)
		if idx < 0 {
			return Aligned{}, 0, false // AlignmentPending: defer, don't drop
		}
		selections[key] = idx
	}

	messages := make(map[bucketKey]envelope.Envelope, len(selections))
	for key, idx := range selections {
		r := a.buckets[key]
		messages[key] = r.items[idx].envelope
		r.remove(idx)
	}

	return Aligned{messages: messages}, reference, true
}

// referenceTimestampLocked returns the minimum, over buckets, of each
// bucket's newest message timestamp — the watermark up to which every
// declared input has produced data. Caller holds a.mu.
func (a *Aligner) referenceTimestampLocked(declared []string) (float64, bool) {
	var (
		reference float64
		set       bool
	)
	for _, r := range a.buckets {
		ts, ok := r.newestTimestamp()
		if !ok {
			return 0, false
		}
		if !set || ts < reference {
			reference = ts
			set = true
		}
	}
	return reference, set
}
