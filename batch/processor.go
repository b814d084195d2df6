package batch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-datasync/types"
	"github.com/saiset-co/sai-datasync/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	DefaultBatchSize = 50
	DefaultInterval  = time.Second
	DefaultMaxDelay  = 5 * time.Second

	TempIDPrefix = "tmp_"
)

// Executor sends batches to the remote API. Errors wrapping
// types.ErrNetworkUnavailable send the batch to the offline queue.
type Executor[T any] interface {
	CreateMany(ctx context.Context, items []T) ([]T, error)
	UpdateMany(ctx context.Context, updates []types.Update[T]) ([]T, error)
	DeleteMany(ctx context.Context, ids []string) error
}

type CacheInvalidator interface {
	Delete(key string) bool
}

type Config[T any] struct {
	Service       string
	BatchSize     int
	Interval      time.Duration
	MaxDelay      time.Duration
	MinItems      int
	Collection    string
	CollectionKey string
	CacheKeys     func(id string) []string
	KeyOf         func(item T) string
}

type queuedOperation[T any] struct {
	key      string
	op       types.BatchOperation[T]
	sequence uint64
}

// Processor coalesces writes per key, sends them in batches and parks them
// in the durable store while the remote API is unreachable.
type Processor[T any] struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      Config[T]
	executor    Executor[T]
	store       types.Store
	monitor     types.ConnectivityMonitor
	invalidator CacheInvalidator
	logger      types.Logger
	now         func() time.Time

	queue    map[string]*queuedOperation[T]
	oldest   time.Time
	timer    *time.Timer
	sequence uint64
	closed   bool
	mu       sync.Mutex

	flushMu     sync.Mutex
	syncing     atomic.Bool
	background  sync.WaitGroup
	unsubscribe func()
	state       atomic.Value
}

func NewProcessor[T any](config Config[T], executor Executor[T], store types.Store, monitor types.ConnectivityMonitor, invalidator CacheInvalidator, logger types.Logger) (*Processor[T], error) {
	if executor == nil || store == nil || monitor == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "executor, store and monitor are required")
	}
	if config.Service == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "service name is empty")
	}
	if config.Collection != "" && config.KeyOf == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "KeyOf is required to persist into %s", config.Collection)
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultMaxDelay
	}
	if config.MinItems <= 0 {
		config.MinItems = config.BatchSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Processor[T]{
		ctx:         ctx,
		cancel:      cancel,
		config:      config,
		executor:    executor,
		store:       store,
		monitor:     monitor,
		invalidator: invalidator,
		logger:      logger,
		now:         time.Now,
		queue:       make(map[string]*queuedOperation[T]),
	}

	p.state.Store(StateStopped)

	return p, nil
}

// AddOperation queues op under key, replacing whatever was queued there.
// The queue is flushed right away when immediate is set or MinItems is
// reached, otherwise a timer bounded by Interval and MaxDelay is armed.
func (p *Processor[T]) AddOperation(ctx context.Context, key string, op types.BatchOperation[T], immediate bool) error {
	if err := validateOperation(key, op); err != nil {
		return err
	}

	now := p.now()
	if op.Timestamp.IsZero() {
		op.Timestamp = now
	}

	p.mu.Lock()
	if len(p.queue) == 0 {
		p.oldest = now
	}
	p.sequence++
	p.queue[key] = &queuedOperation[T]{key: key, op: op, sequence: p.sequence}
	size := len(p.queue)

	flushNow := immediate || size >= p.config.MinItems
	if !flushNow {
		p.armTimerUnsafe(now)
	}
	p.mu.Unlock()

	if flushNow {
		return p.Flush(ctx)
	}
	return nil
}

// QueueSize is the number of operations waiting in memory.
func (p *Processor[T]) QueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Flush sends every queued operation: creates, then updates, then deletes,
// each in BatchSize chunks. Chunks that cannot reach the remote API are
// persisted to the offline queue. Rejected chunks and operations that could
// not be queued offline come back joined in the returned error.
func (p *Processor[T]) Flush(ctx context.Context) error {
	p.mu.Lock()
	ops := make([]*queuedOperation[T], 0, len(p.queue))
	for _, q := range p.queue {
		ops = append(ops, q)
	}
	p.queue = make(map[string]*queuedOperation[T])
	p.stopTimerUnsafe()
	p.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	offline := !p.monitor.IsOnline()
	if !offline {
		// replay operations parked earlier before sending newer ones
		_, err := p.replayLocked(ctx)
		switch {
		case err == nil:
		case types.IsError(err, types.ErrNetworkUnavailable):
			p.logger.Warn("Offline replay before flush failed, queueing new operations behind it",
				zap.String("service", p.config.Service), zap.Error(err))
			offline = true
		default:
			// a rejected or unreadable queued operation must not hold back new writes
			p.logger.Error("Offline replay before flush rejected, sending new operations",
				zap.String("service", p.config.Service), zap.Error(err))
		}
	}

	var errs []error
	for _, opType := range []types.OperationType{types.OperationCreate, types.OperationUpdate, types.OperationDelete} {
		group := filterByType(ops, opType)
		for _, chunk := range chunkOperations(group, p.config.BatchSize) {
			if offline || !p.monitor.IsOnline() {
				offline = true
				if err := p.persist(ctx, chunk); err != nil {
					errs = append(errs, err)
				}
				continue
			}

			err := p.send(ctx, opType, chunk)
			if err == nil {
				continue
			}

			if types.IsError(err, types.ErrNetworkUnavailable) {
				p.logger.Info("Remote API unreachable, operations queued offline",
					zap.String("service", p.config.Service),
					zap.String("type", string(opType)),
					zap.Int("count", len(chunk)))
				offline = true
				if err := p.persist(ctx, chunk); err != nil {
					errs = append(errs, err)
				}
				continue
			}

			p.logger.Error("Batch rejected",
				zap.String("service", p.config.Service),
				zap.String("type", string(opType)),
				zap.Int("count", len(chunk)),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// SyncOfflineOperations replays the persisted queue in (timestamp, sequence)
// order. It stops at the first failed chunk and returns how many operations
// were acknowledged.
func (p *Processor[T]) SyncOfflineOperations(ctx context.Context) (int, error) {
	if !p.syncing.CompareAndSwap(false, true) {
		return 0, types.ErrSyncInProgress
	}
	defer p.syncing.Store(false)

	if !p.monitor.IsOnline() {
		return 0, types.ErrNetworkUnavailable
	}

	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	return p.replayLocked(ctx)
}

// PendingOperations returns this service's persisted operations in replay order.
func (p *Processor[T]) PendingOperations(ctx context.Context) ([]types.PendingOperation, error) {
	records, err := p.store.GetByIndex(ctx, types.PendingOperationsCollection, "service", p.config.Service)
	if err != nil {
		return nil, types.WrapError(err, "failed to read offline queue")
	}

	pending := make([]types.PendingOperation, 0, len(records))
	for _, record := range records {
		op, err := decodePending(record)
		if err != nil {
			p.logger.Warn("Skipping malformed pending operation", zap.Any("id", record["id"]), zap.Error(err))
			continue
		}
		pending = append(pending, op)
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Timestamp != pending[j].Timestamp {
			return pending[i].Timestamp < pending[j].Timestamp
		}
		return pending[i].Sequence < pending[j].Sequence
	})
	return pending, nil
}

func (p *Processor[T]) PendingCount(ctx context.Context) (int, error) {
	pending, err := p.PendingOperations(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

func (p *Processor[T]) Start() error {
	if !p.transitionState(StateStopped, StateStarting) {
		return types.ErrAlreadyRunning
	}

	p.mu.Lock()
	if p.closed {
		p.ctx, p.cancel = context.WithCancel(context.Background())
		p.closed = false
	}
	p.mu.Unlock()

	p.unsubscribe = p.monitor.Subscribe(p.onConnectivityChange)
	p.setState(StateRunning)

	if p.monitor.IsOnline() {
		p.syncInBackground()
	}

	p.logger.Info("Batch processor started",
		zap.String("service", p.config.Service),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Duration("interval", p.config.Interval),
		zap.Duration("max_delay", p.config.MaxDelay))
	return nil
}

// Stop flushes what is still queued in memory and waits for background work.
func (p *Processor[T]) Stop() error {
	if !p.transitionState(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}

	defer p.setState(StateStopped)

	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}

	p.mu.Lock()
	p.closed = true
	p.stopTimerUnsafe()
	p.mu.Unlock()

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Flush(flushCtx); err != nil {
		p.logger.Warn("Final flush failed", zap.String("service", p.config.Service), zap.Error(err))
	}

	p.cancel()
	p.background.Wait()

	p.logger.Info("Batch processor stopped", zap.String("service", p.config.Service))
	return nil
}

func (p *Processor[T]) IsRunning() bool {
	return p.getState() == StateRunning
}

func (p *Processor[T]) getState() State {
	return p.state.Load().(State)
}

func (p *Processor[T]) setState(newState State) {
	p.state.Store(newState)
}

func (p *Processor[T]) transitionState(from, to State) bool {
	return p.state.CompareAndSwap(from, to)
}

func (p *Processor[T]) onConnectivityChange(online bool) {
	if !online {
		p.logger.Info("Network offline, batches will be queued", zap.String("service", p.config.Service))
		return
	}
	p.syncInBackground()
}

func (p *Processor[T]) syncInBackground() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	ctx := p.ctx
	p.background.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.background.Done()

		replayed, err := p.SyncOfflineOperations(ctx)
		switch {
		case err == nil:
			if replayed > 0 {
				p.logger.Info("Offline operations synced",
					zap.String("service", p.config.Service),
					zap.Int("replayed", replayed))
			}
		case types.IsError(err, types.ErrSyncInProgress):
		default:
			p.logger.Warn("Offline sync stopped",
				zap.String("service", p.config.Service),
				zap.Int("replayed", replayed),
				zap.Error(err))
		}
	}()
}

// armTimerUnsafe (re)arms the flush timer for min(Interval, MaxDelay - age
// of the oldest queued operation).
func (p *Processor[T]) armTimerUnsafe(now time.Time) {
	if p.closed {
		return
	}

	delay := p.config.Interval
	if remaining := p.config.MaxDelay - now.Sub(p.oldest); remaining < delay {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}

	p.stopTimerUnsafe()

	ctx := p.ctx
	p.background.Add(1)
	p.timer = time.AfterFunc(delay, func() {
		defer p.background.Done()

		if err := p.Flush(ctx); err != nil {
			p.logger.Error("Scheduled flush failed", zap.String("service", p.config.Service), zap.Error(err))
		}
	})
}

func (p *Processor[T]) stopTimerUnsafe() {
	if p.timer == nil {
		return
	}
	if p.timer.Stop() {
		p.background.Done()
	}
	p.timer = nil
}

func (p *Processor[T]) send(ctx context.Context, opType types.OperationType, chunk []*queuedOperation[T]) error {
	switch opType {
	case types.OperationCreate:
		items := make([]T, 0, len(chunk))
		for _, q := range chunk {
			items = append(items, *q.op.Data)
		}
		results, err := p.executor.CreateMany(ctx, items)
		if err != nil {
			return err
		}
		p.applyResults(ctx, results)

	case types.OperationUpdate:
		updates := make([]types.Update[T], 0, len(chunk))
		for _, q := range chunk {
			updates = append(updates, types.Update[T]{ID: q.op.ID, Data: *q.op.Data})
		}
		results, err := p.executor.UpdateMany(ctx, updates)
		if err != nil {
			return err
		}
		p.applyResults(ctx, results)

	case types.OperationDelete:
		ids := make([]string, 0, len(chunk))
		for _, q := range chunk {
			ids = append(ids, q.op.ID)
		}
		if err := p.executor.DeleteMany(ctx, ids); err != nil {
			return err
		}
		p.applyDeletes(ctx, ids)
	}

	p.invalidate(p.config.CollectionKey)
	return nil
}

// applyResults writes acknowledged records to the entity collection and
// drops their cache keys.
func (p *Processor[T]) applyResults(ctx context.Context, results []T) {
	if p.config.KeyOf == nil {
		return
	}

	for _, item := range results {
		id := p.config.KeyOf(item)
		if id == "" {
			continue
		}

		if p.config.Collection != "" {
			record, err := utils.ToRecord(item)
			if err == nil {
				if _, ok := record["id"]; !ok {
					record["id"] = id
				}
				err = p.store.Save(ctx, p.config.Collection, record)
			}
			if err != nil {
				p.logger.Warn("Failed to store acknowledged record",
					zap.String("service", p.config.Service),
					zap.String("id", id),
					zap.Error(err))
			}
		}

		p.invalidateEntity(id)
	}
}

func (p *Processor[T]) applyDeletes(ctx context.Context, ids []string) {
	for _, id := range ids {
		if p.config.Collection != "" {
			if err := p.store.Delete(ctx, p.config.Collection, id); err != nil {
				p.logger.Warn("Failed to delete acknowledged record",
					zap.String("service", p.config.Service),
					zap.String("id", id),
					zap.Error(err))
			}
		}
		p.invalidateEntity(id)
	}
}

func (p *Processor[T]) invalidateEntity(id string) {
	if p.config.CacheKeys == nil {
		return
	}
	for _, key := range p.config.CacheKeys(id) {
		p.invalidate(key)
	}
}

func (p *Processor[T]) invalidate(key string) {
	if key == "" || p.invalidator == nil {
		return
	}
	p.invalidator.Delete(key)
}

// persist saves every operation of chunk to the offline queue. An operation
// that cannot be saved is lost; its error is returned and the rest are still
// saved.
func (p *Processor[T]) persist(ctx context.Context, chunk []*queuedOperation[T]) error {
	var errs []error
	saved := 0
	for _, q := range chunk {
		if err := p.persistOne(ctx, q); err != nil {
			p.logger.Error("Failed to queue operation offline",
				zap.String("service", p.config.Service),
				zap.String("key", q.key),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		saved++
	}

	p.logger.Debug("Operations queued offline",
		zap.String("service", p.config.Service),
		zap.Int("count", saved))
	return errors.Join(errs...)
}

func (p *Processor[T]) persistOne(ctx context.Context, q *queuedOperation[T]) error {
	pending := types.PendingOperation{
		ID:        uuid.NewString(),
		Key:       q.key,
		Service:   p.config.Service,
		Type:      q.op.Type,
		EntityID:  q.op.ID,
		Timestamp: q.op.Timestamp.UnixMicro(),
		Sequence:  q.sequence,
	}

	if q.op.Type == types.OperationCreate && pending.EntityID == "" {
		pending.EntityID = TempIDPrefix + uuid.NewString()
	}

	if q.op.Data != nil {
		data, err := utils.Marshal(q.op.Data)
		if err != nil {
			return types.Errorf(types.ErrOfflineQueueFailed, "encode %s: %v", q.key, err)
		}
		pending.Data = string(data)
	}

	record, err := utils.ToRecord(pending)
	if err != nil {
		return types.Errorf(types.ErrOfflineQueueFailed, "encode %s: %v", q.key, err)
	}

	if err := p.store.Save(ctx, types.PendingOperationsCollection, record); err != nil {
		return types.Errorf(types.ErrOfflineQueueFailed, "persist %s: %v", q.key, err)
	}
	return nil
}

func (p *Processor[T]) replayLocked(ctx context.Context) (int, error) {
	pending, err := p.PendingOperations(ctx)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, run := range splitRuns(pending) {
		for start := 0; start < len(run); start += p.config.BatchSize {
			end := start + p.config.BatchSize
			if end > len(run) {
				end = len(run)
			}
			chunk := run[start:end]

			if err := p.replayChunk(ctx, chunk); err != nil {
				return replayed, types.WrapError(err, "offline replay stopped")
			}

			for _, op := range chunk {
				if err := p.store.Delete(ctx, types.PendingOperationsCollection, op.ID); err != nil {
					return replayed, types.WrapError(err, "failed to remove replayed operation")
				}
			}
			replayed += len(chunk)
		}
	}

	return replayed, nil
}

func (p *Processor[T]) replayChunk(ctx context.Context, chunk []types.PendingOperation) error {
	queued := make([]*queuedOperation[T], 0, len(chunk))
	for _, pending := range chunk {
		op := types.BatchOperation[T]{
			Type:      pending.Type,
			ID:        pending.EntityID,
			Timestamp: time.UnixMicro(pending.Timestamp),
		}

		if pending.Type != types.OperationDelete {
			var data T
			if err := utils.Unmarshal([]byte(pending.Data), &data); err != nil {
				return types.WrapError(err, "failed to decode pending operation "+pending.ID)
			}
			op.Data = &data
		}

		queued = append(queued, &queuedOperation[T]{key: pending.Key, op: op, sequence: pending.Sequence})
	}

	return p.send(ctx, chunk[0].Type, queued)
}

func validateOperation[T any](key string, op types.BatchOperation[T]) error {
	if key == "" {
		return types.ErrOperationKeyEmpty
	}
	if !op.Type.Valid() {
		return types.Errorf(types.ErrOperationTypeUnknown, "type: %q", op.Type)
	}
	if op.Type != types.OperationDelete && op.Data == nil {
		return types.Errorf(types.ErrOperationDataMissing, "key: %s", key)
	}
	if op.Type != types.OperationCreate && op.ID == "" {
		return types.Errorf(types.ErrOperationIDMissing, "key: %s", key)
	}
	return nil
}

func filterByType[T any](ops []*queuedOperation[T], opType types.OperationType) []*queuedOperation[T] {
	out := make([]*queuedOperation[T], 0, len(ops))
	for _, q := range ops {
		if q.op.Type == opType {
			out = append(out, q)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].op.Timestamp.Equal(out[j].op.Timestamp) {
			return out[i].op.Timestamp.Before(out[j].op.Timestamp)
		}
		return out[i].sequence < out[j].sequence
	})
	return out
}

func chunkOperations[T any](ops []*queuedOperation[T], size int) [][]*queuedOperation[T] {
	chunks := make([][]*queuedOperation[T], 0, (len(ops)+size-1)/size)
	for start := 0; start < len(ops); start += size {
		end := start + size
		if end > len(ops) {
			end = len(ops)
		}
		chunks = append(chunks, ops[start:end])
	}
	return chunks
}

// splitRuns cuts an ordered queue into maximal runs of the same operation type.
func splitRuns(pending []types.PendingOperation) [][]types.PendingOperation {
	var runs [][]types.PendingOperation
	for i, op := range pending {
		if i == 0 || op.Type != pending[i-1].Type {
			runs = append(runs, []types.PendingOperation{op})
			continue
		}
		runs[len(runs)-1] = append(runs[len(runs)-1], op)
	}
	return runs
}

func decodePending(record types.Record) (types.PendingOperation, error) {
	op := types.PendingOperation{
		ID:       stringField(record, "id"),
		Key:      stringField(record, "key"),
		Service:  stringField(record, "service"),
		Type:     types.OperationType(stringField(record, "type")),
		EntityID: stringField(record, "entity_id"),
		Data:     stringField(record, "data"),
	}

	if op.ID == "" {
		return op, types.ErrPrimaryKeyMissing
	}
	if !op.Type.Valid() {
		return op, types.Errorf(types.ErrOperationTypeUnknown, "type: %q", op.Type)
	}

	op.Timestamp = int64(numberField(record, "timestamp"))
	op.Sequence = uint64(numberField(record, "sequence"))
	return op, nil
}

func stringField(record types.Record, field string) string {
	s, _ := record[field].(string)
	return s
}

func numberField(record types.Record, field string) float64 {
	switch v := record[field].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case uint64:
		return float64(v)
	default:
		return 0
	}
}
