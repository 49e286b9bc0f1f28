package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

var errTxDone = errors.New("transaction has already been committed or rolled back")

// MemoryPersister is a goroutine-safe Persister backed by maps.
//
// It mimics the SQL persisters at read-committed isolation: a transaction
// that claims, inserts, updates or deletes a row holds a lock on it until
// it ends, GetAndLockReadyStep skips rows locked by others, and Update or
// Delete of a row locked by another transaction waits for it. Writes are
// applied in place; other transactions keep reading the committed image
// of a written row until the writer commits.
type MemoryPersister struct {
	mu     sync.Mutex
	cond   *sync.Cond
	nextID int64
	queues map[api.Queue]map[int64]*api.Step
	locks  map[int64]*memoryTx
	dirty  map[api.Queue]map[int64]*dirtyRow
}

// dirtyRow is a row written by a live transaction. prev is its committed
// image, nil when owner inserted it.
type dirtyRow struct {
	owner *memoryTx
	prev  *api.Step
}

type rowKey struct {
	queue api.Queue
	id    int64
}

// NewMemoryPersister creates an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	p := &MemoryPersister{
		queues: map[api.Queue]map[int64]*api.Step{
			api.QueueReady:  {},
			api.QueueDone:   {},
			api.QueueFailed: {},
		},
		locks: make(map[int64]*memoryTx),
		dirty: map[api.Queue]map[int64]*dirtyRow{
			api.QueueReady:  {},
			api.QueueDone:   {},
			api.QueueFailed: {},
		},
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Ensure MemoryPersister implements Persister.
var _ Persister = (*MemoryPersister)(nil)

type memoryTx struct {
	p       *MemoryPersister
	written []rowKey
	locked  []int64
	done    bool
}

func (t *memoryTx) Commit() error {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()

	if t.done {
		return errTxDone
	}
	for _, k := range t.written {
		delete(t.p.dirty[k.queue], k.id)
	}
	t.finish()
	return nil
}

func (t *memoryTx) Rollback() error {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()

	if t.done {
		return errTxDone
	}
	for _, k := range t.written {
		d := t.p.dirty[k.queue][k.id]
		if d.prev == nil {
			delete(t.p.queues[k.queue], k.id)
		} else {
			t.p.queues[k.queue][k.id] = d.prev
		}
		delete(t.p.dirty[k.queue], k.id)
	}
	t.finish()
	return nil
}

// finish releases locks; p.mu must be held.
func (t *memoryTx) finish() {
	t.done = true
	t.written = nil
	for _, id := range t.locked {
		if t.p.locks[id] == t {
			delete(t.p.locks, id)
		}
	}
	t.locked = nil
	t.p.cond.Broadcast()
}

// lock takes the row lock for id, waiting while another transaction holds
// it; p.mu must be held.
func (t *memoryTx) lock(id int64) {
	for {
		owner, held := t.p.locks[id]
		if !held || owner == t {
			break
		}
		t.p.cond.Wait()
	}
	if t.p.locks[id] != t {
		t.p.locks[id] = t
		t.locked = append(t.locked, id)
	}
}

// record saves the committed image of a row before t first writes it. t
// must hold the row lock; p.mu must be held.
func (t *memoryTx) record(q api.Queue, id int64) {
	if _, ok := t.p.dirty[q][id]; ok {
		return
	}
	t.p.dirty[q][id] = &dirtyRow{owner: t, prev: t.p.queues[q][id]}
	t.written = append(t.written, rowKey{q, id})
}

// visible returns the rows of q that mt may read: its own writes and the
// committed image of everything else. mt is nil for reads outside a
// transaction. p.mu must be held.
func (p *MemoryPersister) visible(q api.Queue, mt *memoryTx) []*api.Step {
	rows := make([]*api.Step, 0, len(p.queues[q]))
	for id, s := range p.queues[q] {
		if d, ok := p.dirty[q][id]; ok && d.owner != mt {
			s = d.prev
		}
		if s != nil {
			rows = append(rows, s)
		}
	}
	for id, d := range p.dirty[q] {
		if _, present := p.queues[q][id]; !present && d.owner != mt && d.prev != nil {
			rows = append(rows, d.prev)
		}
	}
	return rows
}

func (p *MemoryPersister) memTx(tx Tx) (*memoryTx, error) {
	mt, ok := tx.(*memoryTx)
	if !ok || mt.p != p {
		return nil, fmt.Errorf("transaction %T does not belong to this persister", tx)
	}
	if mt.done {
		return nil, errTxDone
	}
	return mt, nil
}

func (p *MemoryPersister) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryTx{p: p}, nil
}

func (p *MemoryPersister) GetAndLockReadyStep(ctx context.Context, tx Tx, now time.Time) (*api.Step, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mt, err := p.memTx(tx)
	if err != nil {
		return nil, err
	}

	var best *api.Step
	for id, s := range p.queues[api.QueueReady] {
		if owner, held := p.locks[id]; held && owner != mt {
			continue
		}
		if s.ScheduleTime.After(now) {
			continue
		}
		if best == nil || s.ScheduleTime.Before(best.ScheduleTime) ||
			(s.ScheduleTime.Equal(best.ScheduleTime) && s.ID < best.ID) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}

	mt.lock(best.ID)
	return best.Clone(), nil
}

func (p *MemoryPersister) Insert(ctx context.Context, tx Tx, queue api.Queue, steps ...*api.Step) ([]int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mt, err := p.memTx(tx)
	if err != nil {
		return nil, err
	}
	rows, ok := p.queues[queue]
	if !ok {
		return nil, fmt.Errorf("unknown queue %v", queue)
	}

	ids := make([]int64, 0, len(steps))
	for _, s := range steps {
		row := s.Clone()
		row.InitialState = nil

		if queue == api.QueueReady {
			if row.Singleton && p.hasReadySingleton(row.Name) {
				return ids, fmt.Errorf("%w: %q", api.ErrSingletonViolation, row.Name)
			}
			p.nextID++
			row.ID = p.nextID
		} else {
			if row.ID == 0 {
				return ids, fmt.Errorf("insert into %v requires a step id", queue)
			}
			if _, exists := rows[row.ID]; exists {
				return ids, fmt.Errorf("step %d already exists in %v", row.ID, queue)
			}
			if row.ID > p.nextID {
				p.nextID = row.ID
			}
		}

		id := row.ID
		mt.lock(id)
		mt.record(queue, id)
		rows[id] = row
		ids = append(ids, id)
	}
	return ids, nil
}

// hasReadySingleton reports whether a singleton named name is ready;
// p.mu must be held.
func (p *MemoryPersister) hasReadySingleton(name string) bool {
	for _, s := range p.queues[api.QueueReady] {
		if s.Singleton && s.Name == name {
			return true
		}
	}
	return false
}

func (p *MemoryPersister) Update(ctx context.Context, tx Tx, queue api.Queue, step *api.Step) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mt, err := p.memTx(tx)
	if err != nil {
		return 0, err
	}
	rows, ok := p.queues[queue]
	if !ok {
		return 0, fmt.Errorf("unknown queue %v", queue)
	}

	mt.lock(step.ID)
	if _, exists := rows[step.ID]; !exists {
		return 0, nil
	}

	row := step.Clone()
	row.InitialState = nil
	mt.record(queue, step.ID)
	rows[step.ID] = row
	return 1, nil
}

func (p *MemoryPersister) Delete(ctx context.Context, tx Tx, queue api.Queue, id int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mt, err := p.memTx(tx)
	if err != nil {
		return 0, err
	}
	rows, ok := p.queues[queue]
	if !ok {
		return 0, fmt.Errorf("unknown queue %v", queue)
	}

	mt.lock(id)
	if _, exists := rows[id]; !exists {
		return 0, nil
	}

	mt.record(queue, id)
	delete(rows, id)
	return 1, nil
}

func (p *MemoryPersister) Search(ctx context.Context, tx Tx, criteria api.SearchModel, levels api.FetchLevels) (api.SearchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var mt *memoryTx
	if tx != nil {
		var err error
		if mt, err = p.memTx(tx); err != nil {
			return nil, err
		}
	}

	result := make(api.SearchResult)
	for _, q := range levels.Queues() {
		var found []*api.Step
		for _, s := range p.visible(q, mt) {
			if criteria.Matches(s) {
				found = append(found, s.Clone())
			}
		}
		sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
		if criteria.Limit > 0 && len(found) > criteria.Limit {
			found = found[:criteria.Limit]
		}
		result[q] = found
	}
	return result, nil
}

func (p *MemoryPersister) CountTables(ctx context.Context, flowID string) (map[api.Queue]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var mt *memoryTx
	if tx, ok := TxFromContext(ctx); ok {
		var err error
		if mt, err = p.memTx(tx); err != nil {
			return nil, err
		}
	}

	counts := make(map[api.Queue]int, len(api.Queues))
	for _, q := range api.Queues {
		n := 0
		for _, s := range p.visible(q, mt) {
			if flowID == "" || s.FlowID == flowID {
				n++
			}
		}
		counts[q] = n
	}
	return counts, nil
}

func (p *MemoryPersister) InsertBulk(ctx context.Context, queue api.Queue, steps []*api.Step) error {
	tx, err := p.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := p.Insert(ctx, tx, queue, steps...); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
