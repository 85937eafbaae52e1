package shard

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/shardfollow/internal/action"
	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/storage"
)

// NoOpsPerformed is the checkpoint of a shard that has seen no operations.
const NoOpsPerformed int64 = -1

// ShardState is the engine state of a shard
type ShardState string

const (
	// ShardStateStarted means the engine accepts reads and writes
	ShardStateStarted ShardState = "started"
	// ShardStateClosed means the engine is unavailable
	ShardStateClosed ShardState = "closed"
)

// Shard is one copy of an index shard: a document store plus the sequenced
// history of operations that produced it.
type Shard struct {
	ID      cluster.ShardID
	Primary bool
	Store   storage.Store
	Stats   *OperationStats

	mu          sync.Mutex
	state       ShardState
	historyUUID string
	primaryTerm int64

	// history holds retained operations keyed by seq no
	history                    map[int64]action.Operation
	minRetainedSeqNo           int64
	localCheckpoint            int64
	maxSeqNo                   int64
	maxSeqNoOfUpdatesOrDeletes int64
	leases                     map[string]RetentionLease

	// journal is set when Store can persist history
	journal storage.HistoryStore

	// advanced is closed and replaced whenever the checkpoint moves
	advanced chan struct{}
}

// OperationStats tracks operation counts
type OperationStats struct {
	Indexed uint64 // Index operations performed
	Deleted uint64 // Delete operations performed
	Applied uint64 // Operations replayed from another shard
}

// ShardInfo is a point-in-time summary of a shard
type ShardInfo struct {
	ID               cluster.ShardID    `json:"id"`
	Primary          bool               `json:"primary"`
	State            ShardState         `json:"state"`
	HistoryUUID      string             `json:"history_uuid"`
	GlobalCheckpoint int64              `json:"global_checkpoint"`
	MaxSeqNo         int64              `json:"max_seq_no"`
	Leases           int                `json:"retention_leases"`
	Storage          storage.StoreStats `json:"storage"`
}

// shardMeta is the bookkeeping a durable shard saves with its history.
type shardMeta struct {
	HistoryUUID                string                    `json:"history_uuid"`
	PrimaryTerm                int64                     `json:"primary_term"`
	LocalCheckpoint            int64                     `json:"local_checkpoint"`
	MaxSeqNo                   int64                     `json:"max_seq_no"`
	MaxSeqNoOfUpdatesOrDeletes int64                     `json:"max_seq_no_of_updates_or_deletes"`
	MinRetainedSeqNo           int64                     `json:"min_retained_seq_no"`
	Leases                     map[string]RetentionLease `json:"leases,omitempty"`
}

// NewShard creates a started shard with a fresh history UUID. A nil store
// defaults to in-memory storage.
func NewShard(id cluster.ShardID, primary bool, store storage.Store) *Shard {
	if store == nil {
		store = storage.NewMemoryStore()
	}
	journal, _ := store.(storage.HistoryStore)
	return &Shard{
		ID:                         id,
		Primary:                    primary,
		Store:                      store,
		Stats:                      &OperationStats{},
		state:                      ShardStateStarted,
		historyUUID:                uuid.NewString(),
		primaryTerm:                1,
		history:                    make(map[int64]action.Operation),
		minRetainedSeqNo:           0,
		localCheckpoint:            NoOpsPerformed,
		maxSeqNo:                   NoOpsPerformed,
		maxSeqNoOfUpdatesOrDeletes: NoOpsPerformed,
		leases:                     make(map[string]RetentionLease),
		journal:                    journal,
		advanced:                   make(chan struct{}),
	}
}

// OpenShard opens a shard on store. When store is a storage.HistoryStore
// that already holds a history, the shard resumes it: same history UUID,
// checkpoints, retained operations and leases. Otherwise it behaves like
// NewShard and saves the new history UUID right away.
func OpenShard(id cluster.ShardID, primary bool, store storage.Store) (*Shard, error) {
	s := NewShard(id, primary, store)
	if s.journal == nil {
		return s, nil
	}
	raw, ops, err := s.journal.LoadHistory()
	if err != nil {
		return nil, cluster.WrapKind(cluster.KindUnknown, err, "load history of %s", id)
	}
	if raw == nil {
		if err := s.saveMetaLocked(); err != nil {
			return nil, err
		}
		return s, nil
	}
	var m shardMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, cluster.WrapKind(cluster.KindUnknown, err, "decode history of %s", id)
	}
	s.historyUUID = m.HistoryUUID
	s.primaryTerm = m.PrimaryTerm
	s.localCheckpoint = m.LocalCheckpoint
	s.maxSeqNo = m.MaxSeqNo
	s.maxSeqNoOfUpdatesOrDeletes = m.MaxSeqNoOfUpdatesOrDeletes
	s.minRetainedSeqNo = m.MinRetainedSeqNo
	for lid, l := range m.Leases {
		s.leases[lid] = l
	}
	for seq, b := range ops {
		// a failed trim can leave dropped operations behind
		if seq < s.minRetainedSeqNo {
			continue
		}
		var op action.Operation
		if err := json.Unmarshal(b, &op); err != nil {
			return nil, cluster.WrapKind(cluster.KindUnknown, err, "decode seq no %d of %s", seq, id)
		}
		s.history[seq] = op
	}
	return s, nil
}

func (s *Shard) metaLocked() shardMeta {
	return shardMeta{
		HistoryUUID:                s.historyUUID,
		PrimaryTerm:                s.primaryTerm,
		LocalCheckpoint:            s.localCheckpoint,
		MaxSeqNo:                   s.maxSeqNo,
		MaxSeqNoOfUpdatesOrDeletes: s.maxSeqNoOfUpdatesOrDeletes,
		MinRetainedSeqNo:           s.minRetainedSeqNo,
		Leases:                     s.leases,
	}
}

func (s *Shard) encodeMetaLocked() ([]byte, error) {
	raw, err := json.Marshal(s.metaLocked())
	if err != nil {
		return nil, cluster.WrapKind(cluster.KindUnknown, err, "encode history of %s", s.ID)
	}
	return raw, nil
}

func (s *Shard) saveMetaLocked() error {
	if s.journal == nil {
		return nil
	}
	raw, err := s.encodeMetaLocked()
	if err != nil {
		return err
	}
	if err := s.journal.SaveMeta(raw); err != nil {
		return cluster.WrapKind(cluster.KindUnknown, err, "save history of %s", s.ID)
	}
	return nil
}

func (s *Shard) journalOpLocked(op action.Operation) error {
	if s.journal == nil {
		return nil
	}
	raw, err := json.Marshal(op)
	if err != nil {
		return cluster.WrapKind(cluster.KindUnknown, err, "encode seq no %d of %s", op.SeqNo, s.ID)
	}
	meta, err := s.encodeMetaLocked()
	if err != nil {
		return err
	}
	if err := s.journal.PutOp(op.SeqNo, raw, meta); err != nil {
		return cluster.WrapKind(cluster.KindUnknown, err, "save seq no %d of %s", op.SeqNo, s.ID)
	}
	return nil
}

// Route returns the shard ordinal owning a document id
func Route(id string, numShards int) int {
	if numShards <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(numShards))
}

func (s *Shard) HistoryUUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyUUID
}

// GlobalCheckpoint returns the seq no up to which every operation has been
// applied. A shard has a single copy so it equals the local checkpoint.
func (s *Shard) GlobalCheckpoint() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localCheckpoint
}

func (s *Shard) State() ShardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close marks the engine unavailable. Reads and writes fail with
// KindIndexClosed until Open is called.
func (s *Shard) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = ShardStateClosed
	s.signal()
}

func (s *Shard) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = ShardStateStarted
}

// Index writes a document as the primary, assigning the next seq no.
func (s *Shard) Index(id string, source []byte) (int64, error) {
	return s.write(action.Operation{Type: action.OpIndex, ID: id, Source: source})
}

// Delete removes a document as the primary, assigning the next seq no.
func (s *Shard) Delete(id string) (int64, error) {
	return s.write(action.Operation{Type: action.OpDelete, ID: id})
}

func (s *Shard) write(op action.Operation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureStarted(); err != nil {
		return 0, err
	}
	op.SeqNo = s.maxSeqNo + 1
	op.PrimaryTerm = s.primaryTerm
	if op.Type == action.OpDelete || s.exists(op.ID) {
		s.maxSeqNoOfUpdatesOrDeletes = op.SeqNo
	}
	if err := s.applyLocked(op); err != nil {
		return 0, err
	}
	switch op.Type {
	case action.OpIndex:
		atomic.AddUint64(&s.Stats.Indexed, 1)
	case action.OpDelete:
		atomic.AddUint64(&s.Stats.Deleted, 1)
	}
	return op.SeqNo, nil
}

// Apply replays operations copied from another shard. Operations already
// processed are skipped so a batch may be applied more than once.
func (s *Shard) Apply(historyUUID string, ops []action.Operation, maxSeqNoOfUpdatesOrDeletes int64) (*action.BulkShardOperationsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureStarted(); err != nil {
		return nil, err
	}
	if historyUUID != s.historyUUID {
		return nil, cluster.Errorf(cluster.KindHistoryMismatch,
			"unexpected history uuid for shard %s: expected [%s] actual [%s]", s.ID, historyUUID, s.historyUUID)
	}
	if maxSeqNoOfUpdatesOrDeletes > s.maxSeqNoOfUpdatesOrDeletes {
		s.maxSeqNoOfUpdatesOrDeletes = maxSeqNoOfUpdatesOrDeletes
	}
	for _, op := range ops {
		if s.processed(op.SeqNo) {
			continue
		}
		if err := s.applyLocked(op); err != nil {
			return nil, err
		}
		atomic.AddUint64(&s.Stats.Applied, 1)
	}
	return &action.BulkShardOperationsResponse{GlobalCheckpoint: s.localCheckpoint, MaxSeqNo: s.maxSeqNo}, nil
}

func (s *Shard) processed(seqNo int64) bool {
	if seqNo <= s.localCheckpoint {
		return true
	}
	_, ok := s.history[seqNo]
	return ok
}

func (s *Shard) exists(id string) bool {
	_, err := s.Store.Get(id)
	return err == nil
}

func (s *Shard) applyLocked(op action.Operation) error {
	var err error
	switch op.Type {
	case action.OpIndex:
		err = s.Store.Put(op.ID, op.Source)
	case action.OpDelete:
		err = s.Store.Delete(op.ID)
	}
	if err != nil {
		return cluster.WrapKind(cluster.KindUnknown, err, "apply seq no %d to %s", op.SeqNo, s.ID)
	}
	s.history[op.SeqNo] = op
	if op.SeqNo > s.maxSeqNo {
		s.maxSeqNo = op.SeqNo
	}
	before := s.localCheckpoint
	for {
		if _, ok := s.history[s.localCheckpoint+1]; !ok {
			break
		}
		s.localCheckpoint++
	}
	if err := s.journalOpLocked(op); err != nil {
		return err
	}
	if s.localCheckpoint != before {
		s.signal()
	}
	return nil
}

func (s *Shard) signal() {
	close(s.advanced)
	s.advanced = make(chan struct{})
}

func (s *Shard) ensureStarted() error {
	if s.state != ShardStateStarted {
		return cluster.Errorf(cluster.KindIndexClosed, "shard %s is closed", s.ID)
	}
	return nil
}

// Changes returns operations from fromSeqNo onward, bounded by maxOps and
// maxBytes (at least one operation is returned when any is available). When
// nothing past fromSeqNo has been checkpointed yet, it waits up to
// pollTimeout for new operations.
func (s *Shard) Changes(ctx context.Context, req *action.ShardChangesRequest) (*action.ShardChangesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureStarted(); err != nil {
		return nil, err
	}
	if req.ExpectedHistoryUUID != s.historyUUID {
		return nil, cluster.Errorf(cluster.KindHistoryMismatch,
			"unexpected history uuid for shard %s: expected [%s] actual [%s]", s.ID, req.ExpectedHistoryUUID, s.historyUUID)
	}

	if req.FromSeqNo > s.localCheckpoint && req.PollTimeout > 0 {
		deadline := time.NewTimer(req.PollTimeout)
		defer deadline.Stop()
		for req.FromSeqNo > s.localCheckpoint && s.state == ShardStateStarted {
			ch := s.advanced
			s.mu.Unlock()
			select {
			case <-ch:
				s.mu.Lock()
				continue
			case <-deadline.C:
			case <-ctx.Done():
			}
			s.mu.Lock()
			break
		}
		if err := s.ensureStarted(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if req.FromSeqNo < s.minRetainedSeqNo {
		return nil, cluster.Errorf(cluster.KindInvalidArgument,
			"operations [%d..] are no longer retained on shard %s, min retained seq no is %d",
			req.FromSeqNo, s.ID, s.minRetainedSeqNo)
	}

	resp := &action.ShardChangesResponse{
		GlobalCheckpoint:           s.localCheckpoint,
		MaxSeqNo:                   s.maxSeqNo,
		MaxSeqNoOfUpdatesOrDeletes: s.maxSeqNoOfUpdatesOrDeletes,
		Operations:                 []action.Operation{},
	}
	var size int64
	for seq := req.FromSeqNo; seq <= s.localCheckpoint; seq++ {
		if req.MaxOperationCount > 0 && len(resp.Operations) >= req.MaxOperationCount {
			break
		}
		op := s.history[seq]
		if len(resp.Operations) > 0 && req.MaxBatchSize > 0 && size+op.Size() > req.MaxBatchSize {
			break
		}
		size += op.Size()
		resp.Operations = append(resp.Operations, op)
	}
	return resp, nil
}

// TrimHistory drops operations no retention lease still needs. Without
// leases everything up to the global checkpoint is dropped.
func (s *Shard) TrimHistory() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	retain := s.localCheckpoint + 1
	for _, l := range s.leases {
		if l.RetainingSeqNo < retain {
			retain = l.RetainingSeqNo
		}
	}
	if retain <= s.minRetainedSeqNo {
		return 0
	}
	dropped := 0
	for seq := range s.history {
		if seq < retain {
			delete(s.history, seq)
			dropped++
		}
	}
	s.minRetainedSeqNo = retain
	if s.journal != nil {
		if meta, err := s.encodeMetaLocked(); err == nil {
			// operations left behind by a failed drop are skipped on load
			_ = s.journal.DropOps(retain, meta)
		}
	}
	return dropped
}

// ShardStats reports commit and seq no stats. Both are nil while the shard
// is closed.
func (s *Shard) ShardStats(nodeID string) action.ShardStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := action.ShardStats{Routing: cluster.ShardRouting{
		ShardID: s.ID,
		NodeID:  nodeID,
		Primary: s.Primary,
		State:   cluster.ShardStarted,
	}}
	if s.state != ShardStateStarted {
		return st
	}
	st.Commit = &action.CommitStats{UserData: map[string]string{action.HistoryUUIDKey: s.historyUUID}}
	st.SeqNo = &action.SeqNoStats{
		MaxSeqNo:         s.maxSeqNo,
		LocalCheckpoint:  s.localCheckpoint,
		GlobalCheckpoint: s.localCheckpoint,
	}
	return st
}

// GetStats returns current operation counters
func (s *Shard) GetStats() OperationStats {
	return OperationStats{
		Indexed: atomic.LoadUint64(&s.Stats.Indexed),
		Deleted: atomic.LoadUint64(&s.Stats.Deleted),
		Applied: atomic.LoadUint64(&s.Stats.Applied),
	}
}

func (s *Shard) Info() ShardInfo {
	s.mu.Lock()
	info := ShardInfo{
		ID:               s.ID,
		Primary:          s.Primary,
		State:            s.state,
		HistoryUUID:      s.historyUUID,
		GlobalCheckpoint: s.localCheckpoint,
		MaxSeqNo:         s.maxSeqNo,
		Leases:           len(s.leases),
	}
	s.mu.Unlock()
	info.Storage = s.Store.Stats()
	return info
}

// ListDocs returns all document ids sorted
func (s *Shard) ListDocs() []string {
	ids := s.Store.List()
	sort.Strings(ids)
	return ids
}
