package shard

import (
	"sort"
	"time"

	"github.com/dreamware/shardfollow/internal/cluster"
)

// RetentionLease keeps operations at or above RetainingSeqNo from being
// trimmed out of a shard's history.
type RetentionLease struct {
	ID             string    `json:"id"`
	RetainingSeqNo int64     `json:"retaining_seq_no"`
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"timestamp"`
}

// AddRetentionLease fails with KindRetentionLeaseAlreadyExists if id is held.
func (s *Shard) AddRetentionLease(id string, retainingSeqNo int64, source string) (RetentionLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureStarted(); err != nil {
		return RetentionLease{}, err
	}
	if _, ok := s.leases[id]; ok {
		return RetentionLease{}, cluster.Errorf(cluster.KindRetentionLeaseAlreadyExists,
			"retention lease with ID [%s] already exists", id)
	}
	l := RetentionLease{ID: id, RetainingSeqNo: retainingSeqNo, Source: source, Timestamp: time.Now()}
	s.leases[id] = l
	if err := s.saveMetaLocked(); err != nil {
		return RetentionLease{}, err
	}
	return l, nil
}

// RenewRetentionLease moves an existing lease forward. A lease can never move
// backwards: a lower retaining seq no fails with KindInvalidRetainingSeqNo.
func (s *Shard) RenewRetentionLease(id string, retainingSeqNo int64, source string) (RetentionLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureStarted(); err != nil {
		return RetentionLease{}, err
	}
	existing, ok := s.leases[id]
	if !ok {
		return RetentionLease{}, cluster.Errorf(cluster.KindRetentionLeaseNotFound,
			"retention lease with ID [%s] not found", id)
	}
	if retainingSeqNo < existing.RetainingSeqNo {
		return RetentionLease{}, cluster.Errorf(cluster.KindInvalidRetainingSeqNo,
			"the current retention lease with [%s] is retaining [%d] which is greater than [%d]",
			id, existing.RetainingSeqNo, retainingSeqNo)
	}
	l := RetentionLease{ID: id, RetainingSeqNo: retainingSeqNo, Source: source, Timestamp: time.Now()}
	s.leases[id] = l
	if err := s.saveMetaLocked(); err != nil {
		return RetentionLease{}, err
	}
	return l, nil
}

// RemoveRetentionLease fails with KindRetentionLeaseNotFound for unknown ids.
func (s *Shard) RemoveRetentionLease(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leases[id]; !ok {
		return cluster.Errorf(cluster.KindRetentionLeaseNotFound,
			"retention lease with ID [%s] not found", id)
	}
	delete(s.leases, id)
	return s.saveMetaLocked()
}

// RetentionLeases returns the current leases sorted by id.
func (s *Shard) RetentionLeases() []RetentionLease {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RetentionLease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
