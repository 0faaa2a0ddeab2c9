// Package bolt implements the Persistence Port on an embedded BoltDB file,
// adapted from the teacher's services/orchestrator/persistence.go
// WorkflowStore — generalized from a workflow/execution-cache shape into
// the full §4.5 port surface (checkpoints, failure patterns, analytics
// batches) and keyed by workflow id rather than workflow name so multiple
// concurrent runs of the same named workflow don't collide.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/flowguard/internal/domain"
)

var (
	bucketWorkflows  = []byte("workflows")
	bucketCheckpoints = []byte("checkpoints")
	bucketFailures   = []byte("failure_patterns")
	bucketAnalytics  = []byte("analytics_events")
)

// Store is a BoltDB-backed persistence.Port implementation.
type Store struct {
	db           *bbolt.DB
	mu           sync.RWMutex
	workflowCache map[string]domain.Workflow
	maxCacheSize int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// New opens (creating if absent) a BoltDB file under dbDir and warms the
// in-memory workflow cache.
func New(dbDir string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, NoSync: false, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(dbDir+"/flowguard.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflows, bucketCheckpoints, bucketFailures, bucketAnalytics} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("flowguard_persistence_read_ms")
	writeLatency, _ := meter.Float64Histogram("flowguard_persistence_write_ms")
	cacheHits, _ := meter.Int64Counter("flowguard_persistence_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("flowguard_persistence_cache_misses_total")

	s := &Store{
		db:            db,
		workflowCache: make(map[string]domain.Workflow),
		maxCacheSize:  1000,
		readLatency:   readLatency,
		writeLatency:  writeLatency,
		cacheHits:     cacheHits,
		cacheMisses:   cacheMisses,
	}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var wf domain.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return nil
			}
			s.workflowCache[wf.ID] = wf
			return nil
		})
	})
}

func (s *Store) CreateWorkflow(ctx context.Context, wf domain.Workflow) error {
	return s.putWorkflow(ctx, wf)
}

func (s *Store) UpdateWorkflow(ctx context.Context, wf domain.Workflow) error {
	return s.putWorkflow(ctx, wf)
}

func (s *Store) putWorkflow(ctx context.Context, wf domain.Workflow) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "put_workflow")))
	}()

	data, err := json.Marshal(wf)
	if err != nil {
		return &domain.StorageError{Op: "marshal_workflow", Cause: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Put([]byte(wf.ID), data)
	})
	if err != nil {
		return &domain.StorageError{Op: "put_workflow", Cause: err}
	}
	s.workflowCache[wf.ID] = wf
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "get_workflow")))
	}()

	s.mu.RLock()
	if wf, ok := s.workflowCache[id]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1)
		return wf, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1)

	var wf domain.Workflow
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return domain.Workflow{}, &domain.StorageError{Op: "get_workflow", Cause: err}
	}
	if !found {
		return domain.Workflow{}, &domain.NotFoundError{Kind: "workflow", ID: id}
	}
	s.mu.Lock()
	s.workflowCache[id] = wf
	s.mu.Unlock()
	return wf, nil
}

func (s *Store) ListPendingWorkflows(ctx context.Context, limit int) ([]domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Workflow, 0, limit)
	for _, wf := range s.workflowCache {
		if wf.Status == domain.WorkflowPending {
			out = append(out, wf)
			if len(out) >= limit {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Delete([]byte(id))
	})
	if err != nil {
		return &domain.StorageError{Op: "delete_workflow", Cause: err}
	}
	delete(s.workflowCache, id)
	return nil
}

// RecordTaskTransition loads the workflow, mutates the named task's status
// in place, and writes the workflow back within the same lock, keeping the
// workflow-level status update atomic with the task transition (§9).
func (s *Store) RecordTaskTransition(ctx context.Context, workflowID, taskID string, from, to domain.TaskStatus, result map[string]interface{}, taskErr string) error {
	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	t := wf.TaskByID(taskID)
	if t == nil {
		return &domain.NotFoundError{Kind: "task", ID: taskID}
	}
	t.Status = to
	if result != nil {
		t.Result = result
	}
	if taskErr != "" {
		t.Error = taskErr
	}
	now := time.Now()
	if to == domain.TaskRunning && t.StartTime == nil {
		t.StartTime = &now
	}
	if to.IsTerminal() {
		t.EndTime = &now
	}
	wf.UpdatedAt = now
	return s.UpdateWorkflow(ctx, wf)
}

func (s *Store) WriteCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return &domain.StorageError{Op: "marshal_checkpoint", Cause: err}
	}
	key := []byte(fmt.Sprintf("%s:%020d", cp.WorkflowID, cp.Version))
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put(key, data)
	})
	if err != nil {
		return &domain.StorageError{Op: "write_checkpoint", Cause: err}
	}
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, workflowID string) (domain.Checkpoint, bool, error) {
	prefix := []byte(workflowID + ":")
	var latest domain.Checkpoint
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketCheckpoints).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var cp domain.Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				continue
			}
			if !found || cp.Version > latest.Version {
				latest = cp
				found = true
			}
		}
		return nil
	})
	if err != nil {
		return domain.Checkpoint{}, false, &domain.StorageError{Op: "load_checkpoint", Cause: err}
	}
	return latest, found, nil
}

func (s *Store) PruneCheckpoints(ctx context.Context, workflowID string, keep int) error {
	prefix := []byte(workflowID + ":")
	var keys [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketCheckpoints).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			cp := append([]byte(nil), k...)
			keys = append(keys, cp)
		}
		return nil
	})
	if err != nil {
		return &domain.StorageError{Op: "prune_checkpoints", Cause: err}
	}
	if len(keys) <= keep {
		return nil
	}
	toDelete := keys[:len(keys)-keep]
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) RecordFailurePattern(ctx context.Context, fp domain.FailurePattern) error {
	data, err := json.Marshal(fp)
	if err != nil {
		return &domain.StorageError{Op: "marshal_failure", Cause: err}
	}
	key := []byte(fmt.Sprintf("%020d:%s", fp.Timestamp.UnixNano(), fp.ID))
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFailures).Put(key, data)
	})
}

func (s *Store) ListFailedJobs(ctx context.Context, limit int) ([]domain.FailurePattern, error) {
	var out []domain.FailurePattern
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFailures).ForEach(func(k, v []byte) error {
			if len(out) >= limit {
				return nil
			}
			var fp domain.FailurePattern
			if err := json.Unmarshal(v, &fp); err != nil {
				return nil
			}
			if fp.ResolutionStatus == domain.ResolutionOpen || fp.ResolutionStatus == domain.ResolutionPendingManual {
				out = append(out, fp)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) PruneFailurePatterns(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := []byte(fmt.Sprintf("%020d", olderThan.UnixNano()))
	var toDelete [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketFailures).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k[:20]) < string(cutoff) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		return nil
	})
	if err != nil {
		return 0, &domain.StorageError{Op: "prune_failures", Cause: err}
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFailures)
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return len(toDelete), err
}

func (s *Store) InsertAnalyticsBatch(ctx context.Context, events []domain.AnalyticsEvent) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAnalytics)
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			key := []byte(fmt.Sprintf("%020d:%s", uint64(ev.Timestamp.UnixNano())^(1<<63), ev.ID))
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeleteAnalyticsOlderThan(ctx context.Context, cutoff time.Time, pageSize int) (int, error) {
	cutoffKey := []byte(fmt.Sprintf("%020d", uint64(cutoff.UnixNano())^(1<<63)))
	total := 0
	for {
		var page [][]byte
		err := s.db.View(func(tx *bbolt.Tx) error {
			c := tx.Bucket(bucketAnalytics).Cursor()
			for k, _ := c.First(); k != nil && len(page) < pageSize; k, _ = c.Next() {
				if len(k) >= 20 && string(k[:20]) < string(cutoffKey) {
					page = append(page, append([]byte(nil), k...))
				}
			}
			return nil
		})
		if err != nil {
			return total, &domain.StorageError{Op: "prune_analytics", Cause: err}
		}
		if len(page) == 0 {
			return total, nil
		}
		err = s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(bucketAnalytics)
			for _, k := range page {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return total, &domain.StorageError{Op: "prune_analytics", Cause: err}
		}
		total += len(page)
		if len(page) < pageSize {
			return total, nil
		}
	}
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
