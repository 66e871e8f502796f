// Package presence keeps the shared identity → presence record mapping and
// the per-instance references that decide whether a user is online.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/relay/internal/chat"
	"github.com/matheus3301/relay/internal/store"
)

const (
	// UsersKey is the hash of uid → serialized presence record.
	UsersKey = "user"
	// InstancesKey is the hash of instance id → last heartbeat (unix ms).
	InstancesKey = "instances"
)

// OnlineKey is the hash of instance id → attach time for one user.
func OnlineKey(uid string) string {
	return "online:" + uid
}

// Store reads and writes presence records. Writes are last-writer-wins.
type Store struct {
	st         store.Store
	staleAfter time.Duration
	now        func() time.Time
}

// New creates a presence store. An instance whose heartbeat is older than
// staleAfter no longer keeps its users online.
func New(st store.Store, staleAfter time.Duration) *Store {
	return &Store{st: st, staleAfter: staleAfter, now: time.Now}
}

// Upsert replaces or inserts the record for u.UID.
func (s *Store) Upsert(ctx context.Context, u chat.User) error {
	data, err := chat.EncodeUser(u)
	if err != nil {
		return fmt.Errorf("encode user %s: %w", u.UID, err)
	}
	return s.st.HSet(ctx, UsersKey, u.UID, string(data))
}

// Get returns the record for uid; ok is false when none exists.
func (s *Store) Get(ctx context.Context, uid string) (chat.User, bool, error) {
	raw, ok, err := s.st.HGet(ctx, UsersKey, uid)
	if err != nil || !ok {
		return chat.User{}, false, err
	}
	u, err := chat.DecodeUser([]byte(raw))
	if err != nil {
		return chat.User{}, false, fmt.Errorf("decode user %s: %w", uid, err)
	}
	return u, true, nil
}

// ListAll returns every known record in no particular order. Records that
// fail to decode are skipped.
func (s *Store) ListAll(ctx context.Context) ([]chat.User, error) {
	all, err := s.st.HGetAll(ctx, UsersKey)
	if err != nil {
		return nil, err
	}
	users := make([]chat.User, 0, len(all))
	for _, raw := range all {
		u, err := chat.DecodeUser([]byte(raw))
		if err != nil {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// SetOnline flips the online flag of an existing record. It reports false
// without writing when uid has no record.
func (s *Store) SetOnline(ctx context.Context, uid string, online bool) (bool, error) {
	u, ok, err := s.Get(ctx, uid)
	if err != nil || !ok {
		return false, err
	}
	u.Online = online
	return true, s.Upsert(ctx, u)
}

// Attach records that instanceID holds a live connection for uid.
func (s *Store) Attach(ctx context.Context, uid, instanceID string) error {
	return s.st.HSet(ctx, OnlineKey(uid), instanceID, strconv.FormatInt(s.now().UnixMilli(), 10))
}

// Detach removes instanceID's reference for uid and returns how many live
// instances still reference the user.
func (s *Store) Detach(ctx context.Context, uid, instanceID string) (int, error) {
	if err := s.st.HDel(ctx, OnlineKey(uid), instanceID); err != nil {
		return 0, err
	}
	return s.LiveRefs(ctx, uid)
}

// LiveRefs counts the instances with a fresh heartbeat that reference uid.
func (s *Store) LiveRefs(ctx context.Context, uid string) (int, error) {
	refs, err := s.st.HGetAll(ctx, OnlineKey(uid))
	if err != nil || len(refs) == 0 {
		return 0, err
	}
	live, err := s.liveInstances(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for instanceID := range refs {
		if live[instanceID] {
			n++
		}
	}
	return n, nil
}

// Heartbeat marks instanceID alive now.
func (s *Store) Heartbeat(ctx context.Context, instanceID string) error {
	return s.st.HSet(ctx, InstancesKey, instanceID, strconv.FormatInt(s.now().UnixMilli(), 10))
}

// Retire removes instanceID's heartbeat, making its references stale at once.
func (s *Store) Retire(ctx context.Context, instanceID string) error {
	return s.st.HDel(ctx, InstancesKey, instanceID)
}

// Sweep drops references held by stale instances and marks offline every
// user left without a live reference. It returns the uids it marked offline.
func (s *Store) Sweep(ctx context.Context) ([]string, error) {
	live, err := s.liveInstances(ctx)
	if err != nil {
		return nil, err
	}
	users, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var offline []string
	for _, u := range users {
		if !u.Online {
			continue
		}
		refs, err := s.st.HGetAll(ctx, OnlineKey(u.UID))
		if err != nil {
			return offline, err
		}
		var stale []string
		for instanceID := range refs {
			if !live[instanceID] {
				stale = append(stale, instanceID)
			}
		}
		if err := s.st.HDel(ctx, OnlineKey(u.UID), stale...); err != nil {
			return offline, err
		}
		if len(refs)-len(stale) > 0 {
			continue
		}

		// A connect may have landed since the snapshot: re-check the
		// references and write over the current record, not the snapshot.
		n, err := s.LiveRefs(ctx, u.UID)
		if err != nil {
			return offline, err
		}
		if n > 0 {
			continue
		}
		cur, ok, err := s.Get(ctx, u.UID)
		if err != nil {
			return offline, err
		}
		if !ok || !cur.Online {
			continue
		}
		cur.Online = false
		if err := s.Upsert(ctx, cur); err != nil {
			return offline, err
		}
		offline = append(offline, u.UID)
	}
	return offline, nil
}

// liveInstances returns the instances whose heartbeat is fresh and deletes
// the heartbeats of the others.
func (s *Store) liveInstances(ctx context.Context) (map[string]bool, error) {
	beats, err := s.st.HGetAll(ctx, InstancesKey)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-s.staleAfter).UnixMilli()
	live := make(map[string]bool, len(beats))
	var dead []string
	for instanceID, raw := range beats {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < cutoff {
			dead = append(dead, instanceID)
			continue
		}
		live[instanceID] = true
	}
	if err := s.st.HDel(ctx, InstancesKey, dead...); err != nil {
		return nil, err
	}
	return live, nil
}
