// Package presence keeps peer records and room membership in Redis. Every
// key it writes carries a TTL so a missed cleanup cannot leave a peer online
// forever.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mossy-p/presence-relay/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrUnavailable wraps every failure to talk to Redis.
var ErrUnavailable = errors.New("presence store unavailable")

const (
	peerPrefix    = "peer:"
	sessionPrefix = "session:"
	scanBatch     = 100
	watchRetries  = 5
)

func peerKey(id string) string          { return peerPrefix + id }
func sessionKey(sessionID string) string { return sessionPrefix + sessionID }
func roomKey(roomID string) string       { return "room:" + roomID + ":peers" }

type Options struct {
	PeerTTL time.Duration
	RoomTTL time.Duration
}

// RedisStore is the Redis implementation of the presence store.
type RedisStore struct {
	client redis.UniversalClient
	opts   Options
	logger *zap.Logger
}

func NewRedisStore(client redis.UniversalClient, opts Options, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, opts: opts, logger: logger}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Ping reports whether Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// UpsertPeer writes the whole record and its session index.
func (s *RedisStore) UpsertPeer(ctx context.Context, p models.Peer) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode peer %s: %w", p.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, peerKey(p.ID), data, s.opts.PeerTTL)
		if p.SessionID != "" {
			pipe.Set(ctx, sessionKey(p.SessionID), p.ID, s.opts.PeerTTL)
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// GetPeer returns nil, nil when the record does not exist or has expired.
func (s *RedisStore) GetPeer(ctx context.Context, id string) (*models.Peer, error) {
	data, err := s.client.Get(ctx, peerKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return decodePeer(data)
}

// GetPeerBySession returns the peer bound to sessionID. A record that has
// since been taken over by a newer session is not returned.
func (s *RedisStore) GetPeerBySession(ctx context.Context, sessionID string) (*models.Peer, error) {
	id, err := s.client.Get(ctx, sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	p, err := s.GetPeer(ctx, id)
	if err != nil || p == nil {
		return nil, err
	}
	if p.SessionID != sessionID {
		return nil, nil
	}
	return p, nil
}

// ListPeersInRoom returns the records of every member of roomID, sorted by
// id. Members whose record expired or moved to another room are skipped and
// pruned from the set.
func (s *RedisStore) ListPeersInRoom(ctx context.Context, roomID string) ([]models.Peer, error) {
	ids, err := s.client.SMembers(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = peerKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	peers := make([]models.Peer, 0, len(values))
	var dangling []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			dangling = append(dangling, ids[i])
			continue
		}
		p, err := decodePeer([]byte(raw))
		if err != nil {
			s.logger.Warn("Skipping undecodable peer record", zap.String("peer_id", ids[i]), zap.Error(err))
			continue
		}
		if p.RoomID != roomID {
			dangling = append(dangling, ids[i])
			continue
		}
		peers = append(peers, *p)
	}

	if len(dangling) > 0 {
		if err := s.client.SRem(ctx, roomKey(roomID), dangling...).Err(); err != nil {
			s.logger.Debug("Failed to prune room members", zap.String("room_id", roomID), zap.Error(err))
		}
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers, nil
}

// RoomSize returns the number of ids in the membership set, expired records
// included.
func (s *RedisStore) RoomSize(ctx context.Context, roomID string) (int64, error) {
	n, err := s.client.SCard(ctx, roomKey(roomID)).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (s *RedisStore) AddToRoom(ctx context.Context, roomID, peerID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, roomKey(roomID), peerID)
		pipe.Expire(ctx, roomKey(roomID), s.opts.RoomTTL)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) RemoveFromRoom(ctx context.Context, roomID, peerID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, roomKey(roomID), peerID)
		pipe.Expire(ctx, roomKey(roomID), s.opts.RoomTTL)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// SetOffline marks the peer offline and drops it from its room in one
// transaction, but only while the record is still bound to sessionID. It
// returns the updated record, or nil when nothing changed.
func (s *RedisStore) SetOffline(ctx context.Context, peerID, sessionID string) (*models.Peer, error) {
	var prevRoom string
	return s.update(ctx, peerID, func(p *models.Peer) bool {
		if p.SessionID != sessionID || !p.Online {
			return false
		}
		prevRoom = p.RoomID
		p.Online = false
		p.RoomID = ""
		return true
	}, func(pipe redis.Pipeliner, p *models.Peer) {
		if prevRoom != "" {
			pipe.SRem(ctx, roomKey(prevRoom), p.ID)
			pipe.Expire(ctx, roomKey(prevRoom), s.opts.RoomTTL)
		}
	})
}

// UpdateProfile changes the display fields of the peer bound to sessionID.
// Empty arguments leave the field as it is.
func (s *RedisStore) UpdateProfile(ctx context.Context, sessionID, name, color, glyph string, now time.Time) (*models.Peer, error) {
	peerID, err := s.client.Get(ctx, sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return s.update(ctx, peerID, func(p *models.Peer) bool {
		if p.SessionID != sessionID {
			return false
		}
		if name != "" {
			p.Name = name
		}
		if color != "" {
			p.Color = color
		}
		if glyph != "" {
			p.Glyph = glyph
		}
		p.LastActivity = now.UnixMilli()
		return true
	}, nil)
}

// Touch refreshes last activity and every TTL for an online peer still bound
// to sessionID. It reports whether the record was refreshed.
func (s *RedisStore) Touch(ctx context.Context, peerID, sessionID string, now time.Time) (bool, error) {
	p, err := s.update(ctx, peerID, func(p *models.Peer) bool {
		if p.SessionID != sessionID || !p.Online {
			return false
		}
		p.LastActivity = now.UnixMilli()
		return true
	}, func(pipe redis.Pipeliner, p *models.Peer) {
		if p.RoomID != "" {
			pipe.Expire(ctx, roomKey(p.RoomID), s.opts.RoomTTL)
		}
	})
	return p != nil, err
}

// DeletePeer removes the record unconditionally, and its session index if the
// session still points at it.
func (s *RedisStore) DeletePeer(ctx context.Context, peerID string) error {
	p, err := s.GetPeer(ctx, peerID)
	if err != nil {
		return err
	}
	ownsSession := false
	if p != nil && p.SessionID != "" {
		owner, err := s.client.Get(ctx, sessionKey(p.SessionID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return unavailable(err)
		}
		ownsSession = owner == peerID
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, peerKey(peerID))
		if p != nil {
			if ownsSession {
				pipe.Del(ctx, sessionKey(p.SessionID))
			}
			if p.RoomID != "" {
				pipe.SRem(ctx, roomKey(p.RoomID), peerID)
			}
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// DeleteOffline deletes the record only if it is still offline and bound to
// sessionID, which is what a grace-period expiry needs.
func (s *RedisStore) DeleteOffline(ctx context.Context, peerID, sessionID string) (bool, error) {
	return s.deleteIf(ctx, peerID, func(p *models.Peer) bool {
		return !p.Online && p.SessionID == sessionID
	})
}

// ReapStale deletes the record if it is online but has been silent for
// longer than threshold. It returns the removed record.
func (s *RedisStore) ReapStale(ctx context.Context, peerID string, threshold time.Duration, now time.Time) (*models.Peer, error) {
	var removed *models.Peer
	ok, err := s.deleteIf(ctx, peerID, func(p *models.Peer) bool {
		if !p.IsStale(now, threshold) {
			return false
		}
		cp := *p
		removed = &cp
		return true
	})
	if err != nil || !ok {
		return nil, err
	}
	return removed, nil
}

// ScanPeers calls fn for every peer record currently stored. Records that
// expire mid-scan are skipped.
func (s *RedisStore) ScanPeers(ctx context.Context, fn func(models.Peer) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, peerPrefix+"*", scanBatch).Result()
		if err != nil {
			return unavailable(err)
		}
		if len(keys) > 0 {
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return unavailable(err)
			}
			for i, v := range values {
				raw, ok := v.(string)
				if !ok {
					continue
				}
				p, err := decodePeer([]byte(raw))
				if err != nil {
					s.logger.Warn("Skipping undecodable peer record", zap.String("key", keys[i]), zap.Error(err))
					continue
				}
				if err := fn(*p); err != nil {
					return err
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// update runs an optimistic read-modify-write on a peer record. mutate
// returns false to leave the record alone; extra adds commands to the same
// MULTI block.
func (s *RedisStore) update(ctx context.Context, peerID string, mutate func(*models.Peer) bool, extra func(redis.Pipeliner, *models.Peer)) (*models.Peer, error) {
	key := peerKey(peerID)
	var result *models.Peer

	txf := func(tx *redis.Tx) error {
		result = nil
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		p, err := decodePeer(data)
		if err != nil {
			return err
		}
		if !mutate(p) {
			return nil
		}
		out, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.opts.PeerTTL)
			if p.SessionID != "" {
				pipe.Set(ctx, sessionKey(p.SessionID), p.ID, s.opts.PeerTTL)
			}
			if extra != nil {
				extra(pipe, p)
			}
			return nil
		})
		if err == nil {
			result = p
		}
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *RedisStore) deleteIf(ctx context.Context, peerID string, cond func(*models.Peer) bool) (bool, error) {
	key := peerKey(peerID)
	var deleted bool

	txf := func(tx *redis.Tx) error {
		deleted = false
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		p, err := decodePeer(data)
		if err != nil {
			return err
		}
		if !cond(p) {
			return nil
		}
		// The session may already carry another peer.
		ownsSession := false
		if p.SessionID != "" {
			if err := tx.Watch(ctx, sessionKey(p.SessionID)).Err(); err != nil {
				return err
			}
			owner, err := tx.Get(ctx, sessionKey(p.SessionID)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			ownsSession = owner == p.ID
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if ownsSession {
				pipe.Del(ctx, sessionKey(p.SessionID))
			}
			if p.RoomID != "" {
				pipe.SRem(ctx, roomKey(p.RoomID), p.ID)
			}
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return false, err
	}
	return deleted, nil
}

func (s *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for i := 0; i < watchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return unavailable(err)
	}
	return fmt.Errorf("%w: %s kept changing under concurrent writers", ErrUnavailable, key)
}

func decodePeer(data []byte) (*models.Peer, error) {
	var p models.Peer
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode peer record: %w", err)
	}
	return &p, nil
}
