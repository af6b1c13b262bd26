// Package store is the durable map of auction records, cookies, bid
// history and settings (component C1). It is backed by Redis but never
// surfaces a backend failure to its caller: writes fall through to an
// in-memory map, reads return "absent" rather than propagating an error.
//
// Known limitation (§9 open question, resolved): state written to the
// in-memory fallback while Redis is unreachable is NOT replayed back to
// Redis once the connection recovers. A reconnect simply resumes reading
// and writing Redis directly; anything buffered in memory during the
// outage is left behind.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/rivalapexmediation/auctiontracker/internal/cryptutil"
	"github.com/rivalapexmediation/auctiontracker/internal/model"
)

const (
	keyAuctionPrefix     = "auction:"
	keyAuctionIndex      = "auctions:index"
	keyCookies           = "auth:cookies"
	keyBidHistoryPrefix  = "bid_history:"
	keySystemState       = "system:state"
	keySystemSettings    = "system:settings"
)

// Store persists engine state to Redis with an in-memory fallback.
type Store struct {
	redis  *redis.Client
	sealer *cryptutil.Sealer

	healthy atomic.Bool

	mu           sync.RWMutex
	memAuctions  map[string]model.Record
	memCookies   []byte
	memHistory   map[string][]model.BidHistoryEntry
	memSettings  *model.Settings
	memSysState  json.RawMessage
}

// New builds a Store. sealer may be nil if cookie encryption is not
// configured (saveCookies/getCookies will then return an error/false).
func New(redisClient *redis.Client, sealer *cryptutil.Sealer) *Store {
	s := &Store{
		redis:       redisClient,
		sealer:      sealer,
		memAuctions: make(map[string]model.Record),
		memHistory:  make(map[string][]model.BidHistoryEntry),
	}
	s.healthy.Store(redisClient != nil)
	return s
}

// NewInMemory builds a Store with no backend, used in tests and as the
// explicit standalone fallback constructor the spec requires.
func NewInMemory() *Store {
	return New(nil, nil)
}

// Reconnect starts a background loop pinging Redis every interval and
// flipping the health flag accordingly. It returns immediately; cancel ctx
// to stop it.
func (s *Store) Reconnect(ctx context.Context, interval time.Duration) {
	if s.redis == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				err := s.redis.Ping(pingCtx).Err()
				cancel()
				s.healthy.Store(err == nil)
				if err != nil {
					log.WithError(err).Warn("store: redis unreachable, serving from memory")
				}
			}
		}
	}()
}

// IsHealthy reports whether the Redis backend is reachable. The in-memory
// fallback always serves callers regardless of this flag.
func (s *Store) IsHealthy() bool {
	return s.redis != nil && s.healthy.Load()
}

func auctionKey(id string) string { return keyAuctionPrefix + id }
func bidHistoryKey(id string) string { return keyBidHistoryPrefix + id }

// SaveAuction overwrites the record, setting TTL to one hour.
func (s *Store) SaveAuction(ctx context.Context, id string, rec model.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if s.redis != nil {
		pipe := s.redis.Pipeline()
		pipe.Set(ctx, auctionKey(id), data, model.AuctionRecordTTL)
		pipe.SAdd(ctx, keyAuctionIndex, id)
		if _, err := pipe.Exec(ctx); err == nil {
			return nil
		} else {
			log.WithError(err).Warn("store: SaveAuction redis failure, falling back to memory")
		}
	}

	s.mu.Lock()
	s.memAuctions[id] = rec
	s.mu.Unlock()
	return nil
}

// GetAuction returns the record and true if present.
func (s *Store) GetAuction(ctx context.Context, id string) (model.Record, bool) {
	if s.redis != nil {
		data, err := s.redis.Get(ctx, auctionKey(id)).Bytes()
		if err == nil {
			var rec model.Record
			if jerr := json.Unmarshal(data, &rec); jerr == nil {
				return rec, true
			}
		} else if err != redis.Nil {
			log.WithError(err).Warn("store: GetAuction redis failure, falling back to memory")
		}
	}

	s.mu.RLock()
	rec, ok := s.memAuctions[id]
	s.mu.RUnlock()
	return rec, ok
}

// GetAllAuctions reads the auction index set, then retrieves every tracked
// record in one pipelined round trip, never issuing one GET request per
// key (§4.1).
func (s *Store) GetAllAuctions(ctx context.Context) (map[string]model.Record, error) {
	out := make(map[string]model.Record)

	if s.redis != nil {
		ids, err := s.redis.SMembers(ctx, keyAuctionIndex).Result()
		if err != nil {
			log.WithError(err).Warn("store: GetAllAuctions index read failure, falling back to memory")
		} else if len(ids) > 0 {
			pipe := s.redis.Pipeline()
			cmds := make(map[string]*redis.StringCmd, len(ids))
			for _, id := range ids {
				cmds[id] = pipe.Get(ctx, auctionKey(id))
			}
			if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
				log.WithError(err).Warn("store: GetAllAuctions pipeline failure, falling back to memory")
			} else {
				for id, cmd := range cmds {
					data, gerr := cmd.Bytes()
					if gerr != nil {
						continue
					}
					var rec model.Record
					if json.Unmarshal(data, &rec) == nil {
						out[id] = rec
					}
				}
				return out, nil
			}
		}
	}

	s.mu.RLock()
	for id, rec := range s.memAuctions {
		out[id] = rec
	}
	s.mu.RUnlock()
	return out, nil
}

// RemoveAuction deletes the record; idempotent.
func (s *Store) RemoveAuction(ctx context.Context, id string) error {
	if s.redis != nil {
		pipe := s.redis.Pipeline()
		pipe.Del(ctx, auctionKey(id))
		pipe.SRem(ctx, keyAuctionIndex, id)
		if _, err := pipe.Exec(ctx); err != nil {
			log.WithError(err).Warn("store: RemoveAuction redis failure, falling back to memory")
		}
	}

	s.mu.Lock()
	delete(s.memAuctions, id)
	s.mu.Unlock()
	return nil
}

// SaveCookies encrypts and persists the cookie blob with a 24h TTL.
func (s *Store) SaveCookies(ctx context.Context, blob []byte) error {
	if s.sealer == nil {
		return fmt.Errorf("store: no cookie sealer configured")
	}
	ciphertext, err := s.sealer.Encrypt(blob)
	if err != nil {
		return err
	}

	if s.redis != nil {
		if err := s.redis.Set(ctx, keyCookies, ciphertext, model.CookieTTL).Err(); err == nil {
			return nil
		}
		log.Warn("store: SaveCookies redis failure, falling back to memory")
	}

	s.mu.Lock()
	s.memCookies = ciphertext
	s.mu.Unlock()
	return nil
}

// GetCookies returns the decrypted cookie blob. Any failure along the way
// — backend unreachable, nothing stored, or decrypt failure — is reported
// as "no cookies" (false) rather than an error, per §4.1.
func (s *Store) GetCookies(ctx context.Context) ([]byte, bool) {
	if s.sealer == nil {
		return nil, false
	}

	var ciphertext []byte
	if s.redis != nil {
		data, err := s.redis.Get(ctx, keyCookies).Bytes()
		if err == nil {
			ciphertext = data
		} else if err != redis.Nil {
			log.WithError(err).Warn("store: GetCookies redis failure, falling back to memory")
		}
	}
	if ciphertext == nil {
		s.mu.RLock()
		ciphertext = s.memCookies
		s.mu.RUnlock()
	}
	if ciphertext == nil {
		return nil, false
	}

	plaintext, err := s.sealer.Decrypt(ciphertext)
	if err != nil {
		log.WithError(err).Warn("store: cookie decrypt failed, reporting no cookies")
		return nil, false
	}
	return plaintext, true
}

// AppendBidHistory adds an entry, trimming the retained set to the last
// BidHistoryCap entries and renewing the seven-day TTL.
func (s *Store) AppendBidHistory(ctx context.Context, id string, entry model.BidHistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	score := float64(entry.Timestamp.UnixNano())

	if s.redis != nil {
		key := bidHistoryKey(id)
		pipe := s.redis.Pipeline()
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: data})
		pipe.ZRemRangeByRank(ctx, key, 0, -int64(model.BidHistoryCap)-1)
		pipe.Expire(ctx, key, model.BidHistoryRetention)
		if _, err := pipe.Exec(ctx); err == nil {
			return nil
		}
		log.Warn("store: AppendBidHistory redis failure, falling back to memory")
	}

	s.mu.Lock()
	hist := append(s.memHistory[id], entry)
	if len(hist) > model.BidHistoryCap {
		hist = hist[len(hist)-model.BidHistoryCap:]
	}
	s.memHistory[id] = hist
	s.mu.Unlock()
	return nil
}

// GetBidHistory returns up to limit entries, most recent first.
func (s *Store) GetBidHistory(ctx context.Context, id string, limit int) ([]model.BidHistoryEntry, error) {
	if limit <= 0 || limit > model.BidHistoryCap {
		limit = model.BidHistoryCap
	}

	if s.redis != nil {
		members, err := s.redis.ZRevRange(ctx, bidHistoryKey(id), 0, int64(limit)-1).Result()
		if err == nil {
			out := make([]model.BidHistoryEntry, 0, len(members))
			for _, m := range members {
				var entry model.BidHistoryEntry
				if json.Unmarshal([]byte(m), &entry) == nil {
					out = append(out, entry)
				}
			}
			return out, nil
		}
		log.WithError(err).Warn("store: GetBidHistory redis failure, falling back to memory")
	}

	s.mu.RLock()
	hist := s.memHistory[id]
	out := make([]model.BidHistoryEntry, 0, len(hist))
	for i := len(hist) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, hist[i])
	}
	s.mu.RUnlock()
	return out, nil
}

// SaveSettings persists global settings with no expiration.
func (s *Store) SaveSettings(ctx context.Context, settings model.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	if s.redis != nil {
		if err := s.redis.Set(ctx, keySystemSettings, data, 0).Err(); err == nil {
			return nil
		}
		log.Warn("store: SaveSettings redis failure, falling back to memory")
	}
	s.mu.Lock()
	cp := settings
	s.memSettings = &cp
	s.mu.Unlock()
	return nil
}

// GetSettings returns the persisted settings, or documented defaults if
// none have been saved yet.
func (s *Store) GetSettings(ctx context.Context) model.Settings {
	if s.redis != nil {
		data, err := s.redis.Get(ctx, keySystemSettings).Bytes()
		if err == nil {
			var settings model.Settings
			if json.Unmarshal(data, &settings) == nil {
				return settings
			}
		} else if err != redis.Nil {
			log.WithError(err).Warn("store: GetSettings redis failure, falling back to memory")
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.memSettings != nil {
		return *s.memSettings
	}
	return model.DefaultSettings()
}

// SaveSystemState persists an opaque JSON blob describing process-wide
// runtime state (e.g. feature-flag snapshot, last shutdown reason).
func (s *Store) SaveSystemState(ctx context.Context, state json.RawMessage) error {
	if s.redis != nil {
		if err := s.redis.Set(ctx, keySystemState, state, 0).Err(); err == nil {
			return nil
		}
		log.Warn("store: SaveSystemState redis failure, falling back to memory")
	}
	s.mu.Lock()
	s.memSysState = append(json.RawMessage(nil), state...)
	s.mu.Unlock()
	return nil
}

// GetSystemState returns the last saved state, or nil if none.
func (s *Store) GetSystemState(ctx context.Context) json.RawMessage {
	if s.redis != nil {
		data, err := s.redis.Get(ctx, keySystemState).Bytes()
		if err == nil {
			return data
		} else if err != redis.Nil {
			log.WithError(err).Warn("store: GetSystemState redis failure, falling back to memory")
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memSysState
}
