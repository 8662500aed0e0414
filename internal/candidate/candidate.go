// Package candidate implements the per-job candidate queue and current
// offer record (C4): atomic via Redis so that two parallel timeouts, or
// an accept racing a timeout, cannot both consume the same offer.
package candidate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ridecore/dispatch/internal/dispatcherr"
)

// ErrNoOffer is returned by GetOffer when no live offer exists.
var ErrNoOffer = errors.New("candidate: no live offer")

// Offer is the single live offer record for a job.
type Offer struct {
	JobID     string
	CaptainID string
	ExpiresAt time.Time
}

// Store is the Redis-backed candidate queue + offer store.
type Store struct {
	rdb *redis.Client
}

// New constructs a Store.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func queueKey(jobID string) string { return fmt.Sprintf("candidates:%s", jobID) }
func offerKey(jobID string) string { return fmt.Sprintf("offer:%s", jobID) }

// SetCandidates replaces the ordered candidate queue for a job. Head of
// list is RPUSH order so PopCandidate (LPOP) returns in ranked order.
func (s *Store) SetCandidates(ctx context.Context, jobID string, captainIDs []string) error {
	key := queueKey(jobID)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(captainIDs) > 0 {
		members := make([]interface{}, len(captainIDs))
		for i, c := range captainIDs {
			members[i] = c
		}
		pipe.RPush(ctx, key, members...)
	}
	pipe.Expire(ctx, key, 10*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return dispatcherr.Wrap(dispatcherr.KindDependency, "set candidates", err)
	}
	return nil
}

// PopCandidate atomically pops and returns the head of the queue. Returns
// ("", false, nil) when the queue is empty.
func (s *Store) PopCandidate(ctx context.Context, jobID string) (string, bool, error) {
	captainID, err := s.rdb.LPop(ctx, queueKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, dispatcherr.Wrap(dispatcherr.KindDependency, "pop candidate", err)
	}
	return captainID, true, nil
}

// setOfferScript writes the offer hash only if no live (non-expired)
// offer already exists for the job, returning 1 on success and 0 if an
// offer is already live — this is what guarantees exactly one live offer
// per job under concurrent matcher goroutines.
var setOfferScript = redis.NewScript(`
local key = KEYS[1]
local captain_id = ARGV[1]
local expires_at_unix = ARGV[2]
local ttl_seconds = ARGV[3]

local existing = redis.call("HGET", key, "captain_id")
if existing and existing ~= "" then
	local exp = tonumber(redis.call("HGET", key, "expires_at"))
	local now = tonumber(ARGV[4])
	if exp and exp > now then
		return 0
	end
end

redis.call("HSET", key, "captain_id", captain_id, "expires_at", expires_at_unix)
redis.call("EXPIRE", key, ttl_seconds)
return 1
`)

// SetOffer writes the single live offer record for a job. Returns false
// if another live offer already exists (caller should treat this as a
// race and retry with the next candidate).
func (s *Store) SetOffer(ctx context.Context, jobID, captainID string, expiresAt time.Time) (bool, error) {
	ttl := int(time.Until(expiresAt).Seconds()) + 5
	if ttl < 1 {
		ttl = 1
	}
	res, err := setOfferScript.Run(ctx, s.rdb, []string{offerKey(jobID)},
		captainID, expiresAt.Unix(), ttl, time.Now().Unix(),
	).Int()
	if err != nil {
		return false, dispatcherr.Wrap(dispatcherr.KindDependency, "set offer", err)
	}
	return res == 1, nil
}

// PushFront puts a candidate back at the head of the queue, for the case
// where PopCandidate claimed it but SetOffer then lost the race to an
// already-live offer — the candidate must not be lost off the end of the
// queue just because this goroutine couldn't use it.
func (s *Store) PushFront(ctx context.Context, jobID, captainID string) error {
	if err := s.rdb.LPush(ctx, queueKey(jobID), captainID).Err(); err != nil {
		return dispatcherr.Wrap(dispatcherr.KindDependency, "push candidate front", err)
	}
	return nil
}

// GetOffer reads the live offer for a job.
func (s *Store) GetOffer(ctx context.Context, jobID string) (*Offer, error) {
	vals, err := s.rdb.HGetAll(ctx, offerKey(jobID)).Result()
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindDependency, "get offer", err)
	}
	captainID, ok := vals["captain_id"]
	if !ok || captainID == "" {
		return nil, ErrNoOffer
	}
	var expiresUnix int64
	if _, err := fmt.Sscanf(vals["expires_at"], "%d", &expiresUnix); err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindInternal, "parse offer expiry", err)
	}
	return &Offer{JobID: jobID, CaptainID: captainID, ExpiresAt: time.Unix(expiresUnix, 0)}, nil
}

// clearOfferScript deletes the offer only if it still names the given
// captain — the same compare-and-delete guard used to resolve an accept
// racing a timeout.
var clearOfferScript = redis.NewScript(`
local key = KEYS[1]
local captain_id = ARGV[1]
local existing = redis.call("HGET", key, "captain_id")
if existing == captain_id then
	redis.call("DEL", key)
	return 1
end
return 0
`)

// ClearOffer removes the live offer iff it still names captainID.
// Returns false if the offer had already been claimed/cleared by a
// concurrent caller (timeout vs accept race).
func (s *Store) ClearOffer(ctx context.Context, jobID, captainID string) (bool, error) {
	res, err := clearOfferScript.Run(ctx, s.rdb, []string{offerKey(jobID)}, captainID).Int()
	if err != nil {
		return false, dispatcherr.Wrap(dispatcherr.KindDependency, "clear offer", err)
	}
	return res == 1, nil
}

// QueueLen returns the number of remaining candidates for a job.
func (s *Store) QueueLen(ctx context.Context, jobID string) (int64, error) {
	n, err := s.rdb.LLen(ctx, queueKey(jobID)).Result()
	if err != nil {
		return 0, dispatcherr.Wrap(dispatcherr.KindDependency, "queue length", err)
	}
	return n, nil
}
