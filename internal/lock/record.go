// Package lock arbitrates which bot process answers an utterance when
// several processes listen to the same voice session. One record slot exists
// per session; holding it blocks every other speaker/owner until release or
// expiry.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrExists is returned by Store.Create when a record is already present.
	ErrExists = errors.New("lock: record exists")
)

// Record is the persisted lock tuple. Field names match the JSON other
// processes read and write.
type Record struct {
	UserID    string `json:"userId"`
	BotID     string `json:"botId"`
	Timestamp int64  `json:"timestamp"`

	// raw is the stored encoding, kept so removals compare exactly what was
	// read rather than a re-encoding.
	raw []byte
}

// NewRecord stamps a record for speaker/owner at now.
func NewRecord(speakerID, ownerID string, now time.Time) Record {
	return Record{UserID: speakerID, BotID: ownerID, Timestamp: now.UnixMilli()}
}

// Time returns the acquisition time.
func (r Record) Time() time.Time { return time.UnixMilli(r.Timestamp) }

// Expired reports whether r is older than ttl at now. Timestamps more than
// ttl in the future are treated as expired too so a skewed clock cannot pin
// the slot.
func (r Record) Expired(now time.Time, ttl time.Duration) bool {
	age := now.Sub(r.Time())
	return age >= ttl || age <= -ttl
}

// Owns reports whether r was written by owner for speaker.
func (r Record) Owns(speakerID, ownerID string) bool {
	return r.UserID == speakerID && r.BotID == ownerID
}

func (r Record) encoded() ([]byte, error) {
	if r.raw != nil {
		return r.raw, nil
	}
	return json.Marshal(r)
}

func decodeRecord(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, err
	}
	if r.UserID == "" || r.BotID == "" || r.Timestamp == 0 {
		return Record{}, errors.New("lock: incomplete record")
	}
	r.raw = append([]byte(nil), b...)
	return r, nil
}

// Store persists the single record slot. Implementations must make Create
// exclusive across processes and RemoveIf a compare-and-delete.
type Store interface {
	// Load returns the current record. ok is false when the slot is empty.
	// Unparseable records are deleted and reported as empty.
	Load(ctx context.Context) (rec Record, ok bool, err error)
	// Create writes rec only if the slot is empty, else ErrExists.
	Create(ctx context.Context, rec Record) error
	// RemoveIf deletes the slot only if it still holds exactly expected.
	RemoveIf(ctx context.Context, expected Record) (bool, error)
}
