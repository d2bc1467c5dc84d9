package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"time"
)

const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

var (
	ErrNotFound = errors.New("checkpoint not found")
	ErrCorrupt  = errors.New("checkpoint corrupt")
)

// Checkpoint pairs the global step with the parameters that produced it.
type Checkpoint struct {
	Step    int64
	Params  []byte
	SavedAt time.Time
}

type Store interface {
	Save(ctx context.Context, cp Checkpoint) error
	// Latest returns ErrNotFound when nothing was saved yet.
	Latest(ctx context.Context) (Checkpoint, error)
	Close() error
}

// Open selects a store by backend name. location is a directory for both.
func Open(backend, location string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(location)
	case BackendBadger:
		return OpenBadger(location)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", backend)
	}
}

type envelope struct {
	Step    int64
	Params  []byte
	SavedAt time.Time
	Sum     [sha256.Size]byte
}

func checksum(step int64, params []byte) [sha256.Size]byte {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(step))
	h.Write(buf[:])
	h.Write(params)
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func encode(cp Checkpoint) ([]byte, error) {
	var buf bytes.Buffer
	env := envelope{Step: cp.Step, Params: cp.Params, SavedAt: cp.SavedAt, Sum: checksum(cp.Step, cp.Params)}
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (Checkpoint, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Sum != checksum(env.Step, env.Params) {
		return Checkpoint{}, fmt.Errorf("%w: checksum mismatch at step %d", ErrCorrupt, env.Step)
	}
	return Checkpoint{Step: env.Step, Params: env.Params, SavedAt: env.SavedAt}, nil
}

func stamp(cp Checkpoint) Checkpoint {
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	return cp
}
