package lens

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/mod/semver"
)

// ArchiveFormatVersion is the encoding version written with every archived run. Records with a different
// major version can not be decoded.
const ArchiveFormatVersion = "v1.0.0"

const archiveKeyPrefix = "run"

var (
	// ErrRunNotFound is returned when no archived run exists for an id.
	ErrRunNotFound = errors.New("run not found")
	// ErrIncompatibleArchive is returned for records written with an unsupported format version.
	ErrIncompatibleArchive = errors.New("incompatible archive format")
)

// RunRecord is an archived run.
type RunRecord struct {
	ID       string       `json:"id" msgpack:"id"`
	Created  time.Time    `json:"created" msgpack:"c"`
	Code     string       `json:"code" msgpack:"code"`
	Response *RunResponse `json:"response" msgpack:"r"`
}

type archiveEnvelope struct {
	Version string `msgpack:"v"`
	Payload []byte `msgpack:"p"` // zstd compressed RunRecord
}

// Archive persists run results so they can be fetched and charted after the request completed.
type Archive struct {
	store Storage
}

// NewArchive stores runs in the provided storage.
func NewArchive(store Storage) *Archive {
	return &Archive{store: KeyPrefixStorage(store, archiveKeyPrefix)}
}

// Save archives the run, returning its new id.
func (a *Archive) Save(code string, resp *RunResponse) (string, error) {
	record := RunRecord{
		ID:       uuid.NewString(),
		Created:  time.Now().UTC(),
		Code:     code,
		Response: resp,
	}
	blob, err := encodeRunRecord(&record)
	if err != nil {
		return "", err
	} else if err := a.store.SaveState(record.ID, blob); err != nil {
		return "", fmt.Errorf("save run %s failed: %w", record.ID, err)
	}
	return record.ID, nil
}

// Load returns the archived run, or ErrRunNotFound.
func (a *Archive) Load(id string) (*RunRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrRunNotFound, id)
	}
	blob, ok, err := a.store.LoadState(id)
	if err != nil {
		return nil, fmt.Errorf("load run %s failed: %w", id, err)
	} else if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return decodeRunRecord(blob)
}

// Delete removes an archived run.
func (a *Archive) Delete(id string) error {
	return a.store.DeleteState(id)
}

// List returns the ids of all archived runs.
func (a *Archive) List() ([]string, error) {
	return a.store.ListKeys()
}

// Close releases the underlying storage.
func (a *Archive) Close() error {
	return a.store.Close()
}

func encodeRunRecord(record *RunRecord) ([]byte, error) {
	payload, err := msgpack.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode run failed: %w", err)
	}
	blob, err := msgpack.Marshal(archiveEnvelope{
		Version: ArchiveFormatVersion,
		Payload: ZstdCompress(nil, payload),
	})
	if err != nil {
		return nil, fmt.Errorf("encode run envelope failed: %w", err)
	}
	return blob, nil
}

func decodeRunRecord(blob []byte) (*RunRecord, error) {
	var env archiveEnvelope
	if err := msgpack.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("decode run envelope failed: %w", err)
	} else if !semver.IsValid(env.Version) || semver.Major(env.Version) != semver.Major(ArchiveFormatVersion) {
		return nil, fmt.Errorf("%w: %q", ErrIncompatibleArchive, env.Version)
	}
	payload, err := ZstdDecompress(nil, env.Payload)
	if err != nil {
		return nil, fmt.Errorf("decompress run failed: %w", err)
	}
	record := &RunRecord{}
	if err := msgpack.Unmarshal(payload, record); err != nil {
		return nil, fmt.Errorf("decode run failed: %w", err)
	}
	return record, nil
}
