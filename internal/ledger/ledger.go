// Package ledger keeps a small on-disk record of instances this tool has
// launched and not yet seen terminated, so that a crashed or killed run can
// be cleaned up later with "ec2-ephemeral reap".
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"go.etcd.io/bbolt"

	"github.com/chainguard-dev/ec2-ephemeral/internal/log"
)

var bucketInstances = []byte("instances")

// Entry is one launched instance.
type Entry struct {
	InstanceID string    `json:"instance_id"`
	Region     string    `json:"region"`
	Session    string    `json:"session"`
	TemplateID string    `json:"template_id,omitempty"`
	LaunchedAt time.Time `json:"launched_at"`
}

// Ledger is a bbolt database. It is opened per operation so concurrent runs
// only contend for the file lock briefly.
type Ledger struct {
	path string
}

// DefaultPath is $XDG_STATE_HOME/ec2-ephemeral/ledger.db.
func DefaultPath() (string, error) {
	return xdg.StateFile(filepath.Join("ec2-ephemeral", "ledger.db"))
}

func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	l := &Ledger{path: path}
	db, err := l.client()
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	defer db.Close()

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstances)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}

	return l, nil
}

func (l *Ledger) Path() string { return l.path }

// Record adds or replaces e.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	log.Debug(ctx, "recording instance in ledger", "instance", e.InstanceID, "path", l.path)

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	db, err := l.client()
	if err != nil {
		return fmt.Errorf("failed to open ledger database: %w", err)
	}
	defer db.Close()

	if err := db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInstances).Put([]byte(e.InstanceID), raw)
	}); err != nil {
		return fmt.Errorf("failed to record instance %s: %w", e.InstanceID, err)
	}
	return nil
}

// Remove forgets an instance. Removing an unknown id is not an error.
func (l *Ledger) Remove(ctx context.Context, id string) error {
	log.Debug(ctx, "removing instance from ledger", "instance", id, "path", l.path)

	db, err := l.client()
	if err != nil {
		return fmt.Errorf("failed to open ledger database: %w", err)
	}
	defer db.Close()

	if err := db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete([]byte(id))
	}); err != nil {
		return fmt.Errorf("failed to remove instance %s: %w", id, err)
	}
	return nil
}

// List returns every recorded instance, ordered by instance id.
func (l *Ledger) List(ctx context.Context) ([]Entry, error) {
	db, err := l.client()
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	defer db.Close()

	var entries []Entry
	if err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				log.Warn(ctx, "skipping unreadable ledger entry", "key", string(k), "error", err)
				return nil
			}
			entries = append(entries, e)
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	return entries, nil
}

func (l *Ledger) client() (*bbolt.DB, error) {
	return bbolt.Open(l.path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
}
