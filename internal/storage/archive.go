package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"
)

// Archive writes JSON documents under a key prefix of an ObjectStorage.
type Archive struct {
	store  ObjectStorage
	prefix string
}

// NewArchive creates an archive rooted at prefix.
func NewArchive(store ObjectStorage, prefix string) *Archive {
	return &Archive{store: store, prefix: prefix}
}

// Key returns the object key for the rows of table swept at t:
// <prefix>/<table>/YYYY/MM/DD/<table>-<unix>.json
func (a *Archive) Key(table string, t time.Time) string {
	t = t.UTC()
	name := fmt.Sprintf("%s-%d.json", table, t.Unix())
	return path.Join(a.prefix, table, t.Format("2006/01/02"), name)
}

// Put encodes v as JSON and uploads it under the table's key for t.
// An existing object with the same key is left untouched.
func (a *Archive) Put(ctx context.Context, table string, t time.Time, v interface{}) (string, error) {
	key := a.Key(table, t)

	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return key, err
	}
	if exists {
		return key, nil
	}

	body, err := json.Marshal(v)
	if err != nil {
		return key, fmt.Errorf("encode archive %s: %w", key, err)
	}
	if err := a.store.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return key, err
	}
	return key, nil
}
