// Package subscriptions persists Telegram chat subscriptions in a bbolt file
// so chats keep relaying their room across restarts.
package subscriptions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/NicolasHaas/tgbridge/pkg/model"
)

const (
	dbOpenTimeout             = time.Second
	dbFileMode    os.FileMode = 0o600
)

var bucketName = []byte("chat_subscriptions")

// BoltStore keeps one JSON record per chat, keyed by chat id.
type BoltStore struct {
	db *bbolt.DB
}

// Open opens (or creates) the subscription file at path.
func Open(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("subscriptions: db path is empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("subscriptions: ensure dir %q: %w", dir, err)
		}
	}

	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("subscriptions: open db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("subscriptions: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func chatKey(chatID int64) []byte {
	return []byte(strconv.FormatInt(chatID, 10))
}

// Save stores or replaces the chat's subscription.
func (s *BoltStore) Save(sub model.ChatSubscription) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("subscriptions: marshal chat %d: %w", sub.ChatID, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(chatKey(sub.ChatID), payload)
	})
	if err != nil {
		return fmt.Errorf("subscriptions: save chat %d: %w", sub.ChatID, err)
	}
	return nil
}

// Delete removes the chat's subscription. Missing chats are not an error.
func (s *BoltStore) Delete(chatID int64) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(chatKey(chatID))
	})
	if err != nil {
		return fmt.Errorf("subscriptions: delete chat %d: %w", chatID, err)
	}
	return nil
}

// LoadAll returns every stored subscription. Undecodable records are
// skipped.
func (s *BoltStore) LoadAll() ([]model.ChatSubscription, error) {
	var subs []model.ChatSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var sub model.ChatSubscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return nil
			}
			subs = append(subs, sub)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("subscriptions: load: %w", err)
	}
	return subs, nil
}
