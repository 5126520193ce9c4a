package main

import (
	"fmt"

	"github.com/RehanRiaz5383/lmsinbox/internal/model"
	"github.com/RehanRiaz5383/lmsinbox/internal/profile"
	"github.com/RehanRiaz5383/lmsinbox/internal/store"
)

// openCache opens the cache database of the selected profile and brings
// its schema up to date.
func openCache() (*store.DB, error) {
	profileName := profile.Resolve(profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		return nil, err
	}
	db, err := store.Open(profile.CacheDBPath(profileName))
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// cachedConversations reads the directory from the local cache instead of
// the backend.
func cachedConversations(db *store.DB) ([]model.Conversation, error) {
	count, err := db.CountConversations()
	if err != nil {
		return nil, err
	}
	return db.ListConversations(count, 0)
}

// cachedMessages reads a conversation's messages from the local cache.
// The conversation must have been mirrored by a running daemon.
func cachedMessages(db *store.DB, conversationID string) ([]model.Message, error) {
	c, err := db.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("conversation %s not in local cache; run without --cached or start inboxd", conversationID)
	}
	return db.ListMessages(conversationID, 0, 0)
}
