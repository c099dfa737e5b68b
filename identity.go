// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package llmquota

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const hashedKeyPrefix = "sha256_"

// HashAPIKey returns the one-way hash under which an API key is stored. Raw keys are never
// persisted, logged or used in cache and counter keys.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hashedKeyPrefix + hex.EncodeToString(sum[:])
}

// IsHashedKey reports whether id already has the shape produced by HashAPIKey.
func IsHashedKey(id string) bool {
	if !strings.HasPrefix(id, hashedKeyPrefix) {
		return false
	}
	h := id[len(hashedKeyPrefix):]
	if len(h) != sha256.Size*2 {
		return false
	}
	for _, c := range h {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// NormalizeEntityID is the single place entity ids are hashed. API key ids are hashed unless
// they already are, so every layer can apply it to whatever it is handed; other entity types
// pass through untouched.
func NormalizeEntityID(entityID string, t EntityType) string {
	if t == EntityAPIKey && !IsHashedKey(entityID) {
		return HashAPIKey(entityID)
	}
	return entityID
}

// PlanKey addresses a plan in a store: {entityType}:{entityId}.
func PlanKey(entityID string, t EntityType) string {
	return string(t) + ":" + NormalizeEntityID(entityID, t)
}

// PlanCacheKey addresses a plan in a cache: plan:{entityType}:{entityId}.
func PlanCacheKey(entityID string, t EntityType) string {
	return "plan:" + PlanKey(entityID, t)
}
