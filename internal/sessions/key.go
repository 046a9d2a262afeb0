// Package sessions — session key builder and parser.
//
// Session keys follow the canonical format:
//
//	Group:   group:{groupId}
//	Private: private:{userId}
//
// All per-conversation state (context snapshots, archives, topic summaries,
// proactive gate state) is keyed by this. A group session's transcript is
// shared across all member users.
package sessions

import (
	"fmt"
	"strings"
)

// Kind distinguishes group from private conversations.
type Kind string

const (
	KindGroup   Kind = "group"
	KindPrivate Kind = "private"
)

// GroupKey builds the session key for a group conversation.
func GroupKey(groupID string) string {
	return fmt.Sprintf("group:%s", groupID)
}

// PrivateKey builds the session key for a private conversation.
func PrivateKey(userID string) string {
	return fmt.Sprintf("private:%s", userID)
}

// Build returns the session key for the given scope. groupID wins when set.
func Build(userID, groupID string) string {
	if groupID != "" {
		return GroupKey(groupID)
	}
	return PrivateKey(userID)
}

// Parse extracts the kind and scope ID from a session key.
// Returns ("", "") if the key is not in the expected format.
func Parse(key string) (kind Kind, id string) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", ""
	}
	switch Kind(parts[0]) {
	case KindGroup, KindPrivate:
		return Kind(parts[0]), parts[1]
	}
	return "", ""
}

// IsGroup reports whether the key names a group session.
func IsGroup(key string) bool {
	k, _ := Parse(key)
	return k == KindGroup
}
