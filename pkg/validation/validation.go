package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	StreamIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// RoomNameRegex matches the characters room servers accept in names.
	RoomNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

const (
	maxMetadataKeys      = 64
	maxIdempotencyKeyLen = 255
)

func ValidateStreamID(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("stream ID is required")
	}
	if len(streamID) > 100 {
		return fmt.Errorf("stream ID is too long (max 100 characters)")
	}
	if !StreamIDRegex.MatchString(streamID) {
		return fmt.Errorf("invalid stream ID format")
	}
	return nil
}

// ValidateRoomName accepts an empty name; the repository derives one.
func ValidateRoomName(name string) error {
	if name == "" {
		return nil
	}
	if len(name) > 128 {
		return fmt.Errorf("room name is too long (max 128 characters)")
	}
	if !RoomNameRegex.MatchString(name) {
		return fmt.Errorf("room name contains invalid characters")
	}
	return nil
}

// ValidateIdentity checks a participant identity.
func ValidateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("identity is required")
	}
	if !utf8.ValidString(identity) {
		return fmt.Errorf("identity contains invalid characters")
	}
	return ValidateStringLength(identity, 1, 128, "identity")
}

func ValidateIdempotencyKey(key string) error {
	if key == "" {
		return nil
	}
	if len(key) > maxIdempotencyKeyLen {
		return fmt.Errorf("idempotency key is too long (max %d characters)", maxIdempotencyKeyLen)
	}
	return nil
}

// ValidateMetadata bounds the key count and rejects blank keys.
func ValidateMetadata(metadata map[string]any) error {
	if len(metadata) > maxMetadataKeys {
		return fmt.Errorf("metadata has too many keys (max %d)", maxMetadataKeys)
	}
	for k := range metadata {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("metadata keys must not be empty")
		}
	}
	return nil
}

func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
