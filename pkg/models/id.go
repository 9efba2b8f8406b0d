package models

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ID prefixes identify the entity an identifier belongs to.
const (
	PrefixSession    = "ses_"
	PrefixMessage    = "msg_"
	PrefixPart       = "prt_"
	PrefixPermission = "per_"
)

// NewSessionID returns a random session identifier.
func NewSessionID() string {
	return PrefixSession + uuid.NewString()
}

// NewMessageID returns a message identifier that sorts after every
// identifier generated before it in this process.
func NewMessageID() string {
	return PrefixMessage + ulid.Make().String()
}

// NewPartID returns a part identifier that sorts in creation order.
func NewPartID() string {
	return PrefixPart + ulid.Make().String()
}
