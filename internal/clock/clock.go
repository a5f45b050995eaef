package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so services are deterministic in tests.
type Clock interface {
	Now() time.Time
}

// System returns the current UTC time.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// IDGenerator abstracts unique id generation.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }
