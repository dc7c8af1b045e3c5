package ratelimiter

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"sync/atomic"
	"time"
)

const leaseIDAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var (
	leaseIDEncoding = base32.NewEncoding(leaseIDAlphabet).WithPadding(base32.NoPadding)
	leaseIDCounter  uint64
)

// NewLeaseID returns a ULID string: 48 bits of millisecond timestamp
// followed by 80 random bits. Sortable by creation time.
func NewLeaseID() string {
	var data [16]byte
	ms := uint64(time.Now().UnixMilli())
	data[0] = byte(ms >> 40)
	data[1] = byte(ms >> 32)
	data[2] = byte(ms >> 24)
	data[3] = byte(ms >> 16)
	data[4] = byte(ms >> 8)
	data[5] = byte(ms)
	if _, err := rand.Read(data[6:]); err != nil {
		fillLeaseIDFallback(&data, ms)
	}
	return leaseIDEncoding.EncodeToString(data[:])
}

// fillLeaseIDFallback populates the randomness bytes when crypto/rand is
// unavailable.
func fillLeaseIDFallback(data *[16]byte, ms uint64) {
	counter := atomic.AddUint64(&leaseIDCounter, 1)
	binary.BigEndian.PutUint64(data[6:], counter)
	data[14] = byte(ms >> 8)
	data[15] = byte(ms)
}
