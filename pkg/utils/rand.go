package utils

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	seedMu   sync.Mutex
	seed     = time.Now().UnixNano()
	seedSet  bool
	streamID int64
)

// SeedEverything fixes the seed every random stream of the run derives from.
func SeedEverything(s int64) {
	seedMu.Lock()
	defer seedMu.Unlock()
	seed = s
	seedSet = true
	streamID = 0
	log.Info().Int64("seed", s).Msg("Global seed set")
}

// Seeded reports whether SeedEverything was called.
func Seeded() bool {
	seedMu.Lock()
	defer seedMu.Unlock()
	return seedSet
}

// NewRand returns a generator for the named stream. With a fixed global seed
// the same stream name always yields the same sequence.
func NewRand(stream string) *rand.Rand {
	seedMu.Lock()
	defer seedMu.Unlock()
	h := int64(0)
	for _, c := range stream {
		h = h*31 + int64(c)
	}
	if !seedSet {
		streamID++
		h += streamID
	}
	return rand.New(rand.NewSource(seed ^ h))
}
