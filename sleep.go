package vaultkv

import (
	"context"
	"math/rand"
	"time"
)

// nowFunc is indirected so tests can fake the clock.
var nowFunc = time.Now

// jitterRNG is the random source used for sleep jitter.
var jitterRNG = rand.New(rand.NewSource(time.Now().UnixNano()))

// backoffUnit is the base unit for the bounded backoff used while polling
// for a lease (SPEC_FULL.md 4.2).
const backoffUnit = 20 * time.Millisecond

// Sleep blocks for d or until ctx is done, whichever happens first.
func Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	<-t.Done()
}

// RandomSleep sleeps for a random multiple (1..4) of unit, to stagger
// conflicting retries across processes racing for the same lease.
func RandomSleep(ctx context.Context, unit time.Duration) {
	mult := jitterRNG.Intn(4) + 1
	Sleep(ctx, time.Duration(mult)*unit)
}
