// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package authtest

import (
	"sync"

	"github.com/keyfold/keyfold/internal/auth"
)

// FakeHasher is a trivially reversible auth.PasswordHasher so orchestrator
// tests stay fast. RehashAll forces NeedsRehash to report true, and HashErr
// and VerifyErr force failures.
type FakeHasher struct {
	mu        sync.Mutex
	hashCalls int

	RehashAll bool
	HashErr   error
	VerifyErr error
}

// NewFakeHasher creates a FakeHasher.
func NewFakeHasher() *FakeHasher {
	return &FakeHasher{}
}

// Hash returns a recognizable marker hash.
func (h *FakeHasher) Hash(password string) (string, error) {
	h.mu.Lock()
	h.hashCalls++
	h.mu.Unlock()
	if h.HashErr != nil {
		return "", h.HashErr
	}
	return "plain:" + password, nil
}

// Verify matches only hashes produced by Hash.
func (h *FakeHasher) Verify(password, hash string) (bool, error) {
	if h.VerifyErr != nil {
		return false, h.VerifyErr
	}
	return hash == "plain:"+password, nil
}

// NeedsRehash reports RehashAll.
func (h *FakeHasher) NeedsRehash(string) bool {
	return h.RehashAll
}

// HashCalls returns how many times Hash ran.
func (h *FakeHasher) HashCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hashCalls
}

var _ auth.PasswordHasher = (*FakeHasher)(nil)
