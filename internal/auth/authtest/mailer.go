// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package authtest

import (
	"context"
	"sync"

	"github.com/keyfold/keyfold/internal/auth"
)

// SentCode records a single delivery made through the RecorderMailer.
type SentCode struct {
	Email   string
	Purpose auth.CodePurpose
	Code    string
}

// RecorderMailer is an auth.CodeMailer that records deliveries for
// assertions. Setting Err makes SendCode fail with it.
type RecorderMailer struct {
	mu    sync.Mutex
	sends []SentCode

	Err error
}

// NewRecorderMailer creates an empty RecorderMailer.
func NewRecorderMailer() *RecorderMailer {
	return &RecorderMailer{}
}

// SendCode records the delivery.
func (m *RecorderMailer) SendCode(_ context.Context, email string, purpose auth.CodePurpose, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sends = append(m.sends, SentCode{Email: email, Purpose: purpose, Code: code})
	return nil
}

// Sends returns a copy of all recorded deliveries.
func (m *RecorderMailer) Sends() []SentCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentCode, len(m.sends))
	copy(out, m.sends)
	return out
}

// LastCode returns the most recently delivered code for (email, purpose),
// or the empty string when none was sent.
func (m *RecorderMailer) LastCode(email string, purpose auth.CodePurpose) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sends) - 1; i >= 0; i-- {
		if m.sends[i].Email == email && m.sends[i].Purpose == purpose {
			return m.sends[i].Code
		}
	}
	return ""
}

var _ auth.CodeMailer = (*RecorderMailer)(nil)
