// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package auth implements email/password authentication and device
// session lifecycle: registration gated by email-ownership proof,
// credential login, short-lived signed access tokens paired with
// long-lived rotating refresh tokens, and per-device revocation.
//
// # Domain Types
//
// Domain types (User, Session, OneTimeCode) should be created using
// their respective constructors:
//   - NewUser - creates a User with validated email and password hash
//   - NewSession - creates a Session with validated user and expiry
//   - NewOneTimeCode - creates a OneTimeCode with validated purpose and expiry
//
// Direct struct initialization bypasses validation and may create invalid state.
// Repository implementations receive pre-validated types from these constructors.
//
// # Services
//
// Service coordinates the full account lifecycle and owns the
// cross-component invariants; CodeService issues and consumes one-time
// codes; TokenIssuer mints and verifies access tokens. Secrets never
// reach storage in plaintext: refresh tokens and one-time codes are
// persisted as SHA256 hashes, passwords as argon2id hashes.
package auth
