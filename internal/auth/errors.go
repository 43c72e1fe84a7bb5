// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrEmailTaken is returned when creating a user with an email that is
// already registered.
var ErrEmailTaken = errors.New("email already registered")

// ErrRotationConflict is returned by SessionRepository.Rotate when the
// stored refresh hash no longer matches the presented one. The session
// either rotated concurrently or was revoked; callers treat it as a
// potential token replay.
var ErrRotationConflict = errors.New("rotation conflict")
