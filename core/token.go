// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package core

import "errors"

// BatchOwner is implemented by whatever mints a BatchToken, so it can be
// notified when the token is discarded. The owner of a token is the only
// thing allowed to invalidate it, and must tolerate being asked to release
// the same token more than once.
type BatchOwner interface {
	ReleaseBatchToken(*BatchToken)
}

// BatchToken is a fencing token over one in-flight batch. The Lease Manager
// mints one each time the poll task fetches a new batch (core/lease.Manager)
// and the renew task checks it before touching batch rows, so that if the
// poll task has already cleared the batch (handler returned, or a fetch
// error reset the state machine to CheckingForChanges) a still-running
// renewal tick recognizes it is operating on a stale generation instead of
// silently renewing leases nobody cares about anymore.
type BatchToken struct {
	owner BatchOwner
	Value interface{}
}

// Valid reports whether the token has not yet been invalidated.
func (t *BatchToken) Valid() bool {
	return t != nil && t.owner != nil
}

// IsOwnedBy reports whether this token was minted by the given owner.
func (t *BatchToken) IsOwnedBy(owner BatchOwner) bool {
	return t != nil && owner != nil && t.owner == owner
}

// Invalidate discards the token, notifying its owner exactly once.
func (t *BatchToken) Invalidate() {
	if t == nil || t.owner == nil {
		return
	}
	owner := t.owner
	t.owner = nil
	owner.ReleaseBatchToken(t)
}

// InvalidateWithError invalidates the token and wraps e so callers can tell
// a token-invalidation error apart from other failures via errors.Is(err,
// ErrBatchToken).
func (t *BatchToken) InvalidateWithError(e error) error {
	t.Invalidate()
	if errors.Is(e, ErrBatchToken) {
		return e
	}
	return &TokenError{inner: e}
}

// NewBatchToken mints a token for owner. A nil owner yields a token that is
// already invalid.
func NewBatchToken(owner BatchOwner, value interface{}) *BatchToken {
	if owner == nil {
		return &BatchToken{}
	}
	return &BatchToken{owner: owner, Value: value}
}

var (
	// ErrBatchToken is the sentinel wrapped error for any batch-token
	// invalidation, so callers can errors.Is(err, ErrBatchToken) without
	// caring about the specific reason.
	ErrBatchToken = errors.New("batch token invalidated")
	// ErrBatchSuperseded reports that a token's batch generation was
	// replaced by a newer one. The renew task does not return it: it skips
	// a stale generation without an error.
	ErrBatchSuperseded = &TokenError{inner: ErrBatchToken, message: "batch token superseded by a newer batch"}
)

// TokenError reports that a BatchToken was invalid, or was just invalidated.
type TokenError struct {
	inner   error
	message string
}

func (e *TokenError) Unwrap() error { return e.inner }

func (e *TokenError) Error() string {
	if e.message != "" {
		return e.message
	}
	if e.inner != nil {
		return e.inner.Error()
	}
	return "batch token error"
}

// Is lets TokenError be considered equivalent to ErrBatchToken with
// errors.Is.
func (e *TokenError) Is(target error) bool {
	return target == ErrBatchToken
}
