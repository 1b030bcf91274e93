// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// MinMlockLimitKB is the mlock limit below which signing keys stay in
// ordinary memory.
const MinMlockLimitKB = 64

var (
	mlockOnce       sync.Once
	mlockSufficient bool
)

// mlockAvailable reports whether the process may lock enough memory for
// memguard enclaves. The result is computed once.
func mlockAvailable() bool {
	mlockOnce.Do(func() {
		var rlimit unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
			slog.Warn("Could not determine mlock limit", "error", err)
			return
		}
		if rlimit.Cur == unix.RLIM_INFINITY {
			mlockSufficient = true
			return
		}
		limitKB := int64(rlimit.Cur / 1024)
		mlockSufficient = limitKB >= MinMlockLimitKB
		if !mlockSufficient {
			slog.Warn("mlock limit too low, signing keys kept in ordinary memory",
				"mlock_limit_kb", limitKB,
				"required_kb", MinMlockLimitKB,
			)
		}
	})
	return mlockSufficient
}

// signingKey holds an HMAC secret. It is sealed in a memguard enclave when
// memory can be locked and is a private copy otherwise.
//
// # Thread Safety
//
// Safe for concurrent use; each use opens its own locked buffer.
type signingKey struct {
	enclave *memguard.Enclave
	plain   []byte
}

func newSigningKey(secret []byte) *signingKey {
	if len(secret) == 0 {
		return &signingKey{}
	}
	// NewEnclave wipes its argument, so seal a copy.
	buf := bytes.Clone(secret)
	if mlockAvailable() {
		return &signingKey{enclave: memguard.NewEnclave(buf)}
	}
	return &signingKey{plain: buf}
}

// sealed reports whether the key lives in a memguard enclave.
func (k *signingKey) sealed() bool { return k.enclave != nil }

// use calls fn with the key bytes. fn must not retain them.
func (k *signingKey) use(fn func(key []byte) error) error {
	switch {
	case k.enclave != nil:
		lb, err := k.enclave.Open()
		if err != nil {
			return fmt.Errorf("open signing key: %w", err)
		}
		defer lb.Destroy()
		return fn(lb.Bytes())
	case len(k.plain) > 0:
		return fn(k.plain)
	default:
		return errors.New("signing key is empty")
	}
}
