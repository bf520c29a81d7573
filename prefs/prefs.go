// Copyright 2016 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prefs implements the durable key/value preference store (C1):
// cursors, hashes, and version counters for the Delta Performer, backed
// either by a directory of files or by an in-memory map, both exposed
// through the same Store interface.
package prefs

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

var (
	// ErrInvalidKey is returned for any key that fails the allowed
	// character class [A-Za-z0-9_\-/], or is empty.
	ErrInvalidKey = errors.New("prefs: invalid key")

	// ErrNotFound is returned by get_* for a key that has never been set.
	ErrNotFound = errors.New("prefs: key not found")

	// ErrTypeMismatch is returned when a key is set with a type other
	// than the one it was first pinned to.
	ErrTypeMismatch = errors.New("prefs: value type mismatch")

	// ErrNoTransaction is returned by Cancel/Submit when Begin was never
	// called.
	ErrNoTransaction = errors.New("prefs: no transaction in progress")

	// ErrTransactionInProgress is returned by Begin when one is already
	// open.
	ErrTransactionInProgress = errors.New("prefs: transaction already in progress")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+(/[A-Za-z0-9_\-]+)*$`)

// ValidKey reports whether key satisfies the key-path character class
// and non-emptiness spec.md §3 requires.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// ValueKind pins the type a key was first set with.
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt64
	KindBool
)

// Observer is notified after a key's value commits.
type Observer func(key string)

// Store is the capability set shared by every backend variant: get/set
// typed accessors, existence/deletion, prefix listing, observers, and a
// whole-store transaction. Dynamic dispatch on backend matches spec.md
// §9's "sealed variant" design note; observer registration lives above
// the variant in the embedding observerSet.
type Store interface {
	GetString(key string) (string, error)
	GetInt64(key string) (int64, error)
	GetBool(key string) (bool, error)

	SetString(key, value string) error
	SetInt64(key string, value int64) error
	SetBool(key string, value bool) error

	Exists(key string) bool
	Delete(key string, namespaces ...string) error
	SubKeys(ns string) ([]string, error)

	AddObserver(key string, obs Observer)
	RemoveObserver(key string, obs Observer)

	Begin() error
	Cancel() error
	Submit() error
}

// formatInt64/parseInt64/formatBool/parseBool match spec.md §4.1's wire
// encoding: int64 as decimal text, bool as literal true/false.

func formatInt64(v int64) string { return strconv.FormatInt(v, 10) }

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func formatBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("prefs: invalid bool literal %q", s)
	}
}

// namespacedKeys returns key plus <ns>/key for each namespace, matching
// the delete(key, namespaces[]) contract in spec.md §4.1.
func namespacedKeys(key string, namespaces []string) []string {
	keys := make([]string, 0, 1+len(namespaces))
	keys = append(keys, key)
	for _, ns := range namespaces {
		keys = append(keys, ns+"/"+key)
	}
	return keys
}

// observerSet is embedded by every backend so registration logic is
// never duplicated between variants.
type observerSet struct {
	byKey map[string][]Observer
}

func newObserverSet() observerSet {
	return observerSet{byKey: make(map[string][]Observer)}
}

func (o *observerSet) add(key string, obs Observer) {
	o.byKey[key] = append(o.byKey[key], obs)
}

func (o *observerSet) remove(key string, obs Observer) {
	list := o.byKey[key]
	out := list[:0]
	target := fmt.Sprintf("%p", obs)
	for _, existing := range list {
		if fmt.Sprintf("%p", existing) != target {
			out = append(out, existing)
		}
	}
	o.byKey[key] = out
}

// AddObserver registers obs to be notified after key's value commits.
func (o *observerSet) AddObserver(key string, obs Observer) { o.add(key, obs) }

// RemoveObserver unregisters obs for key.
func (o *observerSet) RemoveObserver(key string, obs Observer) { o.remove(key, obs) }

// notify invokes every observer registered for key over a snapshot of
// the list, so an observer may safely unregister itself or another
// during the call (spec.md §4.1).
func (o *observerSet) notify(key string) {
	snapshot := append([]Observer(nil), o.byKey[key]...)
	for _, obs := range snapshot {
		obs(key)
	}
}
