// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package test holds the small assertion helpers every other package's
// tests are written against. The teacher's own `test` package body was not
// retrieved in the example pack — only its call sites survive across dozens
// of _test.go files — so the signatures here are reconstructed from those
// call sites (test.Assert, test.AssertNotError, test.AssertEquals, ...).
package test

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

// Assert fails the test with msg if ok is false.
func Assert(t *testing.T, ok bool, msg string) {
	t.Helper()
	if !ok {
		t.Fatal(msg)
	}
}

// AssertNotError fails the test if err is non-nil.
func AssertNotError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected an error, got none", msg)
	}
}

// AssertErrorIs fails the test unless errors.Is(err, target).
func AssertErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected error chain to contain %v, got %v", target, err)
	}
}

// AssertErrorWraps fails the test unless errors.As(err, target) succeeds.
func AssertErrorWraps(t *testing.T, err error, target interface{}) {
	t.Helper()
	if !errors.As(err, target) {
		t.Fatalf("expected error %v to wrap a %T", err, target)
	}
}

// AssertEquals fails the test unless one == two.
func AssertEquals(t *testing.T, one, two interface{}) {
	t.Helper()
	if one != two {
		t.Fatalf("%#v != %#v", one, two)
	}
}

// AssertNotEquals fails the test if one == two.
func AssertNotEquals(t *testing.T, one, two interface{}) {
	t.Helper()
	if one == two {
		t.Fatalf("%#v == %#v, expected different values", one, two)
	}
}

// AssertDeepEquals fails the test unless reflect.DeepEqual(one, two).
func AssertDeepEquals(t *testing.T, one, two interface{}) {
	t.Helper()
	if !reflect.DeepEqual(one, two) {
		t.Fatalf("%#v !deepequal %#v", one, two)
	}
}

// AssertByteEquals fails the test unless the two byte slices are equal.
func AssertByteEquals(t *testing.T, one, two []byte) {
	t.Helper()
	if !bytes.Equal(one, two) {
		t.Fatalf("byte slices differ:\n  %x\n  %x", one, two)
	}
}

// AssertNotNil fails the test if obj is nil.
func AssertNotNil(t *testing.T, obj interface{}, msg string) {
	t.Helper()
	if obj == nil {
		t.Fatal(msg)
	}
}

// AssertContains fails the test unless haystack contains needle.
func AssertContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("%q does not contain %q", haystack, needle)
	}
}

// AssertNotContains fails the test if haystack contains needle.
func AssertNotContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if strings.Contains(haystack, needle) {
		t.Fatalf("%q unexpectedly contains %q", haystack, needle)
	}
}

// AssertSliceContains fails the test unless needle appears somewhere in
// haystack.
func AssertSliceContains(t *testing.T, haystack []string, needle string) {
	t.Helper()
	for _, s := range haystack {
		if s == needle {
			return
		}
	}
	t.Fatalf("%v does not contain %q", haystack, needle)
}

// AssertMarshaledEquals fails the test unless one and two marshal to the
// same JSON.
func AssertMarshaledEquals(t *testing.T, one, two interface{}) {
	t.Helper()
	oneJSON, err := json.Marshal(one)
	AssertNotError(t, err, "marshaling first argument")
	twoJSON, err := json.Marshal(two)
	AssertNotError(t, err, "marshaling second argument")
	if !bytes.Equal(oneJSON, twoJSON) {
		t.Fatalf("marshaled JSON differs:\n  %s\n  %s", oneJSON, twoJSON)
	}
}

// AssertUnmarshaledEquals fails the test unless jsonStr and expected,
// each unmarshaled into a generic value, are deeply equal.
func AssertUnmarshaledEquals(t *testing.T, jsonStr string, expected string) {
	t.Helper()
	var j, e interface{}
	AssertNotError(t, json.Unmarshal([]byte(jsonStr), &j), "unmarshaling actual")
	AssertNotError(t, json.Unmarshal([]byte(expected), &e), "unmarshaling expected")
	if !reflect.DeepEqual(j, e) {
		t.Fatalf("unmarshaled values differ:\n  %#v\n  %#v", j, e)
	}
}
