// Package testutil provides shared test helpers:
//   - assert.go: assertion helpers (MustNoErr, AssertEqual, etc.)
//   - store_helpers.go: database test setup (NewTestStore)
//   - ptr.go: pointer and time constructors for optional fields
package testutil
