// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package models defines the data types exchanged between the local
// store, the sync engine, and the remote backend.
//
// The core types are:
//
//   - Record: an opaque application payload with a stable string id
//     and a model-type tag. Meridian never inspects the payload.
//   - SyncMetadata: the server-arbitrated version row kept per record
//     id. Versions are monotonically non-decreasing; a remote event
//     carrying a version at or below the stored one is dropped.
//   - MutationSync: record plus metadata, the unit the backend delivers
//     on subscriptions and sync pages.
//   - MutationEvent: a locally originated mutation persisted in the
//     outgoing queue until it has been acknowledged upstream.
package models
