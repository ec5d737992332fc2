// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/queryledger/queryledger/lib/api"
	"github.com/queryledger/queryledger/lib/codec"
	"github.com/queryledger/queryledger/lib/service"
	"github.com/queryledger/queryledger/lib/version"
)

// registerActions wires the control socket actions to the store and
// the fetcher.
func registerActions(socket *service.Socket, store *Store, fetcher *Fetcher, sourceName string) {
	socket.Handle(api.ActionFetch, func(ctx context.Context, raw []byte) (any, error) {
		report, err := fetcher.Run(ctx)
		if err != nil {
			return nil, err
		}
		return report, nil
	})

	socket.Handle(api.ActionQuery, func(ctx context.Context, raw []byte) (any, error) {
		var req api.QueryRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decode query request: %w", err)
		}
		rows, err := store.Query(ctx, req)
		if err != nil {
			return nil, err
		}
		return api.QueryResponse{Rows: rows}, nil
	})

	socket.Handle(api.ActionSummary, func(ctx context.Context, raw []byte) (any, error) {
		var req api.SummaryRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decode summary request: %w", err)
		}
		return store.Summary(ctx, req)
	})

	socket.Handle(api.ActionIgnoreAdd, func(ctx context.Context, raw []byte) (any, error) {
		var req api.IgnoreRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decode ignore request: %w", err)
		}
		if req.Domain == "" {
			return nil, fmt.Errorf("domain is required")
		}
		return nil, store.IgnoreAdd(ctx, req.Domain, req.Notes)
	})

	socket.Handle(api.ActionIgnoreRemove, func(ctx context.Context, raw []byte) (any, error) {
		var req api.IgnoreRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decode ignore request: %w", err)
		}
		removed, err := store.IgnoreRemove(ctx, req.Domain)
		if err != nil {
			return nil, err
		}
		if !removed {
			return nil, fmt.Errorf("domain %q is not on the ignore list", req.Domain)
		}
		return nil, nil
	})

	socket.Handle(api.ActionIgnoreList, func(ctx context.Context, raw []byte) (any, error) {
		var req api.IgnoreListRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decode ignore list request: %w", err)
		}
		entries, err := store.IgnoreList(ctx, req.Search)
		if err != nil {
			return nil, err
		}
		return api.IgnoreListResponse{Entries: entries}, nil
	})

	socket.Handle(api.ActionPurge, func(ctx context.Context, raw []byte) (any, error) {
		var req api.PurgeRequest
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decode purge request: %w", err)
		}
		deleted, err := store.Purge(ctx, req)
		if err != nil {
			return nil, err
		}
		return api.PurgeResponse{Deleted: deleted}, nil
	})

	socket.Handle(api.ActionStatus, func(ctx context.Context, raw []byte) (any, error) {
		status, err := store.Stats(ctx, sourceName)
		if err != nil {
			return nil, err
		}
		status.Version = version.Info()
		return status, nil
	})
}
