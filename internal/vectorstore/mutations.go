package vectorstore

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oakheim/docbase/internal/qdrant"
	"go.uber.org/zap"
)

const (
	// scanPageSize bounds one scroll page during mutation scans.
	scanPageSize = 1000

	// filterBatchSize bounds the number of source names per filter call.
	filterBatchSize = 1000
)

// DeleteDocumentsBySource removes every point whose source exactly matches
// one of the given names, for one tenant and department. Large name lists are
// split into batched filter calls. The delete is mirrored onto the temp
// collection when it exists so deactivated copies do not survive.
func (s *Store) DeleteDocumentsBySource(ctx context.Context, sources []string, clientID, deptID string) error {
	collection := s.CollectionName(clientID)

	for start := 0; start < len(sources); start += filterBatchSize {
		end := min(start+filterBatchSize, len(sources))

		filter := tenantFilter(clientID, deptID, nil)
		filter.Must = append(filter.Must, qdrant.Condition{Field: fieldSource, MatchAny: sources[start:end]})

		if err := s.client.DeleteByFilter(ctx, collection, filter); err != nil {
			return fmt.Errorf("deleting sources from %q: %w", collection, err)
		}
	}
	s.sizer.Invalidate(ctx, collection)
	s.sizer.RefreshAsync(ctx, collection)

	temp := collection + tempSuffix
	exists, err := s.client.CollectionExists(ctx, temp)
	if err != nil || !exists {
		if err != nil {
			s.logger.Warn(ctx, "temp collection check failed",
				zap.String("collection", temp),
				zap.Error(err),
			)
		}
		return nil
	}

	for start := 0; start < len(sources); start += filterBatchSize {
		end := min(start+filterBatchSize, len(sources))

		filter := tenantFilter(clientID, deptID, nil)
		filter.Must = append(filter.Must, qdrant.Condition{Field: fieldSource, MatchAny: sources[start:end]})

		if err := s.client.DeleteByFilter(ctx, temp, filter); err != nil {
			// The main delete already happened; a stale temp copy is
			// tolerable and cleaned up on the next pass.
			s.logger.Warn(ctx, "mirrored delete on temp collection failed",
				zap.String("collection", temp),
				zap.Error(err),
			)
			return nil
		}
	}
	s.sizer.Invalidate(ctx, temp)
	s.sizer.RefreshAsync(ctx, temp)
	return nil
}

// DeleteDocumentsByURLPattern removes every point whose source URL starts
// with the given prefix. The backing store has no native prefix match, so a
// server-side tenant filter narrows the scan and the prefix regex is applied
// client-side over paginated pages. Returns the number of points removed.
func (s *Store) DeleteDocumentsByURLPattern(ctx context.Context, urlPrefix, clientID, deptID, urlCorrelationID string) (int, error) {
	collection := s.CollectionName(clientID)

	pattern, err := regexp.Compile("^" + regexp.QuoteMeta(strings.TrimRight(urlPrefix, "/")) + "(/.*)?$")
	if err != nil {
		return 0, fmt.Errorf("compiling url pattern: %w", err)
	}

	filter := tenantFilter(clientID, deptID, nil)
	if urlCorrelationID != "" {
		filter.Must = append(filter.Must, qdrant.Condition{Field: fieldURLCorrelation, Match: urlCorrelationID})
	}

	var ids []string
	offset := ""
	for {
		page, err := s.client.Scroll(ctx, collection, qdrant.ScrollRequest{
			Filter: filter,
			Limit:  scanPageSize,
			Offset: offset,
		})
		if err != nil {
			return 0, fmt.Errorf("scanning %q: %w", collection, err)
		}
		for _, point := range page.Points {
			if source, ok := point.Payload[fieldSource].(string); ok && pattern.MatchString(source) {
				ids = append(ids, point.ID)
			}
		}
		if page.NextOffset == "" {
			break
		}
		offset = page.NextOffset
	}

	for start := 0; start < len(ids); start += filterBatchSize {
		end := min(start+filterBatchSize, len(ids))
		if err := s.client.DeleteByIDs(ctx, collection, ids[start:end]); err != nil {
			return start, fmt.Errorf("deleting %d points from %q: %w", end-start, collection, err)
		}
	}

	if len(ids) > 0 {
		s.sizer.Invalidate(ctx, collection)
		s.sizer.RefreshAsync(ctx, collection)
	}
	return len(ids), nil
}

// MoveSourcesToTemp deactivates sources by moving their points from the main
// collection into the temp shadow. Each page is upserted into the destination
// before being deleted from the source, so a crash mid-move can leave a point
// briefly in both collections but never in neither; rerunning the move is
// safe. Returns the number of points moved.
func (s *Store) MoveSourcesToTemp(ctx context.Context, sources []string, clientID, deptID, urlCorrelationID string) (int, error) {
	main := s.CollectionName(clientID)
	temp := main + tempSuffix

	s.createMu.Lock()
	err := s.ensureCollection(ctx, temp)
	s.createMu.Unlock()
	if err != nil {
		return 0, err
	}

	return s.moveMatching(ctx, main, temp, sources, clientID, deptID, urlCorrelationID)
}

// MoveSourcesFromTemp reactivates sources by moving their points back from
// the temp shadow into the main collection. A missing temp collection means
// nothing to reactivate.
func (s *Store) MoveSourcesFromTemp(ctx context.Context, sources []string, clientID, deptID, urlCorrelationID string) (int, error) {
	main := s.CollectionName(clientID)
	temp := main + tempSuffix

	exists, err := s.client.CollectionExists(ctx, temp)
	if err != nil {
		return 0, fmt.Errorf("checking temp collection: %w", err)
	}
	if !exists {
		return 0, nil
	}

	s.createMu.Lock()
	err = s.ensureCollection(ctx, main)
	s.createMu.Unlock()
	if err != nil {
		return 0, err
	}

	return s.moveMatching(ctx, temp, main, sources, clientID, deptID, urlCorrelationID)
}

// moveMatching scans from for tenant points whose source matches, then
// upserts each matching page into to and deletes it from from.
func (s *Store) moveMatching(ctx context.Context, from, to string, sources []string, clientID, deptID, urlCorrelationID string) (int, error) {
	// The url-correlation field is always present on points (possibly
	// empty), so the filter can always pin it.
	filter := tenantFilter(clientID, deptID, &urlCorrelationID)

	moved := 0
	offset := ""
	for {
		page, err := s.client.Scroll(ctx, from, qdrant.ScrollRequest{
			Filter:      filter,
			Limit:       scanPageSize,
			Offset:      offset,
			WithVectors: true,
		})
		if err != nil {
			return moved, fmt.Errorf("scanning %q: %w", from, err)
		}

		var batch []*qdrant.Point
		var ids []string
		for _, point := range page.Points {
			source, _ := point.Payload[fieldSource].(string)
			if matchesSource(source, sources) {
				batch = append(batch, point)
				ids = append(ids, point.ID)
			}
		}

		if len(batch) > 0 {
			// Upsert first: a failure after the upsert leaves a
			// duplicate, not a loss.
			if err := s.client.Upsert(ctx, to, batch, true); err != nil {
				return moved, fmt.Errorf("copying %d points to %q: %w", len(batch), to, err)
			}
			if err := s.client.DeleteByIDs(ctx, from, ids); err != nil {
				return moved, fmt.Errorf("removing %d points from %q: %w", len(ids), from, err)
			}
			moved += len(batch)
		}

		if page.NextOffset == "" {
			break
		}
		offset = page.NextOffset
	}

	if moved > 0 {
		for _, collection := range []string{from, to} {
			s.sizer.Invalidate(ctx, collection)
			s.sizer.RefreshAsync(ctx, collection)
		}
	}

	s.logger.Info(ctx, "sources moved",
		zap.String("from", from),
		zap.String("to", to),
		zap.Int("points", moved),
	)
	return moved, nil
}

// UpdateClientID toggles sources between the real tenant and the inactive
// sentinel by rewriting the client_id payload field in place, vectors
// untouched. This is the legacy activation path; the temp-move operations are
// the authoritative mechanism.
func (s *Store) UpdateClientID(ctx context.Context, clientID string, sources []string, action, deptID, urlCorrelationID string) error {
	var fromTenant, toTenant string
	switch action {
	case "deactivate":
		fromTenant, toTenant = clientID, InactiveTenant
	case "activate":
		fromTenant, toTenant = InactiveTenant, clientID
	default:
		return fmt.Errorf("unknown action %q (want activate or deactivate)", action)
	}

	collection := s.CollectionName(clientID)

	for start := 0; start < len(sources); start += filterBatchSize {
		end := min(start+filterBatchSize, len(sources))

		filter := &qdrant.Filter{Must: []qdrant.Condition{{Field: fieldClientID, Match: fromTenant}}}
		if deptID != "" {
			filter.Must = append(filter.Must, qdrant.Condition{Field: fieldDeptID, Match: deptID})
		}
		if urlCorrelationID != "" {
			filter.Must = append(filter.Must, qdrant.Condition{Field: fieldURLCorrelation, Match: urlCorrelationID})
		}
		filter.Must = append(filter.Must, qdrant.Condition{Field: fieldSource, MatchAny: sources[start:end]})

		err := s.client.SetPayload(ctx, collection, filter, map[string]interface{}{
			fieldClientID: toTenant,
		})
		if err != nil {
			return fmt.Errorf("rewriting client_id on %q: %w", collection, err)
		}
	}

	s.sizer.Invalidate(ctx, collection)
	s.sizer.RefreshAsync(ctx, collection)
	return nil
}

// ResetCollection tears down every collection belonging to a tenant and
// creates a fresh empty one. Creation is retried because the backing store
// may briefly refuse a name that was just deleted.
func (s *Store) ResetCollection(ctx context.Context, clientID string) (string, error) {
	base := fmt.Sprintf("%s_client_%s", s.cfg.CollectionPrefix, clientID)

	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: listing collections: %v", ErrSetupFailed, err)
	}
	for _, name := range names {
		if !strings.HasPrefix(name, base) {
			continue
		}
		if err := s.client.DeleteCollection(ctx, name); err != nil {
			return "", fmt.Errorf("deleting collection %q: %w", name, err)
		}
		s.sizer.Invalidate(ctx, name)
	}

	s.epochMu.Lock()
	delete(s.resetEpochs, clientID)
	s.epochMu.Unlock()

	var createErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
			}
		}
		if createErr = s.client.CreateCollection(ctx, base, s.productionSpec()); createErr == nil {
			break
		}
		s.logger.Warn(ctx, "collection create failed, retrying",
			zap.String("collection", base),
			zap.Int("attempt", attempt+1),
			zap.Error(createErr),
		)
	}
	if createErr != nil {
		return "", fmt.Errorf("%w: creating collection %q: %v", ErrSetupFailed, base, createErr)
	}

	// Warm the sizing cache so the first query after a reset is classified.
	s.sizer.CachedInfo(ctx, base)

	s.logger.Info(ctx, "collection reset",
		zap.String("client_id", clientID),
		zap.String("collection", base),
	)
	return base, nil
}
