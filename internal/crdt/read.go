package crdt

import (
	"context"
	"fmt"

	"github.com/danielstaleiny/CRDT-sqlite/internal/store"
)

// Rows returns the rows of dataset selected by filter, ordered by the
// numeric order column and then by id.
//
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) Rows(ctx context.Context, dataset string, filter ReadFilter) ([]Row, error) {
	if !s.KnowsDataset(dataset) {
		return nil, unknownDataset(dataset)
	}

	rows := []Row{}
	err := s.storage.View(ctx, func(tx store.Tx) error {
		return tx.ScanRows(dataset, func(rec store.Record) error {
			r := rowFromRecord(rec)
			if filter.keep(r) {
				rows = append(rows, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dataset, err)
	}

	sortRows(rows)
	return rows, nil
}

// Row returns a single row regardless of its tombstone.
// Returns a ROW_NOT_FOUND StorageError when the row has never been written.
func (s *Store) Row(ctx context.Context, dataset, id string) (Row, error) {
	if !s.KnowsDataset(dataset) {
		return Row{}, unknownDataset(dataset)
	}

	var (
		rec   store.Record
		found bool
	)
	err := s.storage.View(ctx, func(tx store.Tx) error {
		var err error
		rec, found, err = tx.GetRow(dataset, id)
		return err
	})
	if err != nil {
		return Row{}, fmt.Errorf("read %s/%s: %w", dataset, id, err)
	}
	if !found {
		return Row{}, rowNotFound(dataset, id)
	}
	return rowFromRecord(rec), nil
}

// Count returns the number of rows of dataset selected by filter.
func (s *Store) Count(ctx context.Context, dataset string, filter ReadFilter) (int, error) {
	if !s.KnowsDataset(dataset) {
		return 0, unknownDataset(dataset)
	}

	n := 0
	err := s.storage.View(ctx, func(tx store.Tx) error {
		if filter == ReadAll {
			var err error
			n, err = tx.CountRows(dataset)
			return err
		}
		return tx.ScanRows(dataset, func(rec store.Record) error {
			if filter.keep(rowFromRecord(rec)) {
				n++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", dataset, err)
	}
	return n, nil
}

// TargetColumn is the mapping column that names the target row.
const TargetColumn = "targetId"

// Resolve follows one level of indirection: it reads mappingID in
// mappingDataset, then the row named by its targetId in targetDataset.
// Returns nil when the mapping or the target is missing, or the target is
// tombstoned.
func (s *Store) Resolve(ctx context.Context, mappingDataset, mappingID, targetDataset string) (*Row, error) {
	mapping, err := s.Row(ctx, mappingDataset, mappingID)
	if IsRowNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	targetID := mapping.Text(TargetColumn)
	if targetID == "" {
		return nil, nil
	}

	target, err := s.Row(ctx, targetDataset, targetID)
	if IsRowNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if target.Tombstoned() {
		return nil, nil
	}
	return &target, nil
}
