package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// VM is an inventory entry.
type VM struct {
	ID          string    `json:"id" yaml:"id"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	AddedAt     time.Time `json:"added_at" yaml:"added_at"`
}

// VmExists reports whether id is in the inventory.
func (s *Store) VmExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM vms WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup vm %s: %w", id, err)
	}
	return true, nil
}

// PutVM adds id to the inventory or updates its description.
func (s *Store) PutVM(ctx context.Context, id, description string) error {
	if id == "" {
		return errors.New("vm id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vms (id, description, added_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET description = excluded.description`,
		id, description, s.clock.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("put vm %s: %w", id, err)
	}
	return nil
}

// DeleteVM removes id from the inventory. It returns ErrNotFound if id was
// not present.
func (s *Store) DeleteVM(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete vm %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("vm %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListVMs returns the inventory ordered by id.
func (s *Store) ListVMs(ctx context.Context) ([]VM, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, description, added_at FROM vms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	defer rows.Close()

	var vms []VM
	for rows.Next() {
		var (
			vm    VM
			added int64
		)
		if err := rows.Scan(&vm.ID, &vm.Description, &added); err != nil {
			return nil, err
		}
		vm.AddedAt = time.Unix(0, added).UTC()
		vms = append(vms, vm)
	}
	return vms, rows.Err()
}
