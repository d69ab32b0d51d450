package store

import (
	"context"
	"fmt"
)

// UpsertUserResource inserts or refreshes a resource mount. The canonical
// human-readable name column is display_name.
func (s *Store) UpsertUserResource(ctx context.Context, r *UserResource) error {
	if r.UserID == "" || r.ResourceType == "" || r.ResourcePath == "" {
		return fmt.Errorf("%w: user_id, resource_type and resource_path are required", ErrInvalidTask)
	}
	if r.Permissions == "" {
		r.Permissions = "read"
	}
	if r.Permissions != "read" && r.Permissions != "readwrite" {
		return fmt.Errorf("%w: unknown permissions %q", ErrInvalidTask, r.Permissions)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_resources (user_id, resource_type, resource_path, permissions, display_name)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, resource_type, resource_path) DO UPDATE SET
			permissions = excluded.permissions,
			display_name = excluded.display_name`,
		r.UserID, r.ResourceType, r.ResourcePath, r.Permissions, r.DisplayName)
	if err != nil {
		return fmt.Errorf("upsert user resource: %w", err)
	}
	return nil
}

// ListUserResources returns all resources for a user.
func (s *Store) ListUserResources(ctx context.Context, userID string) ([]*UserResource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, resource_type, resource_path, permissions, display_name
		FROM user_resources WHERE user_id = ?
		ORDER BY resource_type, resource_path`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user resources: %w", err)
	}
	defer rows.Close()

	var out []*UserResource
	for rows.Next() {
		var r UserResource
		if err := rows.Scan(&r.ID, &r.UserID, &r.ResourceType, &r.ResourcePath,
			&r.Permissions, &r.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
