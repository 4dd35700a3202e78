package bindings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// PostgresStore implements Store on the schema in db/migrations.
type PostgresStore struct {
	DB *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{DB: db} }

func (s *PostgresStore) ListBindings(ctx context.Context, identityID string) ([]Binding, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT b.channel_id, c.guild_id, b.identity_id, b.tags
		FROM channel_bindings b JOIN channels c ON c.id = b.channel_id
		WHERE b.identity_id = $1
		ORDER BY b.channel_id`, identityID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer closeRows(rows)
	var out []Binding
	for rows.Next() {
		var b Binding
		var tags sql.NullString
		if err := rows.Scan(&b.ChannelID, &b.GuildID, &b.IdentityID, &tags); err != nil {
			return nil, err
		}
		b.Tags = nullTags(tags)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, login, display_name FROM identities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer closeRows(rows)
	var out []Identity
	for rows.Next() {
		var i Identity
		if err := rows.Scan(&i.ID, &i.Login, &i.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetIdentity(ctx context.Context, id string) (Identity, error) {
	var i Identity
	err := s.DB.QueryRowContext(ctx, `SELECT id, login, display_name FROM identities WHERE id = $1`, id).
		Scan(&i.ID, &i.Login, &i.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("get identity %s: %w", id, err)
	}
	return i, nil
}

func (s *PostgresStore) CreateBindings(ctx context.Context, channel Channel, identities []Identity, tags *string) ([]Identity, error) {
	var created []Identity
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channels(id, name, guild_id, guild_name) VALUES($1,$2,$3,$4)
			ON CONFLICT(id) DO UPDATE SET name=EXCLUDED.name, guild_id=EXCLUDED.guild_id, guild_name=EXCLUDED.guild_name`,
			channel.ID, channel.Name, channel.GuildID, channel.GuildName); err != nil {
			return fmt.Errorf("upsert channel %s: %w", channel.ID, err)
		}

		insertIdentity, err := tx.PrepareContext(ctx, `
			INSERT INTO identities(id, login, display_name) VALUES($1,$2,$3)
			ON CONFLICT(id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer insertIdentity.Close()
		renameIdentity, err := tx.PrepareContext(ctx, `
			UPDATE identities SET login=$2, display_name=$3, updated_at=NOW() WHERE id=$1`)
		if err != nil {
			return err
		}
		defer renameIdentity.Close()
		upsertBinding, err := tx.PrepareContext(ctx, `
			INSERT INTO channel_bindings(channel_id, identity_id, tags) VALUES($1,$2,$3)
			ON CONFLICT(channel_id, identity_id) DO UPDATE SET tags=EXCLUDED.tags`)
		if err != nil {
			return err
		}
		defer upsertBinding.Close()

		for _, ident := range identities {
			res, err := insertIdentity.ExecContext(ctx, ident.ID, ident.Login, ident.DisplayName)
			if err != nil {
				return fmt.Errorf("insert identity %s: %w", ident.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				created = append(created, ident)
			} else if _, err := renameIdentity.ExecContext(ctx, ident.ID, ident.Login, ident.DisplayName); err != nil {
				return fmt.Errorf("refresh identity %s: %w", ident.ID, err)
			}
			if _, err := upsertBinding.ExecContext(ctx, channel.ID, ident.ID, tagsArg(tags)); err != nil {
				return fmt.Errorf("bind %s to %s: %w", ident.ID, channel.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *PostgresStore) DeleteBindings(ctx context.Context, channelID string, identityIDs []string) ([]Identity, error) {
	var removed []Identity
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM channel_bindings WHERE channel_id=$1 AND identity_id=$2`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range identityIDs {
			if _, err := stmt.ExecContext(ctx, channelID, id); err != nil {
				return fmt.Errorf("unbind %s from %s: %w", id, channelID, err)
			}
		}
		removed, err = purgeOrphans(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, channelID string) ([]Identity, error) {
	var removed []Identity
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// bindings go with the channel (ON DELETE CASCADE)
		if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE id=$1`, channelID); err != nil {
			return fmt.Errorf("delete channel %s: %w", channelID, err)
		}
		var err error
		removed, err = purgeOrphans(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func purgeOrphans(ctx context.Context, tx *sql.Tx) ([]Identity, error) {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM channels c
		WHERE NOT EXISTS (SELECT 1 FROM channel_bindings b WHERE b.channel_id = c.id)`); err != nil {
		return nil, fmt.Errorf("purge channels: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `
		DELETE FROM identities i
		WHERE NOT EXISTS (SELECT 1 FROM channel_bindings b WHERE b.identity_id = i.id)
		RETURNING id, login, display_name`)
	if err != nil {
		return nil, fmt.Errorf("purge identities: %w", err)
	}
	defer closeRows(rows)
	var removed []Identity
	for rows.Next() {
		var i Identity
		if err := rows.Scan(&i.ID, &i.Login, &i.DisplayName); err != nil {
			return nil, err
		}
		removed = append(removed, i)
	}
	return removed, rows.Err()
}

func (s *PostgresStore) RenameIdentity(ctx context.Context, id, login, displayName string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE identities SET login=$2, display_name=$3, updated_at=NOW() WHERE id=$1`, id, login, displayName)
	if err != nil {
		return fmt.Errorf("rename identity %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListChannelBindings(ctx context.Context, guildID string) ([]Listing, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT c.id, c.name, c.guild_id, i.id, i.login, b.tags
		FROM channel_bindings b
		JOIN channels c ON c.id = b.channel_id
		JOIN identities i ON i.id = b.identity_id
		WHERE $1 = '' OR c.guild_id = $1
		ORDER BY c.name, c.id, i.login`, guildID)
	if err != nil {
		return nil, fmt.Errorf("list channel bindings: %w", err)
	}
	defer closeRows(rows)
	var out []Listing
	for rows.Next() {
		var l Listing
		var tags sql.NullString
		if err := rows.Scan(&l.ChannelID, &l.ChannelName, &l.GuildID, &l.IdentityID, &l.Login, &tags); err != nil {
			return nil, err
		}
		l.Tags = nullTags(tags)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetFeature(ctx context.Context, guildID, feature string, enabled bool) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO guild_features(guild_id, feature, enabled, updated_at) VALUES($1,$2,$3,NOW())
		ON CONFLICT(guild_id, feature) DO UPDATE SET enabled=EXCLUDED.enabled, updated_at=NOW()`,
		guildID, feature, enabled)
	if err != nil {
		return fmt.Errorf("set feature %s for guild %s: %w", feature, guildID, err)
	}
	return nil
}

func (s *PostgresStore) FeatureEnabled(ctx context.Context, guildID, feature string) (bool, error) {
	var enabled bool
	err := s.DB.QueryRowContext(ctx, `SELECT enabled FROM guild_features WHERE guild_id=$1 AND feature=$2`, guildID, feature).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("feature %s for guild %s: %w", feature, guildID, err)
	}
	return enabled, nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("rollback failed", slog.Any("err", rbErr), slog.String("component", "bindings"))
		}
		return err
	}
	return tx.Commit()
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", slog.Any("err", err), slog.String("component", "bindings"))
	}
}

func nullTags(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func tagsArg(tags *string) any {
	if tags == nil {
		return nil
	}
	return *tags
}
