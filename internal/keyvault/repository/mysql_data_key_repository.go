package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/allisson/autoencrypt/internal/database"
	apperrors "github.com/allisson/autoencrypt/internal/errors"
	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
)

const mysqlDuplicateEntry = 1062

// MySQLDataKeyRepository stores data keys in MySQL.
// Uses BINARY(16) for UUIDs, BLOB for wrapped key material and JSON for master key params.
type MySQLDataKeyRepository struct {
	db        *sql.DB
	txManager database.TxManager
}

// NewMySQLDataKeyRepository creates a new MySQL data key repository instance.
func NewMySQLDataKeyRepository(db *sql.DB) *MySQLDataKeyRepository {
	return &MySQLDataKeyRepository{db: db, txManager: database.NewTxManager(db)}
}

// Create inserts the data key row and its alt names in a single transaction.
func (m *MySQLDataKeyRepository) Create(ctx context.Context, key *keyvaultDomain.DataKey) error {
	id, err := key.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal data key id")
	}

	params, err := marshalParams(key.MasterKey.Params)
	if err != nil {
		return err
	}

	return m.txManager.WithTx(ctx, func(ctx context.Context) error {
		querier := database.GetTx(ctx, m.db)

		query := `INSERT INTO data_keys (id, key_material, master_key_provider, master_key_params, status, creation_date, update_date)
				  VALUES (?, ?, ?, ?, ?, ?, ?)`

		_, err := querier.ExecContext(
			ctx,
			query,
			id,
			key.KeyMaterial,
			key.MasterKey.Provider,
			params,
			key.Status,
			key.CreationDate,
			key.UpdateDate,
		)
		if err != nil {
			if isMySQLDuplicateEntry(err) {
				return keyvaultDomain.ErrDataKeyExists
			}
			return apperrors.Wrap(err, "failed to create data key")
		}

		for _, name := range key.KeyAltNames {
			if err := m.insertAltName(ctx, id, name); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByID returns the data key with the given id.
func (m *MySQLDataKeyRepository) GetByID(ctx context.Context, keyID uuid.UUID) (*keyvaultDomain.DataKey, error) {
	id, err := keyID.MarshalBinary()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to marshal data key id")
	}

	query := `SELECT id, key_material, master_key_provider, master_key_params, status, creation_date, update_date
			  FROM data_keys WHERE id = ?`
	return m.getOne(ctx, query, id)
}

// GetByAltName returns the data key carrying the given alt name.
func (m *MySQLDataKeyRepository) GetByAltName(ctx context.Context, name string) (*keyvaultDomain.DataKey, error) {
	query := `SELECT k.id, k.key_material, k.master_key_provider, k.master_key_params, k.status, k.creation_date, k.update_date
			  FROM data_keys k JOIN data_key_alt_names a ON a.data_key_id = k.id
			  WHERE a.alt_name = ?`
	return m.getOne(ctx, query, name)
}

// List returns every data key ordered by creation date.
func (m *MySQLDataKeyRepository) List(ctx context.Context) ([]*keyvaultDomain.DataKey, error) {
	querier := database.GetTx(ctx, m.db)

	query := `SELECT id, key_material, master_key_provider, master_key_params, status, creation_date, update_date
			  FROM data_keys ORDER BY creation_date ASC, id ASC`

	rows, err := querier.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list data keys")
	}
	defer func() {
		_ = rows.Close()
	}()

	var keys []*keyvaultDomain.DataKey
	byID := make(map[uuid.UUID]*keyvaultDomain.DataKey)
	for rows.Next() {
		key, err := scanMySQLDataKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		byID[key.ID] = key
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	altRows, err := querier.QueryContext(ctx, `SELECT data_key_id, alt_name FROM data_key_alt_names ORDER BY alt_name`)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list key alt names")
	}
	defer func() {
		_ = altRows.Close()
	}()

	for altRows.Next() {
		var idBytes []byte
		var name string
		if err := altRows.Scan(&idBytes, &name); err != nil {
			return nil, err
		}
		var id uuid.UUID
		if err := id.UnmarshalBinary(idBytes); err != nil {
			return nil, apperrors.Wrap(err, "failed to unmarshal data key id")
		}
		if key, ok := byID[id]; ok {
			key.KeyAltNames = append(key.KeyAltNames, name)
		}
	}
	if err := altRows.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}

// Update replaces the wrapped material, master key, status and update date.
func (m *MySQLDataKeyRepository) Update(ctx context.Context, key *keyvaultDomain.DataKey) error {
	id, err := key.ID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal data key id")
	}

	params, err := marshalParams(key.MasterKey.Params)
	if err != nil {
		return err
	}

	querier := database.GetTx(ctx, m.db)

	query := `UPDATE data_keys
			  SET key_material = ?,
				  master_key_provider = ?,
				  master_key_params = ?,
				  status = ?,
				  update_date = ?
			  WHERE id = ?`

	res, err := querier.ExecContext(
		ctx,
		query,
		key.KeyMaterial,
		key.MasterKey.Provider,
		params,
		key.Status,
		key.UpdateDate,
		id,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to update data key")
	}
	return expectAffected(res)
}

// Delete removes a data key; its alt names go with it (ON DELETE CASCADE).
func (m *MySQLDataKeyRepository) Delete(ctx context.Context, keyID uuid.UUID) error {
	id, err := keyID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal data key id")
	}

	querier := database.GetTx(ctx, m.db)

	res, err := querier.ExecContext(ctx, `DELETE FROM data_keys WHERE id = ?`, id)
	if err != nil {
		return apperrors.Wrap(err, "failed to delete data key")
	}
	return expectAffected(res)
}

// AddKeyAltName adds an alt name to a key.
func (m *MySQLDataKeyRepository) AddKeyAltName(ctx context.Context, keyID uuid.UUID, name string) error {
	id, err := keyID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal data key id")
	}

	return m.txManager.WithTx(ctx, func(ctx context.Context) error {
		if err := m.exists(ctx, id); err != nil {
			return err
		}

		querier := database.GetTx(ctx, m.db)

		var owner []byte
		err := querier.QueryRowContext(ctx,
			`SELECT data_key_id FROM data_key_alt_names WHERE alt_name = ?`, name,
		).Scan(&owner)
		switch {
		case err == nil && string(owner) == string(id):
			return nil
		case err == nil:
			return keyvaultDomain.ErrKeyAltNameConflict
		case !errors.Is(err, sql.ErrNoRows):
			return apperrors.Wrap(err, "failed to get key alt name")
		}

		return m.insertAltName(ctx, id, name)
	})
}

// RemoveKeyAltName removes an alt name from a key.
func (m *MySQLDataKeyRepository) RemoveKeyAltName(ctx context.Context, keyID uuid.UUID, name string) error {
	id, err := keyID.MarshalBinary()
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal data key id")
	}

	if err := m.exists(ctx, id); err != nil {
		return err
	}

	querier := database.GetTx(ctx, m.db)

	_, err = querier.ExecContext(ctx,
		`DELETE FROM data_key_alt_names WHERE data_key_id = ? AND alt_name = ?`, id, name,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to remove key alt name")
	}
	return nil
}

func (m *MySQLDataKeyRepository) exists(ctx context.Context, id []byte) error {
	querier := database.GetTx(ctx, m.db)

	var one int
	err := querier.QueryRowContext(ctx, `SELECT 1 FROM data_keys WHERE id = ?`, id).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return keyvaultDomain.ErrKeyNotFound
		}
		return apperrors.Wrap(err, "failed to get data key")
	}
	return nil
}

func (m *MySQLDataKeyRepository) insertAltName(ctx context.Context, id []byte, name string) error {
	querier := database.GetTx(ctx, m.db)

	_, err := querier.ExecContext(ctx,
		`INSERT INTO data_key_alt_names (alt_name, data_key_id) VALUES (?, ?)`, name, id,
	)
	if err != nil {
		if isMySQLDuplicateEntry(err) {
			return keyvaultDomain.ErrKeyAltNameConflict
		}
		return apperrors.Wrap(err, "failed to add key alt name")
	}
	return nil
}

func (m *MySQLDataKeyRepository) getOne(ctx context.Context, query string, arg any) (*keyvaultDomain.DataKey, error) {
	querier := database.GetTx(ctx, m.db)

	key, err := scanMySQLDataKey(querier.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, keyvaultDomain.ErrKeyNotFound
		}
		return nil, apperrors.Wrap(err, "failed to get data key")
	}

	id, err := key.ID.MarshalBinary()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to marshal data key id")
	}

	rows, err := querier.QueryContext(ctx,
		`SELECT alt_name FROM data_key_alt_names WHERE data_key_id = ? ORDER BY alt_name`, id,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to get key alt names")
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		key.KeyAltNames = append(key.KeyAltNames, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return key, nil
}

func scanMySQLDataKey(row rowScanner) (*keyvaultDomain.DataKey, error) {
	var key keyvaultDomain.DataKey
	var idBytes, params []byte

	err := row.Scan(
		&idBytes,
		&key.KeyMaterial,
		&key.MasterKey.Provider,
		&params,
		&key.Status,
		&key.CreationDate,
		&key.UpdateDate,
	)
	if err != nil {
		return nil, err
	}

	if err := key.ID.UnmarshalBinary(idBytes); err != nil {
		return nil, apperrors.Wrap(err, "failed to unmarshal data key id")
	}

	key.MasterKey.Params, err = unmarshalParams(params)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// isMySQLDuplicateEntry checks if the error is a MySQL duplicate key violation.
func isMySQLDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}
