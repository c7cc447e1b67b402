package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/allisson/autoencrypt/internal/database"
	apperrors "github.com/allisson/autoencrypt/internal/errors"
	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
)

const pqUniqueViolation = "23505"

// PostgreSQLDataKeyRepository stores data keys in PostgreSQL.
//
// Database schema requirements:
//   - data_keys(id UUID PRIMARY KEY, key_material BYTEA, master_key_provider TEXT,
//     master_key_params JSONB, status INTEGER, creation_date TIMESTAMPTZ, update_date TIMESTAMPTZ)
//   - data_key_alt_names(alt_name TEXT PRIMARY KEY, data_key_id UUID REFERENCES data_keys ON DELETE CASCADE)
type PostgreSQLDataKeyRepository struct {
	db        *sql.DB
	txManager database.TxManager
}

// NewPostgreSQLDataKeyRepository creates a new PostgreSQL data key repository instance.
func NewPostgreSQLDataKeyRepository(db *sql.DB) *PostgreSQLDataKeyRepository {
	return &PostgreSQLDataKeyRepository{db: db, txManager: database.NewTxManager(db)}
}

// Create inserts the data key row and one row per alt name in a single transaction.
func (p *PostgreSQLDataKeyRepository) Create(ctx context.Context, key *keyvaultDomain.DataKey) error {
	params, err := marshalParams(key.MasterKey.Params)
	if err != nil {
		return err
	}

	return p.txManager.WithTx(ctx, func(ctx context.Context) error {
		querier := database.GetTx(ctx, p.db)

		query := `INSERT INTO data_keys (id, key_material, master_key_provider, master_key_params, status, creation_date, update_date)
				  VALUES ($1, $2, $3, $4, $5, $6, $7)`

		_, err := querier.ExecContext(
			ctx,
			query,
			key.ID,
			key.KeyMaterial,
			key.MasterKey.Provider,
			params,
			key.Status,
			key.CreationDate,
			key.UpdateDate,
		)
		if err != nil {
			if isPostgreSQLUniqueViolation(err) {
				return keyvaultDomain.ErrDataKeyExists
			}
			return apperrors.Wrap(err, "failed to create data key")
		}

		for _, name := range key.KeyAltNames {
			if err := p.insertAltName(ctx, key.ID, name); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByID returns the data key with the given id.
func (p *PostgreSQLDataKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*keyvaultDomain.DataKey, error) {
	query := `SELECT id, key_material, master_key_provider, master_key_params, status, creation_date, update_date
			  FROM data_keys WHERE id = $1`
	return p.getOne(ctx, query, id)
}

// GetByAltName returns the data key carrying the given alt name.
func (p *PostgreSQLDataKeyRepository) GetByAltName(ctx context.Context, name string) (*keyvaultDomain.DataKey, error) {
	query := `SELECT k.id, k.key_material, k.master_key_provider, k.master_key_params, k.status, k.creation_date, k.update_date
			  FROM data_keys k JOIN data_key_alt_names a ON a.data_key_id = k.id
			  WHERE a.alt_name = $1`
	return p.getOne(ctx, query, name)
}

// List returns every data key ordered by creation date.
func (p *PostgreSQLDataKeyRepository) List(ctx context.Context) ([]*keyvaultDomain.DataKey, error) {
	querier := database.GetTx(ctx, p.db)

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
		key, err := scanPostgreSQLDataKey(rows)
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
		var id uuid.UUID
		var name string
		if err := altRows.Scan(&id, &name); err != nil {
			return nil, err
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
func (p *PostgreSQLDataKeyRepository) Update(ctx context.Context, key *keyvaultDomain.DataKey) error {
	params, err := marshalParams(key.MasterKey.Params)
	if err != nil {
		return err
	}

	querier := database.GetTx(ctx, p.db)

	query := `UPDATE data_keys
			  SET key_material = $1,
				  master_key_provider = $2,
				  master_key_params = $3,
				  status = $4,
				  update_date = $5
			  WHERE id = $6`

	res, err := querier.ExecContext(
		ctx,
		query,
		key.KeyMaterial,
		key.MasterKey.Provider,
		params,
		key.Status,
		key.UpdateDate,
		key.ID,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to update data key")
	}
	return expectAffected(res)
}

// Delete removes a data key; its alt names go with it (ON DELETE CASCADE).
func (p *PostgreSQLDataKeyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	querier := database.GetTx(ctx, p.db)

	res, err := querier.ExecContext(ctx, `DELETE FROM data_keys WHERE id = $1`, id)
	if err != nil {
		return apperrors.Wrap(err, "failed to delete data key")
	}
	return expectAffected(res)
}

// AddKeyAltName adds an alt name to a key.
func (p *PostgreSQLDataKeyRepository) AddKeyAltName(ctx context.Context, id uuid.UUID, name string) error {
	return p.txManager.WithTx(ctx, func(ctx context.Context) error {
		if err := p.exists(ctx, id); err != nil {
			return err
		}

		querier := database.GetTx(ctx, p.db)

		var owner uuid.UUID
		err := querier.QueryRowContext(ctx,
			`SELECT data_key_id FROM data_key_alt_names WHERE alt_name = $1`, name,
		).Scan(&owner)
		switch {
		case err == nil && owner == id:
			return nil
		case err == nil:
			return keyvaultDomain.ErrKeyAltNameConflict
		case !errors.Is(err, sql.ErrNoRows):
			return apperrors.Wrap(err, "failed to get key alt name")
		}

		return p.insertAltName(ctx, id, name)
	})
}

// RemoveKeyAltName removes an alt name from a key.
func (p *PostgreSQLDataKeyRepository) RemoveKeyAltName(ctx context.Context, id uuid.UUID, name string) error {
	if err := p.exists(ctx, id); err != nil {
		return err
	}

	querier := database.GetTx(ctx, p.db)

	_, err := querier.ExecContext(ctx,
		`DELETE FROM data_key_alt_names WHERE data_key_id = $1 AND alt_name = $2`, id, name,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to remove key alt name")
	}
	return nil
}

func (p *PostgreSQLDataKeyRepository) exists(ctx context.Context, id uuid.UUID) error {
	querier := database.GetTx(ctx, p.db)

	var one int
	err := querier.QueryRowContext(ctx, `SELECT 1 FROM data_keys WHERE id = $1`, id).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return keyvaultDomain.ErrKeyNotFound
		}
		return apperrors.Wrap(err, "failed to get data key")
	}
	return nil
}

func (p *PostgreSQLDataKeyRepository) insertAltName(ctx context.Context, id uuid.UUID, name string) error {
	querier := database.GetTx(ctx, p.db)

	_, err := querier.ExecContext(ctx,
		`INSERT INTO data_key_alt_names (alt_name, data_key_id) VALUES ($1, $2)`, name, id,
	)
	if err != nil {
		if isPostgreSQLUniqueViolation(err) {
			return keyvaultDomain.ErrKeyAltNameConflict
		}
		return apperrors.Wrap(err, "failed to add key alt name")
	}
	return nil
}

func (p *PostgreSQLDataKeyRepository) getOne(ctx context.Context, query string, arg any) (*keyvaultDomain.DataKey, error) {
	querier := database.GetTx(ctx, p.db)

	key, err := scanPostgreSQLDataKey(querier.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, keyvaultDomain.ErrKeyNotFound
		}
		return nil, apperrors.Wrap(err, "failed to get data key")
	}

	rows, err := querier.QueryContext(ctx,
		`SELECT alt_name FROM data_key_alt_names WHERE data_key_id = $1 ORDER BY alt_name`, key.ID,
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgreSQLDataKey(row rowScanner) (*keyvaultDomain.DataKey, error) {
	var key keyvaultDomain.DataKey
	var params []byte

	err := row.Scan(
		&key.ID,
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

	key.MasterKey.Params, err = unmarshalParams(params)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return keyvaultDomain.ErrKeyNotFound
	}
	return nil
}

// isPostgreSQLUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isPostgreSQLUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
