package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/citadel/internal/errs"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

const upsertActSQL = `INSERT INTO app_user_activations \(user_id, identifier, device_id\) VALUES \(\$1, \$2, \$3\) ON CONFLICT \(user_id, identifier, device_id\) DO UPDATE SET updated_at=now\(\) RETURNING id, created_at, updated_at`

func TestActivationRepo_Upsert(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewActivationRepo(db)
	ts := time.Now().UTC()

	mock.ExpectQuery(upsertActSQL).
		WithArgs(key.UserID, key.Identifier, key.DeviceID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(5), ts, ts))
	a, err := r.Upsert(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, int64(5), a.ID)
	require.Equal(t, key, a.DeviceKey)

	mock.ExpectQuery(upsertActSQL).
		WithArgs(key.UserID, key.Identifier, key.DeviceID).
		WillReturnError(&pgconn.PgError{Code: "23503"})
	_, err = r.Upsert(context.Background(), key)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}
