package contextstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hierplan/internal/metadata"
)

func TestSQLStore_LastHighWaterMark(t *testing.T) {
	mark := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	cfg := metadata.IncrementalConfiguration{ID: 42, BindingID: 1, ColumnName: "updated_at"}

	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantMark  time.Time
		wantOK    bool
		wantErr   bool
	}{
		{
			name: "mark recorded",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT high_water_mark FROM `incremental_high_water_marks` WHERE incremental_configuration_id = ").
					WithArgs(int64(42)).
					WillReturnRows(sqlmock.NewRows([]string{"high_water_mark"}).AddRow(mark))
			},
			wantMark: mark,
			wantOK:   true,
		},
		{
			name: "nothing recorded",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM `incremental_high_water_marks`").
					WillReturnRows(sqlmock.NewRows([]string{"high_water_mark"}))
			},
		},
		{
			name: "null mark",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM `incremental_high_water_marks`").
					WillReturnRows(sqlmock.NewRows([]string{"high_water_mark"}).AddRow(nil))
			},
		},
		{
			name: "query failure",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM `incremental_high_water_marks`").
					WillReturnError(errors.New("lock wait timeout"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			tt.setupMock(mock)

			store := NewSQLStore(db, "")
			session, err := store.Open(context.Background())
			require.NoError(t, err)

			got, ok, err := session.LastHighWaterMark(context.Background(), cfg)
			require.NoError(t, session.Close())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.True(t, tt.wantMark.Equal(got))
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLStore_ClosedSession(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	session, err := NewSQLStore(db, "hwm").Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	_, _, err = session.LastHighWaterMark(context.Background(), metadata.IncrementalConfiguration{ID: 1})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestMemoryStore(t *testing.T) {
	mark := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	source := map[int64]time.Time{7: mark}
	store := NewMemoryStore(source)
	delete(source, 7)

	session, err := store.Open(context.Background())
	require.NoError(t, err)

	got, ok, err := session.LastHighWaterMark(context.Background(), metadata.IncrementalConfiguration{ID: 7})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, mark, got)

	_, ok, err = session.LastHighWaterMark(context.Background(), metadata.IncrementalConfiguration{ID: 8})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, session.Close())
	_, _, err = session.LastHighWaterMark(context.Background(), metadata.IncrementalConfiguration{ID: 7})
	assert.ErrorIs(t, err, ErrSessionClosed)

	empty, err := NewMemoryStore(nil).Open(context.Background())
	require.NoError(t, err)
	_, ok, err = empty.LastHighWaterMark(context.Background(), metadata.IncrementalConfiguration{ID: 7})
	require.NoError(t, err)
	assert.False(t, ok)
}
