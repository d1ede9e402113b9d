package pgvector

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperscope/internal/paper"
	"paperscope/internal/vector"
)

const paperID = "6f1c2a0e-4b7d-4e0a-9a57-1c2d3e4f5a6b"

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestTableNameIsQuoted(t *testing.T) {
	assert.Equal(t, `"papers"`, table("papers"))
	assert.Equal(t, `"a""b"`, table(`a"b`))
}

func TestEnsureCollection(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE EXTENSION IF NOT EXISTS vector`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "papers"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT atttypmod FROM pg_attribute`)).
		WithArgs(`"papers"`).
		WillReturnRows(sqlmock.NewRows([]string{"atttypmod"}).AddRow(3))

	require.NoError(t, s.EnsureCollection(context.Background(), "papers", 3, vector.DistanceCosine))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureCollection_DimensionMismatch(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec("CREATE EXTENSION").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT atttypmod").WillReturnRows(sqlmock.NewRows([]string{"atttypmod"}).AddRow(768))

	err := s.EnsureCollection(context.Background(), "papers", 3, vector.DistanceCosine)
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)
}

func TestEnsureCollection_UnsupportedDistance(t *testing.T) {
	s, _ := newMock(t)
	assert.Error(t, s.EnsureCollection(context.Background(), "papers", 3, vector.Distance("dot")))
}

func TestUpsert(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta(`INSERT INTO "papers"`))
	prep.ExpectExec().WithArgs(paperID, sqlmock.AnyArg(), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("other", sqlmock.AnyArg(), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Upsert(context.Background(), "papers",
		vector.Point{ID: paperID, Vector: []float32{1, 0, 0}, Payload: paper.Payload{PaperID: paperID, Title: "GNNs"}},
		vector.Point{ID: "other", Vector: []float32{0, 1, 0}, Payload: paper.Payload{PaperID: "other"}},
	)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_MissingCollection(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO").WillReturnError(&pgconn.PgError{Code: undefinedTable})
	mock.ExpectRollback()

	err := s.Upsert(context.Background(), "papers", vector.Point{ID: paperID, Vector: []float32{1}})
	assert.ErrorIs(t, err, vector.ErrCollectionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_Empty(t *testing.T) {
	s, mock := newMock(t)
	require.NoError(t, s.Upsert(context.Background(), "papers"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch(t *testing.T) {
	s, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"id", "payload", "embedding", "score"}).
		AddRow(paperID, []byte(`{"paper_id":"`+paperID+`","title":"GNNs","authors":["A","B"]}`), []byte("[1,0,0]"), 0.98).
		AddRow("other", []byte(`{"paper_id":"other","title":"CNNs"}`), []byte("[0,1,0]"), 0.12)
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY embedding <=> $1 LIMIT $2`)).
		WithArgs(sqlmock.AnyArg(), 2).
		WillReturnRows(rows)

	res, err := s.Search(context.Background(), "papers", []float32{1, 0, 0}, 2, false)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, paperID, res[0].ID)
	assert.InDelta(t, 0.98, res[0].Score, 1e-9)
	assert.Equal(t, []string{"A", "B"}, res[0].Payload.Authors)
	assert.Nil(t, res[0].Vector)
}

func TestSearch_WithVectors(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("SELECT id, payload, embedding").
		WillReturnRows(sqlmock.NewRows([]string{"id", "payload", "embedding", "score"}).
			AddRow(paperID, []byte(`{"paper_id":"`+paperID+`"}`), []byte("[0.5,0.25,0]"), 1.0))

	res, err := s.Search(context.Background(), "papers", []float32{0.5, 0.25, 0}, 1, true)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, []float32{0.5, 0.25, 0}, res[0].Vector)
}

func TestScroll(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, payload, embedding FROM "papers" ORDER BY id LIMIT $1`)).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "payload", "embedding"}).
			AddRow("a", []byte(`{"paper_id":"a"}`), []byte("[1,0]")).
			AddRow("b", []byte(`{"paper_id":"b"}`), []byte("[0,1]")))

	res, err := s.Scroll(context.Background(), "papers", 100)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, []float32{0, 1}, res[1].Vector)
}

func TestCount(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "papers"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.Count(context.Background(), "papers")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestCount_MissingCollection(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("SELECT count").WillReturnError(&pgconn.PgError{Code: undefinedTable})

	_, err := s.Count(context.Background(), "papers")
	assert.ErrorIs(t, err, vector.ErrCollectionNotFound)
}
