package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestUpsertService(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	started := time.Now().UTC()
	rec := ServiceRecord{
		Name:       "blog",
		ModuleKind: ModuleMCP,
		Status:     ServiceRunning,
		PID:        4242,
		Port:       7301,
		Binary:     "/usr/local/bin/blog-mcp",
		StartedAt:  &started,
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO services (name, module_kind, status, pid, port, binary_path, last_error, started_at, stopped_at, last_seen_at, updated_at)`)).
		WithArgs("blog", "mcp", "running", int64(4242), 7301, rec.Binary, "", sqlmock.AnyArg(), nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.UpsertService(context.Background(), rec); err != nil {
		t.Fatalf("UpsertService: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertServiceClearsPID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO services`)).
		WithArgs("blog", "mcp", "stopped", nil, 7301, "", "", nil, sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stopped := time.Now()
	if err := st.UpsertService(context.Background(), ServiceRecord{Name: "blog", ModuleKind: ModuleMCP, Status: ServiceStopped, Port: 7301, StoppedAt: &stopped}); err != nil {
		t.Fatalf("UpsertService: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetServiceUsesReadPool(t *testing.T) {
	writeDB, writeMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer writeDB.Close()
	readDB, readMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer readDB.Close()

	st := &Store{DB: writeDB, ReadDB: readDB}
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"name", "module_kind", "status", "pid", "port", "binary_path", "last_error", "started_at", "stopped_at", "last_seen_at", "updated_at"}).
		AddRow("blog", "mcp", "running", int64(99), 7301, "/bin/blog", "", now, nil, now, now)
	readMock.ExpectQuery(regexp.QuoteMeta(`FROM services WHERE name = $1`)).WithArgs("blog").WillReturnRows(rows)

	rec, ok, err := st.GetService(context.Background(), "blog")
	if err != nil || !ok {
		t.Fatalf("GetService: ok=%v err=%v", ok, err)
	}
	if rec.PID != 99 || rec.Port != 7301 || rec.Status != ServiceRunning || rec.ModuleKind != ModuleMCP {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.StartedAt == nil || rec.StoppedAt != nil {
		t.Fatalf("unexpected timestamps %+v", rec)
	}
	if err := readMock.ExpectationsWereMet(); err != nil {
		t.Fatalf("read expectations: %v", err)
	}
	if err := writeMock.ExpectationsWereMet(); err != nil {
		t.Fatalf("write expectations: %v", err)
	}
}

func TestGetServiceMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM services WHERE name = $1`)).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	_, ok, err := st.GetServicePrimary(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected missing record")
	}
}

func TestListServicesByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()
	rows := sqlmock.NewRows([]string{"name", "module_kind", "status", "pid", "port", "binary_path", "last_error", "started_at", "stopped_at", "last_seen_at", "updated_at"}).
		AddRow("a", "agent", "running", int64(1), 9001, "", "", now, nil, nil, now).
		AddRow("b", "mcp", "running", nil, 9002, "", "", nil, nil, nil, now)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE status = ANY($1)`)).WithArgs(sqlmock.AnyArg()).WillReturnRows(rows)

	recs, err := st.ListServicesByStatus(context.Background(), ServiceRunning)
	if err != nil {
		t.Fatalf("ListServicesByStatus: %v", err)
	}
	if len(recs) != 2 || recs[1].PID != 0 {
		t.Fatalf("unexpected records %+v", recs)
	}
}
