package postgres_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/quantfold/strata/errs"
	"github.com/quantfold/strata/internal/store"
	"github.com/quantfold/strata/internal/store/migrations"
	pgstore "github.com/quantfold/strata/internal/store/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	if os.Getenv("STRATA_PG_INTEGRATION") == "" {
		setupErr = fmt.Errorf("STRATA_PG_INTEGRATION not set")
		os.Exit(m.Run())
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "strata"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres integration tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/strata?sslmode=disable", host, port.Port())

	if err := applyMigrations(ctx, dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func applyMigrations(ctx context.Context, dsn string) error {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return fmt.Errorf("runtime caller lookup failed")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", ".."))
	return migrations.Apply(ctx, dsn, filepath.Join(root, "db", "migrations"), nil)
}

func TestRecordStoreContract(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres integration setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	st := pgstore.NewRecordStore(testPool)

	created, err := st.Put(ctx, store.Record{
		Key:  store.InstanceKey("it-1"),
		Data: []byte(`{"id":"it-1","kind":"iron-condor","state":"Initializing","created_at":"2026-08-30T00:00:00Z","updated_at":"2026-08-30T00:00:00Z"}`),
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("created version %d, want 1", created.Version)
	}

	if _, err := st.Put(ctx, store.Record{Key: created.Key, Data: []byte(`{}`)}); !errs.IsCode(err, errs.CodeConflict) {
		t.Fatalf("expected conflict on duplicate put, got %v", err)
	}

	got, err := st.Get(ctx, created.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || len(got.Data) == 0 {
		t.Fatalf("unexpected record: %+v", got)
	}

	swapped, err := st.CompareAndSwap(ctx, got.Version, store.Record{Key: got.Key, Data: []byte(`{"state":"Ready"}`)})
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if swapped.Version != 2 {
		t.Fatalf("swapped version %d, want 2", swapped.Version)
	}

	if _, err := st.CompareAndSwap(ctx, 1, store.Record{Key: got.Key, Data: []byte(`{}`)}); !errs.IsCode(err, errs.CodeConflict) {
		t.Fatalf("expected conflict on stale cas, got %v", err)
	}

	if _, err := st.Get(ctx, store.InstanceKey("it-absent")); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}

	for _, gid := range []string{"g-1", "g-2"} {
		if _, err := st.Put(ctx, store.Record{Key: store.GroupKey("it-1", gid), Data: []byte(`{"status":"Pending"}`)}); err != nil {
			t.Fatalf("put group %s: %v", gid, err)
		}
	}
	records, err := st.ListPrefix(ctx, store.OwnerGroupPrefix("it-1"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("listed %d records, want 2", len(records))
	}
	if records[0].Key > records[1].Key {
		t.Fatal("list must be key-ordered")
	}
}
