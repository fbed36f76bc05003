package mysql

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
)

func TestMigrateAppliesPendingFiles(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	files := fstest.MapFS{
		"0001_init.sql":  {Data: []byte("-- comment\nCREATE TABLE a (id INT);\nCREATE TABLE b (id INT);")},
		"0002_extra.sql": {Data: []byte("ALTER TABLE a ADD COLUMN c INT;")},
		"README.md":      {Data: []byte("ignored")},
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version, checksum FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}).AddRow("0001", checksumOf(files["0001_init.sql"].Data)))
	mock.ExpectBegin()
	mock.ExpectExec("ALTER TABLE a ADD COLUMN c INT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs("0002", "0002_extra.sql", checksumOf(files["0002_extra.sql"].Data), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := migrate(context.Background(), db, files); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMigrateRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	files := fstest.MapFS{"0001_init.sql": {Data: []byte("CREATE TABLE a (id INT);")}}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version, checksum FROM schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE a").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	if err := migrate(context.Background(), db, files); err == nil {
		t.Fatal("expected migration failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMigrateRefusesModifiedFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	files := fstest.MapFS{"0001_init.sql": {Data: []byte("CREATE TABLE a (id INT, extra INT);")}}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version, checksum FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}).AddRow("0001", checksumOf([]byte("CREATE TABLE a (id INT);"))))

	if err := migrate(context.Background(), db, files); err == nil {
		t.Fatal("expected checksum mismatch")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSplitStatementsDropsComments(t *testing.T) {
	got := splitStatements("-- header\nCREATE TABLE a (id INT);\n\n-- next\nCREATE INDEX i ON a (id);\n")
	if len(got) != 2 || got[0] != "CREATE TABLE a (id INT)" || got[1] != "CREATE INDEX i ON a (id)" {
		t.Fatalf("unexpected statements %q", got)
	}
	if versionOf("0003_payment_records.sql") != "0003" {
		t.Fatal("version prefix not parsed")
	}
}

func checksumOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func TestEmbeddedMigrationsParse(t *testing.T) {
	list, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(list) < 3 {
		t.Fatalf("expected at least 3 migrations, got %d", len(list))
	}
	if list[0].version != "0001" {
		t.Fatalf("unexpected first version %s", list[0].version)
	}
}

func TestIsDuplicateKey(t *testing.T) {
	if !IsDuplicateKey(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}) {
		t.Fatal("1062 must be a duplicate key")
	}
	if IsDuplicateKey(errors.New("boom")) {
		t.Fatal("plain error is not a duplicate key")
	}
}
