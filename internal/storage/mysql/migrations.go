package mysql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"Aegis-Treasury/deploy/migrations"
	"Aegis-Treasury/pkg/logger"
)

var embeddedMigrations fs.FS = migrations.Files

const createMigrationTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    checksum CHAR(64) NOT NULL,
    applied_at BIGINT NOT NULL
)`

// migration 是一个版本化的 SQL 文件，checksum 用于发现已应用文件被改写。
type migration struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// Migrate 按版本顺序应用内嵌的迁移文件。每个版本在独立事务中执行；
// 已应用版本的内容若发生变化则拒绝继续，避免账本表结构与代码不一致。
func Migrate(ctx context.Context, db *sql.DB) error {
	return migrate(ctx, db, embeddedMigrations)
}

func migrate(ctx context.Context, db *sql.DB, files fs.FS) error {
	if _, err := db.ExecContext(ctx, createMigrationTable); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}

	applied, err := appliedChecksums(ctx, db)
	if err != nil {
		return err
	}
	list, err := loadMigrationFiles(files)
	if err != nil {
		return err
	}

	log := logger.Named("mysql")
	for _, m := range list {
		if sum, ok := applied[m.version]; ok {
			if sum != "" && sum != m.checksum {
				return fmt.Errorf("迁移 %s 在应用后被修改", m.name)
			}
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
		log.Info("已应用数据库迁移", slog.String("version", m.version), slog.String("file", m.name))
	}
	return nil
}

func appliedChecksums(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 schema_migrations 失败: %w", err)
	}
	return applied, nil
}

func apply(ctx context.Context, db *sql.DB, m migration) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()

	for _, stmt := range m.statements {
		if _, execErr := tx.ExecContext(ctx, stmt); execErr != nil {
			// 重复列说明该变更已手工执行过。
			if hasErrorNumber(execErr, ErrNumDuplicateColumn) {
				continue
			}
			return fmt.Errorf("执行迁移 %s 失败: %w", m.name, execErr)
		}
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
		m.version, m.name, m.checksum, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

func loadMigrationFiles(files fs.FS) ([]migration, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	list := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		sum := sha256.Sum256(content)
		list = append(list, migration{
			version:    versionOf(name),
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}

	slices.SortFunc(list, func(a, b migration) int {
		if c := strings.Compare(a.version, b.version); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	return list, nil
}

// splitStatements drops "--" comment lines and splits on ';'. Migration files
// never carry semicolons inside string literals.
func splitStatements(content string) []string {
	var body strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	var statements []string
	for _, stmt := range strings.Split(body.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

// versionOf returns the numeric prefix of "0003_payment_records.sql".
func versionOf(name string) string {
	base := strings.TrimSuffix(path.Base(name), ".sql")
	version, _, _ := strings.Cut(base, "_")
	return version
}
