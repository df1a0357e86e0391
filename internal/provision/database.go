package provision

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-multierror"

	"previewbox/internal/reconcile"
	"previewbox/internal/security"
)

// EnvFileName is the file in the working copy that receives the database
// credentials.
const EnvFileName = ".env.local"

const (
	errDatabaseExists = 1007 // ER_DB_CREATE_EXISTS
	errUserOperation  = 1396 // ER_CANNOT_USER, e.g. CREATE USER for an existing user
)

// OpenDatabase connects to the MySQL/MariaDB server with the administrative
// dsn. Parameters are interpolated client side, the server does not accept
// placeholders in account statements.
func OpenDatabase(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}
	cfg.InterpolateParams = true
	cfg.MultiStatements = false

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(2)
	return db, nil
}

// ProvisionCredential creates a database and a user named label with a
// random password, and writes the credentials to the working copy's
// .env.local. The password is returned.
func (p *Provisioner) ProvisionCredential(ctx context.Context, label string) (string, error) {
	if err := security.ValidateLabel(label); err != nil {
		return "", err
	}
	password, err := security.GeneratePassword(p.cfg.PasswordLength)
	if err != nil {
		return "", err
	}

	p.logger.Info("Creating database and user", "label", label)
	if _, err := p.db.ExecContext(ctx, "CREATE DATABASE "+quoteIdent(label)); err != nil {
		return "", fmt.Errorf("creating database %s: %w", label, mapMySQLError(err))
	}
	if _, err := p.db.ExecContext(ctx, "CREATE USER ?@? IDENTIFIED BY ?", label, p.cfg.DatabaseHost, password); err != nil {
		return "", fmt.Errorf("creating user %s: %w", label, mapMySQLError(err))
	}
	if _, err := p.db.ExecContext(ctx, "GRANT ALL PRIVILEGES ON "+quoteIdent(label)+".* TO ?@?", label, p.cfg.DatabaseHost); err != nil {
		return "", fmt.Errorf("granting privileges to %s: %w", label, err)
	}

	if err := security.WriteSecureFile(p.envFilePath(label), []byte(p.envFileContent(label, password)), security.PermSecretFile); err != nil {
		return "", fmt.Errorf("writing %s: %w", EnvFileName, err)
	}
	return password, nil
}

// ReleaseCredential drops the database and user of label. Both are
// attempted, and resources that are already gone are not an error.
func (p *Provisioner) ReleaseCredential(ctx context.Context, label string) error {
	if err := security.ValidateLabel(label); err != nil {
		return err
	}

	var result *multierror.Error
	if _, err := p.db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+quoteIdent(label)); err != nil {
		result = multierror.Append(result, fmt.Errorf("dropping database %s: %w", label, err))
	}
	if _, err := p.db.ExecContext(ctx, "DROP USER IF EXISTS ?@?", label, p.cfg.DatabaseHost); err != nil {
		result = multierror.Append(result, fmt.Errorf("dropping user %s: %w", label, err))
	}
	return result.ErrorOrNil()
}

func (p *Provisioner) envFilePath(label string) string {
	return filepath.Join(p.WorkDir(label), EnvFileName)
}

func (p *Provisioner) envFileContent(label, password string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DATABASE_URL=%s://%s:%s@%s/%s\n", p.cfg.DatabaseURLScheme, label, password, p.cfg.DatabaseHost, label)
	fmt.Fprintf(&b, "DATABASE_NAME=%s\n", label)
	fmt.Fprintf(&b, "DATABASE_USER=%s\n", label)
	fmt.Fprintf(&b, "DATABASE_PASSWORD=%s\n", password)
	return b.String()
}

// storedPassword reads the database password back from the working copy of
// label, or returns "" if it cannot.
func (p *Provisioner) storedPassword(label string) string {
	f, err := os.Open(p.envFilePath(label))
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if v, ok := strings.CutPrefix(scanner.Text(), "DATABASE_PASSWORD="); ok {
			return v
		}
	}
	return ""
}

// quoteIdent quotes a validated label as a MySQL identifier.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func mapMySQLError(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && (me.Number == errDatabaseExists || me.Number == errUserOperation) {
		return fmt.Errorf("%w: %w", reconcile.ErrResourceConflict, err)
	}
	return err
}
