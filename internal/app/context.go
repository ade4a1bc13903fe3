package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"remedy/internal/config"
	"remedy/internal/db"
	"remedy/internal/engine"
	"remedy/internal/migrate"
	"remedy/internal/query"
	"remedy/internal/registry"
	"remedy/internal/repo"
)

// Context bundles the wired service pieces every entry point needs: the open
// database, the configured engine, and the query service sharing its repo.
type Context struct {
	Workspace string
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Registry  *registry.Registry
	Engine    engine.Engine
	Query     *query.Service
}

// Open bootstraps a workspace: opens the database, applies migrations, loads
// remedy.yml (falling back to defaults when absent), builds the remediator
// registry, and seeds RBAC roles from config.
func Open(ctx context.Context, workspace string) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("remedy")
	}
	return OpenWithConfig(ctx, workspace, cfg)
}

// OpenWithConfig bootstraps a workspace around an already-loaded config.
func OpenWithConfig(ctx context.Context, workspace string, cfg *config.Config) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	reg, err := registry.FromConfig(cfg.Remediators)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.Repo{DB: conn}
	if err := SeedRBAC(ctx, r, cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed rbac: %w", err)
	}
	eng := engine.New(conn, cfg, reg)
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Repo:      r,
		Config:    cfg,
		Registry:  reg,
		Engine:    eng,
		Query:     query.New(r, cfg),
	}, nil
}

func (a *Context) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// SeedRBAC inserts the configured roles and their permissions. Inserts are
// idempotent, so repeated startups converge on the config without clobbering
// role assignments made through the CLI.
func SeedRBAC(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if cfg == nil || len(cfg.RBAC.Roles) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for roleID, role := range cfg.RBAC.Roles {
		if err := r.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return fmt.Errorf("insert role %s: %w", roleID, err)
		}
		for _, perm := range role.Permissions {
			if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
				return fmt.Errorf("insert permission %s: %w", perm, err)
			}
			if err := r.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return fmt.Errorf("bind %s to %s: %w", perm, roleID, err)
			}
		}
	}
	return tx.Commit()
}

// GrantRole assigns a role to an actor, creating the actor row when needed.
func GrantRole(ctx context.Context, r repo.Repo, actorID, roleID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := r.AssignRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role assignment from an actor.
func RevokeRole(ctx context.Context, r repo.Repo, actorID, roleID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.RevokeRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}
