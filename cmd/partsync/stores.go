package main

import (
	"context"
	"fmt"

	"github.com/mechcat/partsync/internal/replica/db"
	"github.com/mechcat/partsync/internal/replica/resolve"
	"github.com/mechcat/partsync/internal/replica/store"
	replsync "github.com/mechcat/partsync/internal/replica/sync"
	"github.com/mechcat/partsync/internal/settings"
)

func loadSettings() (settings.Settings, error) {
	s, err := state.settings.Load()
	if err != nil {
		return s, fmt.Errorf("failed to load settings from %s: %w", state.settings.Path, err)
	}
	return s, nil
}

// openLocal opens and migrates the local store.
func openLocal(ctx context.Context) (*db.DB, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	if s.LocalPath == "" {
		return nil, fmt.Errorf("local_path is not set in %s", state.settings.Path)
	}

	database, err := db.OpenWithOptions(s.LocalPath, storeOptions(false))
	if err != nil {
		return nil, err
	}
	if err := database.ApplyMigrations(ctx); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

// openRemote opens the existing remote store without migrating it.
func openRemote() (*db.DB, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	if s.RemotePath == "" {
		return nil, fmt.Errorf("remote_path is not set in %s", state.settings.Path)
	}
	return db.OpenWithOptions(s.RemotePath, storeOptions(true))
}

func storeOptions(remote bool) store.Options {
	if remote {
		return store.Options{Role: store.RoleRemote, MustExist: true, Driver: state.cfg.Driver}
	}
	return store.Options{Role: store.RoleLocal, Driver: state.cfg.Driver}
}

// openSide opens the local store, or the remote one when remote is set.
func openSide(ctx context.Context, remote bool) (*db.DB, error) {
	if remote {
		return openRemote()
	}
	return openLocal(ctx)
}

// newCoordinator builds a coordinator from the loaded configuration.
func newCoordinator(policy resolve.Policy, prompter replsync.Prompter, observer replsync.Observer) (*replsync.Coordinator, error) {
	cfg := replsync.DefaultConfig()
	cfg.Policy = policy
	cfg.Settings = state.settings
	cfg.Driver = state.cfg.Driver
	cfg.Logger = state.logger
	cfg.Prompter = prompter
	cfg.Observer = observer

	if state.cfg.ProcessLock {
		s, err := loadSettings()
		if err != nil {
			return nil, err
		}
		if s.LocalPath != "" {
			cfg.LockFile = s.LocalPath + ".lock"
		}
	}

	return replsync.New(cfg)
}

func configuredPolicy() (resolve.Policy, error) {
	return resolve.ParsePolicy(state.cfg.Policy)
}
