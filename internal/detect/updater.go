package detect

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// versionKey is the config row recording the installed engine version.
const versionKey = "highlighter_version"

// ConfigStore persists the installed engine version across restarts.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// Updater keeps the detection engine current. Ensure is a process-wide
// single flight: while an update is running every caller awaits the same
// in-flight result, so a second concurrent download can never start.
type Updater struct {
	engine Engine
	store  ConfigStore
	logger *slog.Logger
	group  singleflight.Group
}

func NewUpdater(engine Engine, store ConfigStore, logger *slog.Logger) *Updater {
	return &Updater{engine: engine, store: store, logger: logger}
}

// Ensure checks for a newer engine version and installs it if needed.
func (u *Updater) Ensure(ctx context.Context) error {
	// The flight is shared by every waiter, so it must not die with the
	// first requester's context.
	ctx = context.WithoutCancel(ctx)
	_, err, _ := u.group.Do("engine-update", func() (any, error) {
		available, version, err := u.engine.IsUpdateAvailable(ctx)
		if err != nil {
			return nil, err
		}
		if !available {
			return nil, nil
		}

		u.logger.Info("engine update available", "version", version)
		lastLogged := 0.0
		err = u.engine.Update(ctx, func(fraction float64) {
			if fraction-lastLogged >= 0.1 {
				lastLogged = fraction
				u.logger.Info("engine update progress", "fraction", fraction)
			}
		})
		if err != nil {
			return nil, err
		}

		if version != "" {
			if err := u.store.SetConfig(ctx, versionKey, version); err != nil {
				u.logger.Warn("failed to persist engine version", "error", err)
			}
		}
		u.logger.Info("engine updated", "version", version)
		return nil, nil
	})
	return err
}
