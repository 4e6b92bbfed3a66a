package network

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"filehub/models"
	"filehub/storage"
)

// Directive is one unit of work handed to the transfer engine.
type Directive struct {
	Action models.Action
	// File is set when resuming an interrupted upload.
	File *models.File
}

// Resume reports whether the directive continues a partial upload.
func (d *Directive) Resume() bool {
	return d.File != nil
}

// Dispatcher turns persisted actions into directives for one client.
type Dispatcher struct {
	gateway Gateway
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher over a gateway.
func NewDispatcher(gateway Gateway, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{gateway: gateway, logger: logger}
}

// Next returns the next directive for a client, or nil when there is no work.
// An interrupted action always wins over pending ones; pending actions are
// served oldest first. The returned action has been marked RUNNING.
func (d *Dispatcher) Next(clientID string) (*Directive, error) {
	seen := make(map[int64]bool)
	for {
		action, err := d.gateway.GetInterruptedAction(clientID)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load interrupted action: %w", err)
		}
		if seen[action.ActionID] {
			// Could not be settled; leave it for the next poll.
			break
		}
		seen[action.ActionID] = true

		directive, retry, err := d.resume(action)
		if err != nil {
			return nil, err
		}
		if directive != nil {
			return directive, nil
		}
		if !retry {
			break
		}
	}

	pending, err := d.gateway.GetPendingActions(clientID)
	if err != nil {
		return nil, fmt.Errorf("load pending actions: %w", err)
	}
	for _, action := range pending {
		kind, ok := models.ParseActionKind(string(action.Kind))
		if !ok {
			d.cancelUnknownKind(action)
			continue
		}
		if !d.claim(action.ActionID, models.ActionPending) {
			continue
		}
		action.Kind = kind
		action.Status = models.ActionRunning
		return &Directive{Action: action}, nil
	}

	return nil, nil
}

// resume prepares an interrupted action. retry is true when the action was
// settled without producing work and the next interrupted one should be tried.
func (d *Dispatcher) resume(action *models.Action) (*Directive, bool, error) {
	kind, ok := models.ParseActionKind(string(action.Kind))
	if !ok {
		d.cancelUnknownKind(*action)
		return nil, true, nil
	}
	action.Kind = kind

	var file *models.File
	if kind == models.ActionUpload && action.FileID != nil {
		loaded, err := d.gateway.GetFile(*action.FileID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			d.cancelLost(*action)
			return nil, true, nil
		case err != nil:
			return nil, false, fmt.Errorf("load file %d for action %d: %w", *action.FileID, action.ActionID, err)
		case loaded.Status == models.FileUploaded:
			// Finished on disk and in the files table; only the action lagged.
			if err := d.gateway.TransitionAction(action.ActionID, models.ActionInterrupted, models.ActionDone); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, false, fmt.Errorf("settle action %d: %w", action.ActionID, err)
			}
			return nil, true, nil
		case loaded.Status == models.FileUploading:
			file = loaded
		default:
			d.cancelLost(*action)
			return nil, true, nil
		}
	}

	if !d.claim(action.ActionID, models.ActionInterrupted) {
		return nil, true, nil
	}
	action.Status = models.ActionRunning

	d.logger.Info("resuming interrupted action",
		zap.Int64("action_id", action.ActionID),
		zap.String("kind", string(kind)),
		zap.Bool("byte_resume", file != nil))
	return &Directive{Action: *action, File: file}, false, nil
}

func (d *Dispatcher) claim(actionID int64, from models.ActionStatus) bool {
	err := d.gateway.TransitionAction(actionID, from, models.ActionRunning)
	if err == nil {
		return true
	}
	if !errors.Is(err, storage.ErrNotFound) {
		d.logger.Warn("claim action failed", zap.Int64("action_id", actionID), zap.Error(err))
	}
	return false
}

func (d *Dispatcher) cancelUnknownKind(action models.Action) {
	d.logger.Warn("canceling action with unknown kind",
		zap.Int64("action_id", action.ActionID),
		zap.String("kind", string(action.Kind)))
	if err := d.gateway.SetActionStatus(action.ActionID, models.ActionCanceled); err != nil {
		d.logger.Warn("cancel action failed", zap.Int64("action_id", action.ActionID), zap.Error(err))
	}
}

// cancelLost cancels an interrupted upload whose partial file is gone.
func (d *Dispatcher) cancelLost(action models.Action) {
	d.logger.Warn("canceling interrupted upload without a partial file", zap.Int64("action_id", action.ActionID))
	if err := d.gateway.TransitionAction(action.ActionID, models.ActionInterrupted, models.ActionCanceled); err != nil && !errors.Is(err, storage.ErrNotFound) {
		d.logger.Warn("cancel action failed", zap.Int64("action_id", action.ActionID), zap.Error(err))
	}
}
