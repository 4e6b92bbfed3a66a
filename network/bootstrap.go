package network

import (
	"fmt"

	"go.uber.org/zap"
)

// RecoverState clears what a previous process left mid-flight: every client
// goes OFFLINE and every RUNNING action becomes INTERRUPTED so it resumes on
// the client's next login.
func RecoverState(gateway RecoveryGateway, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	clients, err := gateway.ResetClientStatuses()
	if err != nil {
		return fmt.Errorf("reset client statuses: %w", err)
	}
	actions, err := gateway.InterruptRunningActions()
	if err != nil {
		return fmt.Errorf("interrupt running actions: %w", err)
	}

	if clients > 0 || actions > 0 {
		logger.Info("recovered state from previous run",
			zap.Int64("clients_reset", clients),
			zap.Int64("actions_interrupted", actions))
	}
	return nil
}
