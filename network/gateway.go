package network

import "filehub/models"

// Gateway is the persistence surface the transfer server depends on. Every
// operation touches a single row; storage.ErrNotFound signals a missing row
// or a lost conditional update.
type Gateway interface {
	GetClient(clientID string) (*models.Client, error)
	SetClientStatus(clientID string, status models.ClientStatus) error

	CreateFile(clientID, filename string, size int64) (*models.File, error)
	GetFile(fileID int64) (*models.File, error)
	UpdateFileReceived(fileID, received int64) error
	FinalizeFileUploaded(fileID int64, checksum string) error
	DeleteFile(fileID int64) error
	UsedStorage(clientID string) (int64, error)
	GetAbandonedUploads(clientID string) ([]models.File, error)

	GetPendingActions(clientID string) ([]models.Action, error)
	GetInterruptedAction(clientID string) (*models.Action, error)
	GetAction(actionID int64) (*models.Action, error)
	SetActionStatus(actionID int64, status models.ActionStatus) error
	TransitionAction(actionID int64, from, to models.ActionStatus) error
	AttachFileToAction(actionID, fileID int64) error
}

// FileRemover deletes file rows.
type FileRemover interface {
	DeleteFile(fileID int64) error
}

// RecoveryGateway resets state left behind by a previous server process.
type RecoveryGateway interface {
	ResetClientStatuses() (int64, error)
	InterruptRunningActions() (int64, error)
}
