package network

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"filehub/models"
	"filehub/storage"
)

const (
	// DefaultChunkSize is the byte-loop read size.
	DefaultChunkSize = 4096
)

// Outcome is how a transfer ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	// OutcomeCanceledByPeer means the client answered "cancel".
	OutcomeCanceledByPeer
	// OutcomeCanceledByControlPlane means the action was canceled out of band.
	OutcomeCanceledByControlPlane
	// OutcomeCanceled means the server refused or discarded the transfer:
	// checksum mismatch, quota, storage fault, or a missing download source.
	OutcomeCanceled
	// OutcomeInterrupted means the peer went away mid-transfer; the action is
	// left INTERRUPTED for resumption.
	OutcomeInterrupted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCanceledByPeer:
		return "canceled_by_peer"
	case OutcomeCanceledByControlPlane:
		return "canceled_by_control_plane"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

var (
	// ErrStreamAborted means a transfer stopped mid-stream and the peer can
	// no longer frame the remaining bytes, so the connection must close.
	ErrStreamAborted = errors.New("network: transfer stream aborted")
)

// EngineOptions controls the byte loop.
type EngineOptions struct {
	StorageDir string
	ChunkSize  int
	// StallTimeout bounds each read or write while a directive is outstanding.
	// Zero blocks indefinitely.
	StallTimeout time.Duration
}

// Engine executes uploads and downloads for dispatched actions.
type Engine struct {
	gateway Gateway
	opts    EngineOptions
	logger  *zap.Logger
}

// NewEngine creates a transfer engine.
func NewEngine(gateway Gateway, options EngineOptions, logger *zap.Logger) *Engine {
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{gateway: gateway, opts: options, logger: logger}
}

// ClientDir returns the storage directory of one client.
func (e *Engine) ClientDir(clientID string) string {
	return filepath.Join(e.opts.StorageDir, clientID)
}

// Transfer is one directive bound to a connection.
type Transfer struct {
	Codec     *Codec
	Client    *models.Client
	Directive *Directive
	// OnStreaming is called once raw bytes start flowing.
	OnStreaming func()
	Logger      *zap.Logger
}

// Run executes the directive. Action and file status are final when Run
// returns. A non-nil error means the connection can no longer be used.
func (e *Engine) Run(t Transfer) (Outcome, error) {
	if t.Logger == nil {
		t.Logger = e.logger
	}
	t.Logger = t.Logger.With(
		zap.Int64("action_id", t.Directive.Action.ActionID),
		zap.String("kind", string(t.Directive.Action.Kind)),
	)

	if e.canceled(t.Directive.Action.ActionID) {
		return OutcomeCanceledByControlPlane, nil
	}

	var (
		outcome Outcome
		err     error
	)
	switch t.Directive.Action.Kind {
	case models.ActionUpload:
		if t.Directive.Resume() {
			outcome, err = e.resumeUpload(t)
		} else {
			outcome, err = e.freshUpload(t)
		}
	case models.ActionDownload:
		outcome, err = e.download(t)
	default:
		e.setStatus(t, models.ActionCanceled)
		return OutcomeCanceled, nil
	}

	t.Logger.Info("transfer finished", zap.Stringer("outcome", outcome), zap.Error(err))
	return outcome, err
}

func (e *Engine) freshUpload(t Transfer) (Outcome, error) {
	actionID := t.Directive.Action.ActionID

	if err := t.Codec.WriteLine(PromptUpload); err != nil {
		return e.interrupt(t, err)
	}
	pathLine, err := t.Codec.ReadLine(e.opts.StallTimeout)
	if err != nil {
		return e.interrupt(t, err)
	}
	if strings.EqualFold(strings.TrimSpace(pathLine), TokenCancel) {
		e.setStatus(t, models.ActionCanceled)
		return OutcomeCanceledByPeer, t.Codec.WriteLine(ReplyUploadCanceled)
	}

	dir := e.ClientDir(t.Client.ClientID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return e.refuse(t, CodeStorageFailure, fmt.Errorf("create client dir: %w", err))
	}
	name, err := uniqueFilename(dir, SafeFilename(pathLine))
	if err != nil {
		return e.refuse(t, CodeStorageFailure, err)
	}

	if err := t.Codec.WriteLine(ReplyStartUpload); err != nil {
		return e.interrupt(t, err)
	}
	sizeLine, err := t.Codec.ReadLine(e.opts.StallTimeout)
	if err != nil {
		return e.interrupt(t, err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(sizeLine), 10, 64)
	if err != nil || size < 0 {
		e.setStatus(t, models.ActionCanceled)
		_ = t.Codec.WriteLine(ErrorLine(CodeInvalidSize))
		return OutcomeCanceled, fmt.Errorf("%w: invalid size %q", ErrProtocolViolation, sizeLine)
	}

	if !t.Client.Unlimited() {
		used, err := e.gateway.UsedStorage(t.Client.ClientID)
		if err != nil {
			return e.refuse(t, CodeStorageFailure, err)
		}
		if size > t.Client.CapacityMax-used {
			t.Logger.Info("upload exceeds capacity",
				zap.Int64("size", size),
				zap.Int64("used", used),
				zap.Int64("capacity", t.Client.CapacityMax))
			return e.refuse(t, CodeQuotaExceeded, nil)
		}
	}

	path := filepath.Join(dir, name)
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return e.refuse(t, CodeStorageFailure, fmt.Errorf("create %q: %w", path, err))
	}
	file, err := e.gateway.CreateFile(t.Client.ClientID, name, size)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(path)
		return e.refuse(t, CodeStorageFailure, err)
	}
	if err := e.gateway.AttachFileToAction(actionID, file.FileID); err != nil {
		_ = out.Close()
		e.discard(t, path, file.FileID)
		return e.refuse(t, CodeStorageFailure, err)
	}

	if err := t.Codec.WriteLine("0"); err != nil {
		_ = out.Close()
		return e.interrupt(t, err)
	}

	t.Logger.Info("upload started", zap.Int64("file_id", file.FileID), zap.String("filename", name), zap.Int64("size", size))
	return e.receive(t, file, path, out, sha256.New(), 0)
}

func (e *Engine) resumeUpload(t Transfer) (Outcome, error) {
	file := t.Directive.File
	dir := e.ClientDir(t.Client.ClientID)
	path := filepath.Join(dir, file.Filename)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		e.discard(t, path, file.FileID)
		return e.refuse(t, CodeStorageFailure, fmt.Errorf("create client dir: %w", err))
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		e.discard(t, path, file.FileID)
		return e.refuse(t, CodeStorageFailure, fmt.Errorf("reopen %q: %w", path, err))
	}

	offset, hasher, err := rehydrate(out, file.Received)
	if err != nil {
		_ = out.Close()
		e.discard(t, path, file.FileID)
		return e.refuse(t, CodeStorageFailure, err)
	}
	if offset != file.Received {
		t.Logger.Warn("partial file shorter than recorded offset",
			zap.Int64("recorded", file.Received),
			zap.Int64("on_disk", offset))
		if err := e.gateway.UpdateFileReceived(file.FileID, offset); err != nil {
			_ = out.Close()
			e.discard(t, path, file.FileID)
			return e.refuse(t, CodeStorageFailure, err)
		}
	}

	if err := t.Codec.WriteLine(OffsetLine(offset)); err != nil {
		_ = out.Close()
		return e.interrupt(t, err)
	}
	// A client that can no longer serve the resume answers OFFSET with "cancel".
	declined, err := t.Codec.ConsumeToken(TokenCancel, e.opts.StallTimeout)
	if err != nil {
		_ = out.Close()
		return e.interrupt(t, err)
	}
	if declined {
		_ = out.Close()
		e.discard(t, path, file.FileID)
		e.setStatus(t, models.ActionCanceled)
		return OutcomeCanceledByPeer, t.Codec.WriteLine(ReplyUploadCanceled)
	}

	t.Logger.Info("upload resumed", zap.Int64("file_id", file.FileID), zap.Int64("offset", offset), zap.Int64("size", file.Size))
	return e.receive(t, file, path, out, hasher, offset)
}

// rehydrate trims a partial file to the durable offset and rebuilds the
// running digest from the bytes already on disk.
func rehydrate(out *os.File, recorded int64) (int64, hash.Hash, error) {
	info, err := out.Stat()
	if err != nil {
		return 0, nil, fmt.Errorf("stat partial file: %w", err)
	}
	offset := recorded
	if info.Size() < offset {
		offset = info.Size()
	}
	if err := out.Truncate(offset); err != nil {
		return 0, nil, fmt.Errorf("truncate partial file: %w", err)
	}
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return 0, nil, fmt.Errorf("seek partial file: %w", err)
	}

	hasher := sha256.New()
	if _, err := io.CopyN(hasher, out, offset); err != nil {
		return 0, nil, fmt.Errorf("rehash partial file: %w", err)
	}
	if _, err := out.Seek(offset, io.SeekStart); err != nil {
		return 0, nil, fmt.Errorf("seek partial file: %w", err)
	}
	return offset, hasher, nil
}

func (e *Engine) receive(t Transfer, file *models.File, path string, out *os.File, hasher hash.Hash, received int64) (Outcome, error) {
	actionID := t.Directive.Action.ActionID
	buf := make([]byte, e.opts.ChunkSize)
	closed := false
	closeOut := func() {
		if !closed {
			_ = out.Close()
			closed = true
		}
	}
	defer closeOut()

	if t.OnStreaming != nil {
		t.OnStreaming()
	}

	for received < file.Size {
		if e.canceled(actionID) {
			closeOut()
			return e.abandon(t, file, path, received, CodeUploadCanceled, nil)
		}

		want := int64(len(buf))
		if remaining := file.Size - received; remaining < want {
			want = remaining
		}
		if err := t.Codec.SetReadTimeout(e.opts.StallTimeout); err != nil {
			return e.interrupt(t, err)
		}
		n, readErr := t.Codec.Read(buf[:want])
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				closeOut()
				return e.abandon(t, file, path, received+int64(n), CodeStorageFailure, fmt.Errorf("write %q: %w", path, err))
			}
			hasher.Write(buf[:n])
			received += int64(n)
			if err := e.gateway.UpdateFileReceived(file.FileID, received); err != nil {
				closeOut()
				return e.abandon(t, file, path, received, CodeStorageFailure, err)
			}
		}
		if readErr != nil {
			if err := out.Sync(); err != nil {
				t.Logger.Warn("sync partial file failed", zap.Error(err))
			}
			t.Logger.Info("upload interrupted", zap.Int64("received", received), zap.Int64("size", file.Size))
			return e.interrupt(t, readErr)
		}
	}

	if err := out.Sync(); err != nil {
		closeOut()
		return e.abandon(t, file, path, received, CodeStorageFailure, fmt.Errorf("sync %q: %w", path, err))
	}
	closeOut()

	checksumLine, err := t.Codec.ReadLine(e.opts.StallTimeout)
	if err != nil {
		return e.interrupt(t, err)
	}
	if e.canceled(actionID) {
		e.discard(t, path, file.FileID)
		return OutcomeCanceledByControlPlane, t.Codec.WriteLine(ErrorLine(CodeUploadCanceled))
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if ParseChecksumLine(checksumLine) != digest {
		t.Logger.Warn("upload checksum mismatch", zap.Int64("file_id", file.FileID), zap.String("computed", digest))
		e.discard(t, path, file.FileID)
		e.setStatus(t, models.ActionCanceled)
		return OutcomeCanceled, t.Codec.WriteLine(ErrorLine(CodeChecksumMismatch))
	}

	if err := e.gateway.FinalizeFileUploaded(file.FileID, digest); err != nil {
		e.discard(t, path, file.FileID)
		return e.refuse(t, CodeStorageFailure, err)
	}
	e.setStatus(t, models.ActionDone)
	return OutcomeCompleted, t.Codec.WriteLine(ReplyUploadComplete)
}

func (e *Engine) download(t Transfer) (Outcome, error) {
	if err := t.Codec.WriteLine(PromptDownload); err != nil {
		return e.interrupt(t, err)
	}
	// The save path is a client-side hint only.
	saveLine, err := t.Codec.ReadLine(e.opts.StallTimeout)
	if err != nil {
		return e.interrupt(t, err)
	}
	if strings.EqualFold(strings.TrimSpace(saveLine), TokenCancel) {
		e.setStatus(t, models.ActionCanceled)
		return OutcomeCanceledByPeer, t.Codec.WriteLine(ReplyDownloadCanceled)
	}

	file, src, err := e.openDownload(t)
	if err != nil {
		t.Logger.Info("download source unavailable", zap.Error(err))
		e.setStatus(t, models.ActionCanceled)
		return OutcomeCanceled, t.Codec.WriteLine(ReplyFileNotFound)
	}
	defer src.Close()

	if err := t.Codec.WriteLine(fmt.Sprintf("%d|%s", file.Size, file.Filename)); err != nil {
		return e.interrupt(t, err)
	}
	if t.OnStreaming != nil {
		t.OnStreaming()
	}

	buf := make([]byte, e.opts.ChunkSize)
	var sent int64
	for sent < file.Size {
		if e.canceled(t.Directive.Action.ActionID) {
			return OutcomeCanceledByControlPlane, ErrStreamAborted
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if err := t.Codec.SetWriteTimeout(e.opts.StallTimeout); err != nil {
				return e.interrupt(t, err)
			}
			if _, err := t.Codec.Write(buf[:n]); err != nil {
				return e.interrupt(t, err)
			}
			sent += int64(n)
		}
		if readErr != nil && sent < file.Size {
			e.setStatus(t, models.ActionCanceled)
			return OutcomeCanceled, fmt.Errorf("%w: read %q: %v", ErrStreamAborted, file.Filename, readErr)
		}
	}
	if err := t.Codec.SetWriteTimeout(0); err != nil {
		return e.interrupt(t, err)
	}

	e.setStatus(t, models.ActionDone)
	return OutcomeCompleted, t.Codec.WriteLine(ReplyDownloadComplete)
}

// openDownload resolves the action's file to an open, complete local copy.
func (e *Engine) openDownload(t Transfer) (*models.File, *os.File, error) {
	fileID := t.Directive.Action.FileID
	if fileID == nil {
		return nil, nil, errors.New("action has no file")
	}
	file, err := e.gateway.GetFile(*fileID)
	if err != nil {
		return nil, nil, err
	}
	if file.ClientID != t.Client.ClientID {
		return nil, nil, fmt.Errorf("file %d belongs to another client", file.FileID)
	}
	if file.Status != models.FileUploaded {
		return nil, nil, fmt.Errorf("file %d is %s", file.FileID, file.Status)
	}

	path := filepath.Join(e.ClientDir(file.ClientID), file.Filename)
	src, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := src.Stat()
	if err != nil || info.Size() != file.Size {
		_ = src.Close()
		return nil, nil, fmt.Errorf("file %d on disk does not match its record", file.FileID)
	}
	return file, src, nil
}

// interrupt records a recoverable failure. The connection is unusable.
func (e *Engine) interrupt(t Transfer, cause error) (Outcome, error) {
	e.setStatus(t, models.ActionInterrupted)
	if cause == nil {
		cause = io.ErrUnexpectedEOF
	}
	return OutcomeInterrupted, cause
}

// refuse cancels the action and tells the peer why. The connection stays open.
func (e *Engine) refuse(t Transfer, code string, cause error) (Outcome, error) {
	if cause != nil {
		t.Logger.Error("transfer refused", zap.String("code", code), zap.Error(cause))
	}
	e.setStatus(t, models.ActionCanceled)
	return OutcomeCanceled, t.Codec.WriteLine(ErrorLine(code))
}

// abandon gives up on an upload whose payload is still arriving. The rest of
// the payload and the checksum line are consumed before the error reply, so
// the peer's next line is read as a control line again. consumed counts the
// payload bytes already taken off the wire.
func (e *Engine) abandon(t Transfer, file *models.File, path string, consumed int64, code string, cause error) (Outcome, error) {
	e.discard(t, path, file.FileID)
	outcome := OutcomeCanceledByControlPlane
	if code != CodeUploadCanceled {
		t.Logger.Error("upload aborted", zap.String("code", code), zap.Error(cause))
		e.setStatus(t, models.ActionCanceled)
		outcome = OutcomeCanceled
	}

	if err := e.drain(t, file.Size-consumed); err != nil {
		return outcome, fmt.Errorf("%w: %v", ErrStreamAborted, err)
	}
	return outcome, t.Codec.WriteLine(ErrorLine(code))
}

// drain reads and drops remaining payload bytes and the checksum line.
func (e *Engine) drain(t Transfer, remaining int64) error {
	buf := make([]byte, e.opts.ChunkSize)
	for remaining > 0 {
		if err := t.Codec.SetReadTimeout(e.opts.StallTimeout); err != nil {
			return err
		}
		n, err := t.Codec.Read(buf[:min(int64(len(buf)), remaining)])
		remaining -= int64(n)
		if err != nil && remaining > 0 {
			return err
		}
	}
	_, err := t.Codec.ReadLine(e.opts.StallTimeout)
	return err
}

// discard removes a partial upload from disk and from the files table.
func (e *Engine) discard(t Transfer, path string, fileID int64) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		t.Logger.Warn("remove partial file failed", zap.String("path", path), zap.Error(err))
	}
	if err := e.gateway.DeleteFile(fileID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		t.Logger.Warn("delete file row failed", zap.Int64("file_id", fileID), zap.Error(err))
	}
}

// PurgeAbandonedUploads removes the partial uploads of a client whose upload
// action was canceled while no transfer held it, such as an INTERRUPTED
// upload canceled by the control plane. It returns how many were removed.
func (e *Engine) PurgeAbandonedUploads(clientID string) int {
	files, err := e.gateway.GetAbandonedUploads(clientID)
	if err != nil {
		e.logger.Warn("load abandoned uploads failed", zap.String("client_id", clientID), zap.Error(err))
		return 0
	}
	purged := 0
	for _, file := range files {
		if err := PurgeUpload(e.gateway, e.opts.StorageDir, file); err != nil {
			e.logger.Warn("purge abandoned upload failed", zap.Int64("file_id", file.FileID), zap.Error(err))
			continue
		}
		e.logger.Info("purged abandoned upload",
			zap.String("client_id", clientID),
			zap.Int64("file_id", file.FileID),
			zap.String("filename", file.Filename))
		purged++
	}
	return purged
}

// PurgeUpload deletes a partial upload's bytes under storageDir and its row.
func PurgeUpload(gateway FileRemover, storageDir string, file models.File) error {
	path := filepath.Join(storageDir, file.ClientID, file.Filename)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %q: %w", path, err)
	}
	if err := gateway.DeleteFile(file.FileID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete file %d: %w", file.FileID, err)
	}
	return nil
}

// setStatus settles a RUNNING action. A concurrent control-plane cancel wins.
func (e *Engine) setStatus(t Transfer, status models.ActionStatus) {
	err := e.gateway.TransitionAction(t.Directive.Action.ActionID, models.ActionRunning, status)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		t.Logger.Info("action changed underneath transfer", zap.String("status", string(status)))
	case err != nil:
		t.Logger.Error("update action status failed", zap.String("status", string(status)), zap.Error(err))
	}
}

// canceled polls the control plane's view of an action.
func (e *Engine) canceled(actionID int64) bool {
	action, err := e.gateway.GetAction(actionID)
	if errors.Is(err, storage.ErrNotFound) {
		return true
	}
	if err != nil {
		e.logger.Warn("poll action status failed", zap.Int64("action_id", actionID), zap.Error(err))
		return false
	}
	return action.Status == models.ActionCanceled
}

// uniqueFilename returns name, or "base (n).ext" for the first n that is not
// already taken in dir.
func uniqueFilename(dir, name string) (string, error) {
	taken := func(candidate string) (bool, error) {
		_, err := os.Lstat(filepath.Join(dir, candidate))
		if err == nil {
			return true, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %q: %w", candidate, err)
	}

	exists, err := taken(name)
	if err != nil || !exists {
		return name, err
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base, ext = name, ""
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		exists, err := taken(candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
}
